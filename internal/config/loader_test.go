package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ".quorum-core.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoader_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "auto" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Admission.MaxConcurrentUpdates != DefaultMaxConcurrentUpdates {
		t.Errorf("MaxConcurrentUpdates = %d", cfg.Admission.MaxConcurrentUpdates)
	}
	if cfg.Admission.MaxHighPriorityUpdates != DefaultMaxHighPriorityUpdates {
		t.Errorf("MaxHighPriorityUpdates = %d", cfg.Admission.MaxHighPriorityUpdates)
	}
	if cfg.Admission.UpdateTimeout() != 120*time.Second {
		t.Errorf("UpdateTimeout() = %s", cfg.Admission.UpdateTimeout())
	}
	if Duration(cfg.Admission.AcquireTimeout, time.Hour) != 0 {
		t.Errorf("AcquireTimeout = %q, want unbounded", cfg.Admission.AcquireTimeout)
	}
	if cfg.Tasks.MaxConcurrentTasks != DefaultMaxConcurrentTasks {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Tasks.MaxConcurrentTasks)
	}
	if cfg.Tasks.DependencyResolutionMode != "topological" {
		t.Errorf("DependencyResolutionMode = %q", cfg.Tasks.DependencyResolutionMode)
	}
	if len(cfg.Resources.Critical) != 2 {
		t.Errorf("Resources.Critical = %v", cfg.Resources.Critical)
	}
	if Duration(cfg.Resources.RoutedStopTimeout, 0) != 12*time.Second {
		t.Errorf("RoutedStopTimeout = %q", cfg.Resources.RoutedStopTimeout)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q", cfg.Store.Backend)
	}

	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoader_ProjectFile(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
log:
  level: debug
admission:
  max_concurrent_updates: 8
  max_high_priority_updates: 3
tasks:
  dependency_resolution_mode: level
`)

	loader := NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loader.ConfigFile() == "" {
		t.Error("ConfigFile() should report the project file")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Admission.MaxConcurrentUpdates != 8 || cfg.Admission.MaxHighPriorityUpdates != 3 {
		t.Errorf("Admission = %+v", cfg.Admission)
	}
	if cfg.Tasks.DependencyResolutionMode != "level" {
		t.Errorf("DependencyResolutionMode = %q", cfg.Tasks.DependencyResolutionMode)
	}
	// Untouched keys keep defaults.
	if cfg.Tasks.MaxConcurrentTasks != DefaultMaxConcurrentTasks {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Tasks.MaxConcurrentTasks)
	}
}

func TestLoader_ExplicitFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
}

func TestLoader_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	if err == nil {
		t.Error("Load() with a missing explicit file should fail")
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, "admission:\n  max_concurrent_updates: 8\n")
	t.Setenv("QUORUM_CORE_ADMISSION_MAX_CONCURRENT_UPDATES", "11")
	t.Setenv("QUORUM_CORE_LOG_FORMAT", "json")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Admission.MaxConcurrentUpdates != 11 {
		t.Errorf("MaxConcurrentUpdates = %d, want env value 11", cfg.Admission.MaxConcurrentUpdates)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
}

func TestLoader_CamelCaseOptions(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
maxConcurrentUpdates: 6
maxHighPriorityUpdates: 4
updateTimeoutSeconds: 30.5
dependencyResolutionMode: level
tasks:
  maxConcurrentTasks: 9
`)

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Admission.MaxConcurrentUpdates != 6 {
		t.Errorf("MaxConcurrentUpdates = %d, want 6", cfg.Admission.MaxConcurrentUpdates)
	}
	if cfg.Admission.MaxHighPriorityUpdates != 4 {
		t.Errorf("MaxHighPriorityUpdates = %d, want 4", cfg.Admission.MaxHighPriorityUpdates)
	}
	if cfg.Admission.UpdateTimeoutSeconds != 30.5 {
		t.Errorf("UpdateTimeoutSeconds = %v, want 30.5", cfg.Admission.UpdateTimeoutSeconds)
	}
	if cfg.Tasks.DependencyResolutionMode != "level" {
		t.Errorf("DependencyResolutionMode = %q, want level", cfg.Tasks.DependencyResolutionMode)
	}
	if cfg.Tasks.MaxConcurrentTasks != 9 {
		t.Errorf("MaxConcurrentTasks = %d, want 9", cfg.Tasks.MaxConcurrentTasks)
	}
}

func TestLoader_CanonicalKeyWinsOverAlias(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
maxConcurrentUpdates: 6
admission:
  max_concurrent_updates: 8
`)

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Admission.MaxConcurrentUpdates != 8 {
		t.Errorf("MaxConcurrentUpdates = %d, want 8", cfg.Admission.MaxConcurrentUpdates)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Minute},
		{"bogus", time.Minute},
		{"0", 0},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Duration(tt.in, time.Minute); got != tt.want {
			t.Errorf("Duration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
