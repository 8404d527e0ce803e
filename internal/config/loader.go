package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "QUORUM_CORE"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance so
// that CLI flag bindings take part in resolution.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (QUORUM_CORE_*)
// 3. Project config (.quorum-core.yaml in current directory)
// 4. User config (~/.config/quorum-core/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".quorum-core")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "quorum-core"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	applyKeyAliases(l.v)

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("router.queue_size", 256)
	l.v.SetDefault("router.submit_timeout", "30s")
	l.v.SetDefault("router.stale_after", "1h")
	l.v.SetDefault("router.janitor_interval", "5m")

	l.v.SetDefault("circuits.failure_threshold", 5)
	l.v.SetDefault("circuits.open_timeout", "30s")
	l.v.SetDefault("circuits.half_open_max_requests", 1)
	l.v.SetDefault("circuits.monitor_interval", "5s")
	l.v.SetDefault("circuits.history_size", 100)

	l.v.SetDefault("resources.critical", []string{"state", "eventqueue"})
	l.v.SetDefault("resources.grace_delay", "100ms")
	l.v.SetDefault("resources.stop_timeout", "10s")
	l.v.SetDefault("resources.routed_stop_timeout", "12s")

	l.v.SetDefault("admission.max_concurrent_updates", DefaultMaxConcurrentUpdates)
	l.v.SetDefault("admission.max_high_priority_updates", DefaultMaxHighPriorityUpdates)
	l.v.SetDefault("admission.update_timeout_seconds", DefaultUpdateTimeoutSeconds)
	l.v.SetDefault("admission.acquire_timeout", "0")
	l.v.SetDefault("admission.recheck_interval", "5s")
	l.v.SetDefault("admission.cleanup_interval", "30s")

	l.v.SetDefault("tasks.max_concurrent_tasks", DefaultMaxConcurrentTasks)
	l.v.SetDefault("tasks.dependency_resolution_mode", DefaultResolutionMode)
	l.v.SetDefault("tasks.retain_for", "1h")

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8089)
	l.v.SetDefault("server.cors_origins", []string{})
	l.v.SetDefault("server.allow_commands", false)

	l.v.SetDefault("store.backend", "sqlite")
	l.v.SetDefault("store.path", ".quorum-core/state.db")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
