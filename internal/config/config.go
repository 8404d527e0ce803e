// Package config loads the orchestration core's configuration from defaults,
// a YAML file, environment variables and CLI flags.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Router    RouterConfig    `mapstructure:"router"`
	Circuits  CircuitsConfig  `mapstructure:"circuits"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RouterConfig configures the execution context router.
type RouterConfig struct {
	QueueSize       int    `mapstructure:"queue_size"`
	SubmitTimeout   string `mapstructure:"submit_timeout"`
	StaleAfter      string `mapstructure:"stale_after"`
	JanitorInterval string `mapstructure:"janitor_interval"`
}

// CircuitsConfig configures per-component circuits and the registry monitor.
type CircuitsConfig struct {
	FailureThreshold    uint32 `mapstructure:"failure_threshold"`
	OpenTimeout         string `mapstructure:"open_timeout"`
	HalfOpenMaxRequests uint32 `mapstructure:"half_open_max_requests"`
	MonitorInterval     string `mapstructure:"monitor_interval"`
	HistorySize         int    `mapstructure:"history_size"`
}

// ResourcesConfig configures the resource coordinator.
type ResourcesConfig struct {
	Critical          []string `mapstructure:"critical"`
	GraceDelay        string   `mapstructure:"grace_delay"`
	StopTimeout       string   `mapstructure:"stop_timeout"`
	RoutedStopTimeout string   `mapstructure:"routed_stop_timeout"`
}

// AdmissionConfig configures the admission controller.
type AdmissionConfig struct {
	MaxConcurrentUpdates   int     `mapstructure:"max_concurrent_updates"`
	MaxHighPriorityUpdates int     `mapstructure:"max_high_priority_updates"`
	UpdateTimeoutSeconds   float64 `mapstructure:"update_timeout_seconds"`
	AcquireTimeout         string  `mapstructure:"acquire_timeout"`
	RecheckInterval        string  `mapstructure:"recheck_interval"`
	CleanupInterval        string  `mapstructure:"cleanup_interval"`
}

// TasksConfig configures the layered task coordinator.
type TasksConfig struct {
	MaxConcurrentTasks       int    `mapstructure:"max_concurrent_tasks"`
	DependencyResolutionMode string `mapstructure:"dependency_resolution_mode"`
	RetainFor                string `mapstructure:"retain_for"`
}

// ServerConfig configures the HTTP status surface.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// AllowCommands lets POST /api/v1/operations submit shell commands.
	AllowCommands bool `mapstructure:"allow_commands"`
}

// StoreConfig configures the keyed state store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// UpdateTimeout returns the admission staleness ceiling.
func (c AdmissionConfig) UpdateTimeout() time.Duration {
	return time.Duration(c.UpdateTimeoutSeconds * float64(time.Second))
}

// Duration parses s, returning fallback when s is empty or invalid.
// Values are checked by the Validator before use.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
