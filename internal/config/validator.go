package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateRouter(&cfg.Router)
	v.validateCircuits(&cfg.Circuits)
	v.validateResources(&cfg.Resources)
	v.validateAdmission(&cfg.Admission)
	v.validateTasks(&cfg.Tasks)
	v.validateServer(&cfg.Server)
	v.validateStore(&cfg.Store)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

// checkDuration requires a parseable duration. Zero is rejected unless allowZero.
func (v *Validator) checkDuration(field, value string, allowZero bool) {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration")
		return
	}
	if d < 0 || (d == 0 && !allowZero) {
		v.addError(field, value, "must be positive")
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateRouter(cfg *RouterConfig) {
	if cfg.QueueSize <= 0 {
		v.addError("router.queue_size", cfg.QueueSize, "must be positive")
	}
	v.checkDuration("router.submit_timeout", cfg.SubmitTimeout, false)
	v.checkDuration("router.stale_after", cfg.StaleAfter, false)
	v.checkDuration("router.janitor_interval", cfg.JanitorInterval, false)
}

func (v *Validator) validateCircuits(cfg *CircuitsConfig) {
	if cfg.FailureThreshold == 0 {
		v.addError("circuits.failure_threshold", cfg.FailureThreshold, "must be positive")
	}
	if cfg.HalfOpenMaxRequests == 0 {
		v.addError("circuits.half_open_max_requests", cfg.HalfOpenMaxRequests, "must be positive")
	}
	if cfg.HistorySize <= 0 {
		v.addError("circuits.history_size", cfg.HistorySize, "must be positive")
	}
	v.checkDuration("circuits.open_timeout", cfg.OpenTimeout, false)
	v.checkDuration("circuits.monitor_interval", cfg.MonitorInterval, false)
}

func (v *Validator) validateResources(cfg *ResourcesConfig) {
	seen := make(map[string]bool, len(cfg.Critical))
	for _, id := range cfg.Critical {
		if strings.TrimSpace(id) == "" {
			v.addError("resources.critical", cfg.Critical, "component ids must not be empty")
		}
		if seen[id] {
			v.addError("resources.critical", id, "duplicate component id")
		}
		seen[id] = true
	}
	v.checkDuration("resources.grace_delay", cfg.GraceDelay, true)
	v.checkDuration("resources.stop_timeout", cfg.StopTimeout, false)
	v.checkDuration("resources.routed_stop_timeout", cfg.RoutedStopTimeout, false)
}

func (v *Validator) validateAdmission(cfg *AdmissionConfig) {
	if cfg.MaxConcurrentUpdates <= 0 {
		v.addError("admission.max_concurrent_updates", cfg.MaxConcurrentUpdates, "must be positive")
	}
	if cfg.MaxHighPriorityUpdates <= 0 {
		v.addError("admission.max_high_priority_updates", cfg.MaxHighPriorityUpdates, "must be positive")
	} else if cfg.MaxHighPriorityUpdates > cfg.MaxConcurrentUpdates {
		v.addError("admission.max_high_priority_updates", cfg.MaxHighPriorityUpdates,
			"must not exceed admission.max_concurrent_updates")
	}
	if cfg.UpdateTimeoutSeconds <= 0 {
		v.addError("admission.update_timeout_seconds", cfg.UpdateTimeoutSeconds, "must be positive")
	}
	v.checkDuration("admission.acquire_timeout", cfg.AcquireTimeout, true)
	v.checkDuration("admission.recheck_interval", cfg.RecheckInterval, false)
	v.checkDuration("admission.cleanup_interval", cfg.CleanupInterval, false)
}

func (v *Validator) validateTasks(cfg *TasksConfig) {
	if cfg.MaxConcurrentTasks <= 0 {
		v.addError("tasks.max_concurrent_tasks", cfg.MaxConcurrentTasks, "must be positive")
	}
	switch cfg.DependencyResolutionMode {
	case "topological", "level":
	default:
		v.addError("tasks.dependency_resolution_mode", cfg.DependencyResolutionMode,
			"must be one of: topological, level")
	}
	v.checkDuration("tasks.retain_for", cfg.RetainFor, false)
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 0 and 65535")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.Path == "" {
			v.addError("store.path", cfg.Path, "required for the sqlite backend")
		}
	default:
		v.addError("store.backend", cfg.Backend, "must be one of: sqlite, memory")
	}
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
