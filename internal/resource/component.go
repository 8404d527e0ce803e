// Package resource starts and stops long-lived components in dependency
// order. Components are opaque values; the coordinator discovers what it can
// do with each one through the capability interfaces below.
package resource

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/circuit"
)

// Startable components are started during initialization.
type Startable interface {
	Start(ctx context.Context) error
}

// Initializer is the alternative start contract, used when a component is
// not Startable.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Stoppable components are stopped during shutdown.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// HealthReporting components report whether they are already serving. A
// healthy component is not started again.
type HealthReporting interface {
	IsHealthy(ctx context.Context) bool
}

// RunningReporter components report whether they are already running.
type RunningReporter interface {
	IsRunning() bool
}

// CircuitProvider components expose a failure detector that is registered
// with the circuit registry once the component is initialized.
type CircuitProvider interface {
	Circuit() circuit.Detector
}

// HomeContextProvider components declare the execution context their start
// and stop calls must run on.
type HomeContextProvider interface {
	HomeContext() string
}

// InitState is the lifecycle position of a component.
type InitState string

const (
	StateNotStarted        InitState = "not_started"
	StateInProgress        InitState = "in_progress"
	StateComplete          InitState = "complete"
	StateFailed            InitState = "failed"
	StateSkippedDepFailure InitState = "skipped_dep_failure"
)

// blocksDependents reports whether dependents of a component in this state
// must be skipped.
func (s InitState) blocksDependents() bool {
	return s == StateFailed || s == StateSkippedDepFailure
}

// Metadata records the lifecycle of one component.
type Metadata struct {
	Type            string    `json:"type"`
	RegisteredAt    time.Time `json:"registered_at"`
	Initialized     bool      `json:"initialized"`
	InitAt          time.Time `json:"init_at,omitempty"`
	ShutdownAt      time.Time `json:"shutdown_at,omitempty"`
	ShutdownSuccess bool      `json:"shutdown_success,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Home            string    `json:"home,omitempty"`
}

// Dependencies lists what a component needs.
type Dependencies struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// RegisterOption configures one registration.
type RegisterOption func(*entry)

// Requires declares required dependencies. A component is skipped when one
// of them fails.
func Requires(ids ...string) RegisterOption {
	return func(e *entry) {
		e.deps.Required = append(e.deps.Required, ids...)
	}
}

// Optional declares dependencies the component can use when available.
func Optional(ids ...string) RegisterOption {
	return func(e *entry) {
		e.deps.Optional = append(e.deps.Optional, ids...)
	}
}

// Home pins start and stop calls to an execution context. It overrides
// HomeContextProvider.
func Home(contextID string) RegisterOption {
	return func(e *entry) {
		e.meta.Home = contextID
	}
}

type entry struct {
	id    string
	comp  any
	deps  Dependencies
	state InitState
	meta  Metadata
}
