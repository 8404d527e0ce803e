// Package circuit provides failure detectors and the registry that links
// them into a parent/child tree for cascading trips.
package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// State is the externally visible state of a detector.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Value maps a state to a gauge value (0 closed, 1 half-open, 2 open).
func (s State) Value() float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// Listener observes state transitions.
type Listener func(name string, from, to State)

// Detector is a named failure detector the registry can manage.
type Detector interface {
	Name() string
	State() State
	// Trip forces the detector open. It reports false if it was already open.
	Trip(reason string) bool
	// Reset returns the detector to CLOSED.
	Reset()
	OnStateChange(l Listener)
}

// HealthChecker is implemented by detectors that can probe their dependency.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Settings configures a Breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before allowing a trial call.
	OpenTimeout time.Duration
	// HalfOpenMaxRequests bounds trial calls while half-open.
	HalfOpenMaxRequests uint32
	// Interval clears failure counts while closed. Zero never clears.
	Interval time.Duration
	// Probe, when set, backs IsHealthy.
	Probe func(ctx context.Context) error
}

// DefaultSettings returns the settings used for component circuits.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker is a gobreaker-backed detector that can additionally be forced
// open by a cascading trip. A forced breaker stays open until Reset.
type Breaker struct {
	name     string
	settings Settings

	mu     sync.RWMutex
	cb     *gobreaker.CircuitBreaker
	reason string
	gen    atomic.Uint64
	forced atomic.Bool

	listenersMu sync.Mutex
	listeners   []Listener
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, s Settings) *Breaker {
	d := DefaultSettings()
	if s.FailureThreshold == 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	if s.HalfOpenMaxRequests == 0 {
		s.HalfOpenMaxRequests = d.HalfOpenMaxRequests
	}
	b := &Breaker{name: name, settings: s}
	b.cb = b.newCircuit(b.gen.Load())
	return b
}

func (b *Breaker) newCircuit(gen uint64) *gobreaker.CircuitBreaker {
	threshold := b.settings.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: b.settings.HalfOpenMaxRequests,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			// Transitions of a replaced circuit, or while forced open, are not observable.
			if b.gen.Load() != gen || b.forced.Load() {
				return
			}
			b.notify(fromGobreaker(from), fromGobreaker(to))
		},
	})
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) circuit() *gobreaker.CircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// State returns the current state.
func (b *Breaker) State() State {
	if b.forced.Load() {
		return StateOpen
	}
	return fromGobreaker(b.circuit().State())
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() uint32 {
	return b.circuit().Counts().ConsecutiveFailures
}

// Reason returns why the breaker was forced open, if it was.
func (b *Breaker) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// Execute runs fn through the breaker. It returns ErrOpen without calling fn
// while the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if b.forced.Load() {
		return ErrOpen
	}
	_, err := b.circuit().Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// RecordFailure counts one failed call.
func (b *Breaker) RecordFailure(err error) {
	if err == nil {
		err = errors.New("failure")
	}
	_ = b.Execute(func() error { return err })
}

// RecordSuccess counts one successful call.
func (b *Breaker) RecordSuccess() {
	_ = b.Execute(func() error { return nil })
}

// Trip forces the breaker open.
func (b *Breaker) Trip(reason string) bool {
	prev := b.State()
	if prev == StateOpen {
		return false
	}
	if !b.forced.CompareAndSwap(false, true) {
		return false
	}
	b.mu.Lock()
	b.reason = reason
	b.mu.Unlock()

	b.notify(prev, StateOpen)
	return true
}

// Reset clears any forced trip and failure counts.
func (b *Breaker) Reset() {
	prev := b.State()

	b.mu.Lock()
	gen := b.gen.Add(1)
	b.cb = b.newCircuit(gen)
	b.reason = ""
	b.forced.Store(false)
	b.mu.Unlock()

	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
}

// IsHealthy runs the configured probe. Without a probe the breaker reports
// healthy.
func (b *Breaker) IsHealthy(ctx context.Context) bool {
	if b.settings.Probe == nil {
		return true
	}
	return b.settings.Probe(ctx) == nil
}

// OnStateChange subscribes l to transitions.
func (b *Breaker) OnStateChange(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	b.listenersMu.Lock()
	listeners := append([]Listener(nil), b.listeners...)
	b.listenersMu.Unlock()

	for _, l := range listeners {
		l(b.name, from, to)
	}
}

var (
	_ Detector      = (*Breaker)(nil)
	_ HealthChecker = (*Breaker)(nil)
)
