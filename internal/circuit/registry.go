package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/metrics"
)

const (
	// DefaultHistorySize bounds the transitions kept per circuit.
	DefaultHistorySize = 100
	// DefaultMonitorInterval is the health monitor period.
	DefaultMonitorInterval = 5 * time.Second
	// stopWait bounds how long Stop waits for in-flight cascade trips.
	stopWait = 2 * time.Second
)

// Transition is one recorded state change.
type Transition struct {
	At   time.Time `json:"at"`
	From State     `json:"from"`
	To   State     `json:"to"`
}

// Metadata tracks the lifetime of a registered circuit.
type Metadata struct {
	RegisteredAt time.Time `json:"registered_at"`
	TripCount    int       `json:"trip_count"`
	LastTripAt   time.Time `json:"last_trip_at,omitempty"`
	LastResetAt  time.Time `json:"last_reset_at,omitempty"`
	DetectorType string    `json:"detector_type"`
}

// Status is a point-in-time view of one circuit.
type Status struct {
	Name     string   `json:"name"`
	State    State    `json:"state"`
	Failures uint32   `json:"failures"`
	Metadata Metadata `json:"metadata"`
	Parents  []string `json:"parents"`
	Children []string `json:"children"`
}

// ResetSummary reports the outcome of ResetAll.
type ResetSummary struct {
	ResetCount    int `json:"reset_count"`
	TotalCircuits int `json:"total_circuits"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryEmitter sets the event sink.
func WithRegistryEmitter(e events.Emitter) RegistryOption {
	return func(r *Registry) {
		if e != nil {
			r.events = e
		}
	}
}

// WithRegistryMetrics sets the metrics sink.
func WithRegistryMetrics(m metrics.Sink) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithHistorySize bounds the per-circuit transition history.
func WithHistorySize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.historySize = n
		}
	}
}

// WithMonitorInterval sets the health monitor period.
func WithMonitorInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.monitorInterval = d
		}
	}
}

// Registry links detectors into a parent/child tree. A transition into OPEN
// trips every child asynchronously; recovery is never propagated.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	meta      map[string]*Metadata
	children  map[string][]string
	parents   map[string][]string
	history   map[string][]Transition
	stopped   bool

	historySize     int
	monitorInterval time.Duration

	trips conc.WaitGroup

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	logger  *slog.Logger
	events  events.Emitter
	metrics metrics.Sink
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		detectors:       make(map[string]Detector),
		meta:            make(map[string]*Metadata),
		children:        make(map[string][]string),
		parents:         make(map[string][]string),
		history:         make(map[string][]Transition),
		historySize:     DefaultHistorySize,
		monitorInterval: DefaultMonitorInterval,
		logger:          logging.Component(nil, "circuits"),
		events:          events.Nop{},
		metrics:         metrics.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "circuits")
	return r
}

// Register adds a detector, links it below parent (may be empty, and need
// not be registered yet) and subscribes to its transitions.
func (r *Registry) Register(name string, d Detector, parent string) error {
	if name == "" {
		return core.ErrValidation(core.CodeEmptyID, "circuit name must not be empty")
	}
	if d == nil {
		return core.ErrValidation(core.CodeInvalidConfig, "circuit detector must not be nil")
	}

	r.mu.Lock()
	if _, exists := r.detectors[name]; exists {
		r.mu.Unlock()
		return core.ErrValidation(core.CodeDuplicateID, fmt.Sprintf("circuit %s already registered", name))
	}
	r.detectors[name] = d
	r.meta[name] = &Metadata{
		RegisteredAt: time.Now(),
		DetectorType: fmt.Sprintf("%T", d),
	}
	if parent != "" && parent != name {
		r.children[parent] = appendUnique(r.children[parent], name)
		r.parents[name] = appendUnique(r.parents[name], parent)
	}
	r.mu.Unlock()

	d.OnStateChange(r.onStateChange)

	r.logger.Info("registered circuit", "circuit", name, "parent", parent)
	r.events.Emit(events.TypeSystemHealthChanged, map[string]any{
		"component": "circuit_registry",
		"status":    "circuit_registered",
		"circuit":   name,
		"parent":    parent,
	})
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// onStateChange must not call back into the detector that fired it.
func (r *Registry) onStateChange(name string, from, to State) {
	now := time.Now()

	r.mu.Lock()
	h := append(r.history[name], Transition{At: now, From: from, To: to})
	if len(h) > r.historySize {
		h = append([]Transition(nil), h[len(h)-r.historySize:]...)
	}
	r.history[name] = h

	if m, ok := r.meta[name]; ok {
		if to == StateOpen {
			m.TripCount++
			m.LastTripAt = now
		}
		if to == StateClosed && from != StateClosed {
			m.LastResetAt = now
		}
	}

	// Trips are added to the wait group under r.mu, so once Stop has set
	// stopped no new top-level trip can race its wait.
	var targets int
	if to == StateOpen && !r.stopped {
		reason := "cascading trip from parent " + name
		for _, child := range r.children[name] {
			if d, ok := r.detectors[child]; ok {
				targets++
				r.trips.Go(func() {
					d.Trip(reason)
				})
			}
		}
	}
	r.mu.Unlock()

	r.metrics.RecordMetric("circuit.state", to.Value(), map[string]string{"circuit": name})
	r.events.Emit(events.TypeSystemHealthChanged, map[string]any{
		"component": "circuit_breaker",
		"circuit":   name,
		"old_state": string(from),
		"new_state": string(to),
	})

	if targets == 0 {
		if to == StateOpen {
			r.logger.Warn("circuit opened", "circuit", name, "from", from)
		} else {
			r.logger.Info("circuit state changed", "circuit", name, "from", from, "to", to)
		}
		return
	}

	r.logger.Warn("circuit opened, cascading to children", "circuit", name, "children", targets)
}

// Lookup returns the detector registered under name.
func (r *Registry) Lookup(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Status returns the status of one circuit.
func (r *Registry) Status(name string) (Status, error) {
	r.mu.RLock()
	d, ok := r.detectors[name]
	if !ok {
		r.mu.RUnlock()
		return Status{}, core.ErrNotFound("circuit", name)
	}
	s := r.statusLocked(name)
	r.mu.RUnlock()

	// Detector calls happen outside the registry lock: a state read may
	// fire a transition that re-enters onStateChange.
	s.State = d.State()
	if fc, ok := d.(interface{ Failures() uint32 }); ok {
		s.Failures = fc.Failures()
	}
	return s, nil
}

// Statuses returns the status of every circuit keyed by name.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]Status, len(names))
	for _, name := range names {
		if s, err := r.Status(name); err == nil {
			out[name] = s
		}
	}
	return out
}

func (r *Registry) statusLocked(name string) Status {
	s := Status{
		Name:     name,
		Parents:  append([]string{}, r.parents[name]...),
		Children: append([]string{}, r.children[name]...),
	}
	if m, ok := r.meta[name]; ok {
		s.Metadata = *m
	}
	return s
}

// History returns the recorded transitions of a circuit, oldest first.
func (r *Registry) History(name string) []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Transition(nil), r.history[name]...)
}

// ResetAll resets every detector. Failures are logged and skipped.
func (r *Registry) ResetAll() ResetSummary {
	r.mu.RLock()
	targets := make(map[string]Detector, len(r.detectors))
	for name, d := range r.detectors {
		targets[name] = d
	}
	r.mu.RUnlock()

	summary := ResetSummary{TotalCircuits: len(targets)}
	for name, d := range targets {
		if err := safeReset(d); err != nil {
			r.logger.Error("resetting circuit failed", "circuit", name, "error", err)
			continue
		}
		summary.ResetCount++

		r.mu.Lock()
		if m, ok := r.meta[name]; ok {
			m.LastResetAt = time.Now()
		}
		r.mu.Unlock()
	}

	r.events.Emit(events.TypeSystemHealthChanged, map[string]any{
		"component":      "circuit_registry",
		"operation":      "reset_all",
		"reset_count":    summary.ResetCount,
		"total_circuits": summary.TotalCircuits,
	})
	return summary
}

func safeReset(d Detector) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during reset: %v", rec)
		}
	}()
	d.Reset()
	return nil
}

// OpenCircuits returns the names of circuits currently OPEN, sorted.
func (r *Registry) OpenCircuits() []string {
	r.mu.RLock()
	targets := make(map[string]Detector, len(r.detectors))
	for name, d := range r.detectors {
		targets[name] = d
	}
	r.mu.RUnlock()

	open := make([]string, 0)
	for name, d := range targets {
		if d.State() == StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// WaitForTrips blocks until in-flight cascade trips finish or ctx ends.
// It must not overlap a trip started from outside a cascade: Stop calls it
// only after disabling cascades, and callers outside Stop must trip
// synchronously before waiting. Trips started by running cascades are safe.
// When ctx ends first, the waiting goroutine exits once the trips finish.
func (r *Registry) WaitForTrips(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if rec := r.trips.WaitAndRecover(); rec != nil {
			r.logger.Error("cascade trip panicked", "error", rec.AsError())
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins health monitoring. It satisfies the managed component contract.
func (r *Registry) Start(context.Context) error {
	r.StartMonitoring()
	return nil
}

// Stop halts monitoring, stops cascading and waits up to two seconds for
// in-flight trips.
func (r *Registry) Stop(ctx context.Context) error {
	r.StopMonitoring()

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, stopWait)
	defer cancel()
	if err := r.WaitForTrips(waitCtx); err != nil {
		r.logger.Warn("timed out waiting for cascade trips", "error", err)
	}
	return nil
}
