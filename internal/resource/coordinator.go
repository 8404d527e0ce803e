package resource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/circuit"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/metrics"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/router"
)

// CoordinatorID is the resource id used in the coordinator's own events.
const CoordinatorID = "resource_coordinator"

// Defaults.
const (
	DefaultGraceDelay        = 100 * time.Millisecond
	DefaultStopTimeout       = 10 * time.Second
	DefaultRoutedStopTimeout = 12 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// Critical components halt bulk initialization when they fail.
	Critical []string
	// GraceDelay precedes the deferred initialization of late registrations.
	GraceDelay time.Duration
	// StopTimeout bounds each Stop call.
	StopTimeout time.Duration
	// RoutedStopTimeout bounds a Stop call routed to a home context.
	RoutedStopTimeout time.Duration
	// HomeContext is where deferred initializations run. Empty runs them on
	// a plain goroutine.
	HomeContext string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.events = e
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRouter routes start and stop calls of components with a home context.
func WithRouter(r *router.Router) Option {
	return func(c *Coordinator) {
		c.router = r
	}
}

// WithCircuits registers component circuits with reg.
func WithCircuits(reg *circuit.Registry) Option {
	return func(c *Coordinator) {
		c.circuits = reg
	}
}

// Coordinator owns the registry of managed components.
type Coordinator struct {
	cfg      Config
	critical map[string]bool

	mu           sync.Mutex
	entries      map[string]*entry
	registration []string
	initOrder    []string
	initialized  bool
	initializing bool
	shuttingDown bool
	deferred     sync.WaitGroup
	deferredStop chan struct{}

	router   *router.Router
	circuits *circuit.Registry
	logger   *slog.Logger
	events   events.Emitter
	metrics  metrics.Sink
}

// New creates an empty coordinator.
func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.RoutedStopTimeout <= 0 {
		cfg.RoutedStopTimeout = DefaultRoutedStopTimeout
	}
	c := &Coordinator{
		cfg:          cfg,
		critical:     make(map[string]bool, len(cfg.Critical)),
		entries:      make(map[string]*entry),
		deferredStop: make(chan struct{}),
		logger:       logging.Component(nil, "resources"),
		events:       events.Nop{},
		metrics:      metrics.Nop{},
	}
	for _, id := range cfg.Critical {
		c.critical[id] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "resources")
	return c
}

// Register adds a component. When bulk initialization already completed the
// component is initialized on its own after the grace delay.
func (c *Coordinator) Register(id string, comp any, opts ...RegisterOption) error {
	if id == "" {
		return core.ErrValidation(core.CodeEmptyID, "component id must not be empty")
	}
	if comp == nil {
		return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("component %s is nil", id))
	}

	e := &entry{
		id:    id,
		comp:  comp,
		state: StateNotStarted,
		meta: Metadata{
			Type:         fmt.Sprintf("%T", comp),
			RegisteredAt: time.Now(),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.deps.Required = dedupe(e.deps.Required)
	e.deps.Optional = dedupe(e.deps.Optional)
	if e.meta.Home == "" {
		if hp, ok := comp.(HomeContextProvider); ok {
			e.meta.Home = hp.HomeContext()
		}
	}

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return core.ErrState(core.CodeShutdownProgress, "coordinator is shutting down")
	}
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return core.ErrValidation(core.CodeDuplicateID, fmt.Sprintf("component %s already registered", id))
	}
	c.entries[id] = e
	c.registration = append(c.registration, id)
	late := c.initialized
	stop := c.deferredStop
	if late {
		c.deferred.Add(1)
	}
	c.mu.Unlock()

	if e.meta.Home != "" && c.router != nil {
		c.router.BindResource(id, e.meta.Home)
	}

	c.logger.Debug("registered component",
		"id", id, "requires", e.deps.Required, "optional", e.deps.Optional, "home", e.meta.Home)

	if late {
		go c.deferredInit(id, stop)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) deferredInit(id string, stop <-chan struct{}) {
	defer c.deferred.Done()

	timer := time.NewTimer(c.cfg.GraceDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
		return
	}

	run := func(ctx context.Context) error {
		c.initOne(ctx, id, false)
		return nil
	}
	ctx := context.Background()
	if c.router != nil && c.cfg.HomeContext != "" {
		if err := c.router.Do(ctx, c.cfg.HomeContext, 0, run); err != nil {
			c.logger.Error("deferred initialization could not be scheduled", "id", id, "error", err)
			c.setState(id, StateFailed, err)
		}
		return
	}
	_ = run(ctx)
}

// WaitDeferred blocks until scheduled deferred initializations finish or
// ctx ends.
func (c *Coordinator) WaitDeferred(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.deferred.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Order computes the start order over required dependencies. Unregistered
// dependencies are ignored for ordering. A cycle yields a
// CircularDependency error naming it.
func (c *Coordinator) Order() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderLocked()
}

func (c *Coordinator) orderLocked() ([]string, error) {
	g := graph.New()
	for _, id := range c.registration {
		if err := g.AddNode(id); err != nil {
			return nil, err
		}
	}
	for _, id := range c.registration {
		for _, dep := range c.entries[id].deps.Required {
			if !g.Has(dep) {
				continue
			}
			if err := g.AddDependency(id, dep); err != nil {
				return nil, err
			}
		}
	}
	return g.TopologicalSort()
}

// InitializeAll starts every registered component in dependency order and
// reports per-component success. Components whose required dependency
// failed are skipped. A failed critical component halts the walk. Only a
// dependency cycle is returned as an error.
func (c *Coordinator) InitializeAll(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	if c.initialized || c.initializing {
		results := c.resultsLocked()
		c.mu.Unlock()
		c.logger.Warn("components already initialized")
		return results, nil
	}
	order, err := c.orderLocked()
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("computing initialization order failed", "error", err)
		events.EmitImportant(c.events, events.TypeResourceErrorOccurred, map[string]any{
			"resource_id": CoordinatorID,
			"operation":   "calculate_initialization_order",
			"error":       err.Error(),
			"cycle":       core.CycleOf(err),
		})
		return nil, err
	}
	c.initOrder = order
	c.initializing = true
	c.mu.Unlock()

	start := time.Now()
	c.logger.Info("initializing components", "order", strings.Join(order, " -> "))
	c.events.Emit(events.TypeResourceStateChanged, map[string]any{
		"resource_id":          CoordinatorID,
		"state":                "initialization_started",
		"manager_count":        len(order),
		"initialization_order": order,
	})

	results := make(map[string]bool, len(order))
	halted := ""
	for _, id := range order {
		if halted != "" {
			// Only dependents of the failed chain are marked; the rest stay not_started.
			if dep, blocked := c.blockedBy(id); blocked {
				c.skip(id, dep)
				results[id] = false
			}
			continue
		}
		if ctx.Err() != nil {
			c.logger.Warn("initialization cancelled", "remaining_from", id, "error", ctx.Err())
			break
		}
		if dep, blocked := c.blockedBy(id); blocked {
			c.skip(id, dep)
			results[id] = false
			continue
		}

		ok := c.initOne(ctx, id, true)
		results[id] = ok
		if !ok && c.critical[id] {
			halted = id
			c.logger.Error("critical component failed, halting initialization", "id", id)
			events.EmitImportant(c.events, events.TypeResourceErrorOccurred, map[string]any{
				"resource_id": CoordinatorID,
				"operation":   "initialize_all",
				"error":       fmt.Sprintf("critical component %s failed to initialize", id),
				"severity":    "FATAL",
			})
		}
	}

	success := 0
	for _, ok := range results {
		if ok {
			success++
		}
	}
	total := len(results)
	rate := 0.0
	if total > 0 {
		rate = float64(success) / float64(total)
	}

	c.mu.Lock()
	c.initializing = false
	c.initialized = success > 0
	initialized := c.initialized
	c.mu.Unlock()

	state := "initialized"
	if !initialized {
		state = "initialization_failed"
	}
	c.events.Emit(events.TypeResourceStateChanged, map[string]any{
		"resource_id":   CoordinatorID,
		"state":         state,
		"success_count": success,
		"total_count":   total,
		"success_rate":  rate,
		"halted_by":     halted,
	})
	c.metrics.RecordMetric("resources.init.success_rate", rate, nil)
	c.metrics.RecordMetric("resources.init.duration_seconds", time.Since(start).Seconds(), nil)
	c.logger.Info("component initialization completed",
		"succeeded", success, "total", total, "duration", time.Since(start))
	return results, nil
}

func (c *Coordinator) resultsLocked() map[string]bool {
	results := make(map[string]bool, len(c.entries))
	for id, e := range c.entries {
		if e.state != StateNotStarted {
			results[id] = e.state == StateComplete
		}
	}
	return results
}

// blockedBy returns the first required dependency that failed or was skipped.
func (c *Coordinator) blockedBy(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dep := range c.entries[id].deps.Required {
		if d, ok := c.entries[dep]; ok && d.state.blocksDependents() {
			return dep, true
		}
	}
	return "", false
}

func (c *Coordinator) skip(id, dep string) {
	c.logger.Warn("skipping component, required dependency failed", "id", id, "dependency", dep)
	c.setState(id, StateSkippedDepFailure, core.ErrDependencyUnmet(id, dep))
}

func (c *Coordinator) setState(id string, s InitState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.state = s
	if err != nil {
		e.meta.LastError = err.Error()
	}
}

// initOne starts a single component. Bulk initialization suppresses the
// per-component success events in favor of the batched report.
func (c *Coordinator) initOne(ctx context.Context, id string, bulk bool) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	for _, dep := range e.deps.Required {
		d, registered := c.entries[dep]
		if !registered || d.state != StateComplete {
			e.state = StateFailed
			err := core.ErrDependencyUnmet(id, dep)
			e.meta.LastError = err.Error()
			e.meta.InitAt = time.Now()
			c.mu.Unlock()
			c.logger.Error("required dependency not available", "id", id, "dependency", dep)
			c.emitFailure(id, "initialize", err)
			return false
		}
	}
	e.state = StateInProgress
	comp, home := e.comp, e.meta.Home
	requires := append([]string(nil), e.deps.Required...)
	c.mu.Unlock()

	correlationID := fmt.Sprintf("init_%s_%s", id, uuid.NewString()[:8])
	log := c.logger.With("id", id, "correlation_id", correlationID)
	if !bulk {
		c.events.Emit(events.TypeResourceStateChanged, map[string]any{
			"resource_id": id,
			"state":       "initializing",
		})
	}

	err := c.onHome(ctx, id, home, 0, func(ctx context.Context) error {
		return startComponent(ctx, comp, log)
	})

	c.mu.Lock()
	e.meta.InitAt = time.Now()
	e.meta.CorrelationID = correlationID
	if err != nil {
		e.state = StateFailed
		e.meta.Initialized = false
		e.meta.LastError = err.Error()
	} else {
		e.state = StateComplete
		e.meta.Initialized = true
		e.meta.LastError = ""
	}
	c.mu.Unlock()

	if err != nil {
		wrapped := core.ErrComponentInitFailed(id, err)
		log.Error("component failed to initialize", "error", err)
		c.emitFailure(id, "initialize", wrapped)
		return false
	}

	if cp, ok := comp.(CircuitProvider); ok && c.circuits != nil {
		if d := cp.Circuit(); d != nil {
			parent := ""
			if len(requires) > 0 {
				parent = requires[0]
			}
			if err := c.circuits.Register(id, d, parent); err != nil {
				log.Error("registering component circuit failed", "error", err)
			}
		}
	}

	log.Debug("component initialized")
	if !bulk {
		c.events.Emit(events.TypeResourceStateChanged, map[string]any{
			"resource_id":    id,
			"state":          "initialized",
			"correlation_id": correlationID,
		})
	}
	return true
}

func (c *Coordinator) emitFailure(id, operation string, err error) {
	c.events.Emit(events.TypeResourceErrorOccurred, map[string]any{
		"resource_id": id,
		"operation":   operation,
		"error":       err.Error(),
	})
	c.events.Emit(events.TypeResourceStateChanged, map[string]any{
		"resource_id": id,
		"state":       operation + "_failed",
		"error":       err.Error(),
	})
}

// startComponent skips components that already report running, then uses
// Start or Initialize. Panics are converted to errors.
func startComponent(ctx context.Context, comp any, log *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during start: %v", rec)
		}
	}()

	if rr, ok := comp.(RunningReporter); ok && rr.IsRunning() {
		log.Debug("component already running, not starting")
		return nil
	}
	if hr, ok := comp.(HealthReporting); ok && hr.IsHealthy(ctx) {
		log.Debug("component already healthy, not starting")
		return nil
	}

	switch v := comp.(type) {
	case Startable:
		return v.Start(ctx)
	case Initializer:
		return v.Initialize(ctx)
	default:
		log.Debug("component has no start contract")
		return nil
	}
}

// onHome runs fn on the component's home context when one is declared and a
// router is configured, otherwise directly. timeout > 0 bounds the wait.
func (c *Coordinator) onHome(ctx context.Context, id, home string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if home == "" || c.router == nil {
		if timeout <= 0 {
			return fn(ctx)
		}
		return callWithTimeout(ctx, timeout, fn)
	}

	f := router.Route(ctx, c.router, home, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := f.Await(waitCtx)
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		return core.ErrTimeout(fmt.Sprintf("%s on %s did not finish within %s", id, home, timeout)).WithCause(err)
	}
	return err
}

// callWithTimeout gives fn a deadline and stops waiting when it passes, even
// if fn ignores its context.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.ErrTimeout(fmt.Sprintf("call did not finish within %s", timeout)).WithCause(callCtx.Err())
	}
}

// Lookup returns a registered component.
func (c *Coordinator) Lookup(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.comp, true
}

// State returns the lifecycle state of a component.
func (c *Coordinator) State(id string) (InitState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// IsInitialized reports whether bulk initialization completed with at least
// one success.
func (c *Coordinator) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}
