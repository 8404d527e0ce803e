// Package orchestrator assembles the coordination core: it builds the
// router, circuit registry, resource coordinator, admission controller and
// task coordinator from one configuration and registers the built-in
// components with the resource coordinator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/admission"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/circuit"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/metrics"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/resource"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/router"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/store"
)

// DefaultEventBuffer sizes subscriber channels of the runtime bus.
const DefaultEventBuffer = 100

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger *logging.Logger
	worker parallel.Worker
	store  store.Store
}

// WithLogger sets the root logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWorker sets the worker that runs tasks. Defaults to
// parallel.NopWorker, which runs no commands.
func WithWorker(w parallel.Worker) Option {
	return func(o *options) { o.worker = w }
}

// WithStore replaces the store opened from the configuration.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// Runtime owns every coordinator of one process.
type Runtime struct {
	Config *config.Config
	Logger *logging.Logger

	Bus        *events.EventBus
	Metrics    metrics.Sink
	Prometheus *metrics.PrometheusSink
	Recorder   *metrics.Recorder

	Router    *router.Router
	Circuits  *circuit.Registry
	Resources *resource.Coordinator
	Admission *admission.Controller
	Tasks     *parallel.Coordinator
	State     *StateStore
	Runner    *TaskRunner
}

// New builds a runtime and registers the built-in components. Nothing is
// started until Start.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "config is required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.worker == nil {
		o.worker = parallel.NopWorker
	}
	if o.store == nil {
		s, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		o.store = s
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   o.logger,
		Bus:      events.New(DefaultEventBuffer),
		Recorder: metrics.NewRecorder(0),
	}
	log := o.logger.Logger
	rt.Prometheus = metrics.NewPrometheusSink(metrics.PrometheusConfig{Logger: log})
	rt.Metrics = metrics.Fanout(rt.Prometheus, rt.Recorder)

	rt.Router = router.New(
		router.WithLogger(log),
		router.WithEmitter(rt.Bus),
		router.WithMetrics(rt.Metrics),
		router.WithQueueSize(cfg.Router.QueueSize),
		router.WithSubmitTimeout(config.Duration(cfg.Router.SubmitTimeout, router.DefaultSubmitTimeout)),
	)

	rt.Circuits = circuit.NewRegistry(
		circuit.WithRegistryLogger(log),
		circuit.WithRegistryEmitter(rt.Bus),
		circuit.WithRegistryMetrics(rt.Metrics),
		circuit.WithHistorySize(cfg.Circuits.HistorySize),
		circuit.WithMonitorInterval(config.Duration(cfg.Circuits.MonitorInterval, circuit.DefaultMonitorInterval)),
	)

	rt.Resources = resource.New(resource.Config{
		Critical:          cfg.Resources.Critical,
		GraceDelay:        config.Duration(cfg.Resources.GraceDelay, resource.DefaultGraceDelay),
		StopTimeout:       config.Duration(cfg.Resources.StopTimeout, resource.DefaultStopTimeout),
		RoutedStopTimeout: config.Duration(cfg.Resources.RoutedStopTimeout, resource.DefaultRoutedStopTimeout),
		HomeContext:       PrimaryContextID,
	},
		resource.WithLogger(log),
		resource.WithEmitter(rt.Bus),
		resource.WithMetrics(rt.Metrics),
		resource.WithRouter(rt.Router),
		resource.WithCircuits(rt.Circuits),
	)

	var err error
	rt.Admission, err = admission.New(admission.Config{
		MaxConcurrent:   cfg.Admission.MaxConcurrentUpdates,
		MaxHighPriority: cfg.Admission.MaxHighPriorityUpdates,
		StaleAfter:      cfg.Admission.UpdateTimeout(),
		AcquireTimeout:  config.Duration(cfg.Admission.AcquireTimeout, 0),
		RecheckInterval: config.Duration(cfg.Admission.RecheckInterval, admission.DefaultRecheckInterval),
	},
		admission.WithLogger(log),
		admission.WithEmitter(rt.Bus),
		admission.WithMetrics(rt.Metrics),
	)
	if err != nil {
		return nil, err
	}

	breakerSettings := circuit.Settings{
		FailureThreshold:    cfg.Circuits.FailureThreshold,
		OpenTimeout:         config.Duration(cfg.Circuits.OpenTimeout, 0),
		HalfOpenMaxRequests: cfg.Circuits.HalfOpenMaxRequests,
	}
	rt.State = NewStateStore(o.store, breakerSettings)

	// The runner's breaker is created before the coordinator so the worker
	// can be wrapped; the coordinator is attached right after.
	runner := &TaskRunner{
		breaker:   circuit.NewBreaker(ComponentTasks, breakerSettings),
		retainFor: config.Duration(cfg.Tasks.RetainFor, 0),
	}
	worker := &admittedWorker{next: o.worker, admission: rt.Admission, breaker: runner.breaker}
	rt.Tasks, err = parallel.New(worker, parallel.Config{
		MaxConcurrentTasks: cfg.Tasks.MaxConcurrentTasks,
		Mode:               graph.LayerMode(cfg.Tasks.DependencyResolutionMode),
	},
		parallel.WithLogger(log),
		parallel.WithEmitter(rt.Bus),
		parallel.WithMetrics(rt.Metrics),
		parallel.WithStore(rt.State),
	)
	if err != nil {
		return nil, err
	}
	runner.tasks = rt.Tasks
	rt.Runner = runner

	if err := rt.registerBuiltins(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) registerBuiltins() error {
	cfg := rt.Config
	builtins := []struct {
		id   string
		comp any
		opts []resource.RegisterOption
	}{
		{ComponentState, rt.State, []resource.RegisterOption{resource.Home(PrimaryContextID)}},
		{ComponentEventQueue, NewEventQueue(rt.Bus, logging.Component(rt.Logger.Logger, ComponentEventQueue)), nil},
		{ComponentContextMgr, router.NewJanitor(rt.Router,
			config.Duration(cfg.Router.JanitorInterval, 0),
			config.Duration(cfg.Router.StaleAfter, 0)),
			[]resource.RegisterOption{resource.Requires(ComponentEventQueue)}},
		{ComponentCircuits, rt.Circuits, []resource.RegisterOption{resource.Optional(ComponentEventQueue)}},
		{ComponentAdmission, admission.NewJanitor(rt.Admission, config.Duration(cfg.Admission.CleanupInterval, 0)),
			[]resource.RegisterOption{resource.Requires(ComponentEventQueue)}},
		{ComponentTasks, rt.Runner, []resource.RegisterOption{
			resource.Requires(ComponentState, ComponentAdmission),
			resource.Optional(ComponentCircuits),
		}},
	}
	for _, b := range builtins {
		if err := rt.Resources.Register(b.id, b.comp, b.opts...); err != nil {
			return fmt.Errorf("registering %s: %w", b.id, err)
		}
	}
	return nil
}

// Start claims the primary execution context and initializes every
// registered component. It fails when a critical component fails.
func (rt *Runtime) Start(ctx context.Context) (map[string]bool, error) {
	if _, err := rt.Router.EnsurePrimary(PrimaryContextID); err != nil {
		return nil, err
	}
	results, err := rt.Resources.InitializeAll(ctx)
	if err != nil {
		return results, err
	}

	var failed []string
	for id, ok := range results {
		if !ok {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	for _, id := range failed {
		if slices.Contains(rt.Config.Resources.Critical, id) {
			return results, core.ErrComponentInitFailed(id, errors.New("critical component did not start"))
		}
	}
	if len(failed) > 0 {
		rt.Logger.Warn("some components failed to initialize", "failed", failed)
	}
	return results, nil
}

// Shutdown stops components in reverse initialization order, then closes
// the router and the bus.
func (rt *Runtime) Shutdown(ctx context.Context) (resource.ShutdownReport, error) {
	report := rt.Resources.Shutdown(ctx)

	var errs []error
	if err := rt.Router.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	// Components never started still hold resources.
	if err := rt.Tasks.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c, ok := rt.State.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.Bus.Close()
	return report, errors.Join(errs...)
}

// Healthy reports whether every component initialized and no circuit is
// open.
func (rt *Runtime) Healthy() bool {
	st := rt.Resources.Status()
	if !st.Initialized {
		return false
	}
	for _, cs := range st.States {
		if cs.State != resource.StateComplete {
			return false
		}
	}
	return len(rt.Circuits.OpenCircuits()) == 0
}
