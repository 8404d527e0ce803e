// Package parallel runs batches of dependent tasks. A batch is partitioned
// into dependency layers; layers run strictly in order and the tasks of one
// layer run concurrently under a per-context limit.
//
// A failed task never aborts its operation. Tasks depending on it are
// finalized as cancelled with DEPENDENCY_UNMET and never reach the worker.
package parallel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/metrics"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/router"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/store"
)

// CoordinatorID is the resource id used in the coordinator's own events.
const CoordinatorID = "parallel_coordinator"

// OperationKeyPrefix prefixes persisted operation snapshots.
const OperationKeyPrefix = "operation:"

// Defaults.
const (
	DefaultMaxConcurrentTasks = 5
	DefaultPersistTimeout     = 5 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// MaxConcurrentTasks sizes the semaphore of each execution context.
	MaxConcurrentTasks int
	// Mode selects how layers are derived.
	Mode graph.LayerMode
	// PersistTimeout bounds each snapshot write.
	PersistTimeout time.Duration
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

// WithStore persists operation snapshots under OperationKeyPrefix.
func WithStore(s store.Store) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithCombiner replaces DefaultCombiner.
func WithCombiner(fn Combiner) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.combiner = fn
		}
	}
}

type operation struct {
	id       string
	parentID string
	groupID  string
	layers   [][]string
	order    []string
	specs    map[string]Task
	tasks    map[string]*TaskStatus
	config   map[string]any

	startedAt    time.Time
	endedAt      *time.Time
	state        OperationState
	cancelled    bool
	cancelReason string
	err          string

	done chan struct{}
}

// Coordinator runs task operations.
type Coordinator struct {
	cfg      Config
	worker   Worker
	combiner Combiner

	mu        sync.Mutex
	ops       map[string]*operation
	taskIndex map[string]string // task id -> latest operation id
	sems      map[string]*semaphore.Weighted
	closed    bool

	base    context.Context
	stopAll context.CancelFunc
	running conc.WaitGroup

	store   store.Store
	logger  *slog.Logger
	events  events.Emitter
	metrics metrics.Sink
}

// New creates a coordinator that hands tasks to worker.
func New(worker Worker, cfg Config, opts ...Option) (*Coordinator, error) {
	if worker == nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "worker is required")
	}
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.MaxConcurrentTasks < 1 {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "max concurrent tasks must be at least 1")
	}
	mode, err := graph.ParseLayerMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}

	base, stopAll := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		worker:    worker,
		combiner:  DefaultCombiner,
		ops:       make(map[string]*operation),
		taskIndex: make(map[string]string),
		sems:      make(map[string]*semaphore.Weighted),
		base:      base,
		stopAll:   stopAll,
		logger:    logging.Component(nil, "parallel"),
		events:    events.Nop{},
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "parallel")
	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Start validates the task graph, computes its layers and begins processing
// in the background. The returned plan is available before any task runs.
// A dependency cycle is reported synchronously as a CircularDependency error.
func (c *Coordinator) Start(ctx context.Context, req Request) (Plan, error) {
	if len(req.Tasks) == 0 {
		return Plan{}, core.ErrValidation(core.CodeEmptyID, "operation has no tasks")
	}
	mode := c.cfg.Mode
	if req.Mode != "" {
		m, err := graph.ParseLayerMode(req.Mode)
		if err != nil {
			return Plan{}, err
		}
		mode = m
	}

	dag, specs, ignored, err := buildGraph(req.Tasks)
	if err != nil {
		return Plan{}, err
	}
	for _, edge := range ignored {
		c.logger.Warn("ignoring dependency on unknown task", "edge", edge)
	}
	layers, err := dag.Layers(mode)
	if err != nil {
		events.EmitImportant(c.events, events.TypeResourceErrorOccurred, map[string]any{
			"resource_id": CoordinatorID,
			"operation":   "start",
			"error":       err.Error(),
			"cycle":       core.CycleOf(err),
		})
		return Plan{}, err
	}

	id := req.OperationID
	if id == "" {
		id = newOperationID()
	}
	now := time.Now()
	op := &operation{
		id:        id,
		parentID:  req.ParentID,
		groupID:   req.GroupID,
		layers:    layers,
		specs:     specs,
		tasks:     make(map[string]*TaskStatus, len(specs)),
		config:    copyConfig(req.Config),
		startedAt: now,
		state:     OperationStarted,
		done:      make(chan struct{}),
	}
	for i, layer := range layers {
		for _, taskID := range layer {
			op.order = append(op.order, taskID)
			deps := dag.Dependencies(taskID)
			op.tasks[taskID] = &TaskStatus{
				ID:              taskID,
				OperationID:     id,
				GroupID:         req.GroupID,
				State:           TaskPending,
				DependsOn:       deps,
				DependenciesMet: len(deps) == 0,
				Layer:           i,
				CreatedAt:       now,
			}
		}
	}

	contextID, ok := router.ContextIDFrom(ctx)
	if !ok {
		contextID = router.DefaultContextID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Plan{}, core.ErrState(core.CodeShutdownProgress, "task coordinator is closed")
	}
	if _, exists := c.ops[id]; exists {
		c.mu.Unlock()
		return Plan{}, core.ErrValidation(core.CodeDuplicateID, fmt.Sprintf("operation %s already exists", id))
	}
	c.ops[id] = op
	for _, taskID := range op.order {
		c.taskIndex[taskID] = id
	}
	sem := c.semaphoreLocked(contextID)
	snapshot := c.snapshotLocked(op)

	// Processing outlives the caller's request but keeps its values. The
	// goroutine is added under c.mu so Close never waits concurrently with
	// the Add; it holds until the started event is out.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.base, cancel)
	ready := make(chan struct{})
	c.running.Go(func() {
		defer cancel()
		defer stop()
		<-ready
		c.process(runCtx, op, sem)
	})
	c.mu.Unlock()

	c.persist(snapshot)
	c.metrics.RecordMetric("parallel.operation.started", 1, map[string]string{"group": req.GroupID})
	c.events.Emit(events.TypeCoordination, map[string]any{
		"event_type":   "parallel_operation_started",
		"resource_id":  CoordinatorID,
		"operation_id": id,
		"group_id":     req.GroupID,
		"task_count":   len(op.order),
		"layers":       layers,
	})
	c.logger.Info("operation started",
		"operation_id", id, "tasks", len(op.order), "layers", len(layers), "context", contextID)
	close(ready)

	return Plan{
		OperationID:         id,
		ParentID:            req.ParentID,
		GroupID:             req.GroupID,
		State:               OperationStarted,
		TaskCount:           len(op.order),
		Layers:              layers,
		IgnoredDependencies: ignored,
	}, nil
}

func buildGraph(tasks []Task) (*graph.DAG, map[string]Task, []string, error) {
	dag := graph.New()
	specs := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if err := dag.AddNode(t.ID); err != nil {
			return nil, nil, nil, err
		}
		specs[t.ID] = t
	}

	var ignored []string
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !dag.Has(dep) {
				ignored = append(ignored, t.ID+" -> "+dep)
				continue
			}
			if err := dag.AddDependency(t.ID, dep); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	return dag, specs, ignored, nil
}

func newOperationID() string {
	return fmt.Sprintf("parallel_op_%s_%d", uuid.NewString()[:8], time.Now().Unix())
}

func copyConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg)+3)
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func (c *Coordinator) semaphoreLocked(contextID string) *semaphore.Weighted {
	sem, ok := c.sems[contextID]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.cfg.MaxConcurrentTasks))
		c.sems[contextID] = sem
	}
	return sem
}

// Wait blocks until the operation has finished processing.
func (c *Coordinator) Wait(ctx context.Context, operationID string) error {
	c.mu.Lock()
	op, ok := c.ops[operationID]
	c.mu.Unlock()
	if !ok {
		if _, err := c.loadStatus(ctx, operationID); err != nil {
			return err
		}
		return nil
	}
	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops launching tasks, signals running workers through their
// context and waits for processing to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stopAll()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return core.ErrTimeout("waiting for running operations").WithCause(ctx.Err())
	}
}
