package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/circuit"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/resource"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/store"
)

// Built-in component ids.
const (
	ComponentState      = "state"
	ComponentEventQueue = "eventqueue"
	ComponentContextMgr = "contextmgr"
	ComponentCircuits   = "circuits"
	ComponentAdmission  = "admission"
	ComponentTasks      = "tasks"
)

// PrimaryContextID is the execution context that owns the state store.
const PrimaryContextID = "main"

// StateStore is the "state" component. Every store call goes through the
// component's circuit, so repeated store failures open it and cascade to
// the components that depend on state.
type StateStore struct {
	store   store.Store
	breaker *circuit.Breaker
	running atomic.Bool
}

// NewStateStore wraps s. The circuit probe reports the store's own health
// when it can.
func NewStateStore(s store.Store, settings circuit.Settings) *StateStore {
	st := &StateStore{store: s}
	if settings.Probe == nil {
		settings.Probe = func(ctx context.Context) error {
			if hc, ok := s.(resource.HealthReporting); ok && !hc.IsHealthy(ctx) {
				return errors.New("state store is unhealthy")
			}
			return nil
		}
	}
	st.breaker = circuit.NewBreaker(ComponentState, settings)
	return st
}

// Start opens the underlying store.
func (s *StateStore) Start(ctx context.Context) error {
	if st, ok := s.store.(resource.Startable); ok {
		if err := st.Start(ctx); err != nil {
			return err
		}
	}
	s.running.Store(true)
	return nil
}

// Stop closes the underlying store.
func (s *StateStore) Stop(ctx context.Context) error {
	s.running.Store(false)
	if st, ok := s.store.(resource.Stoppable); ok {
		return st.Stop(ctx)
	}
	return nil
}

// IsRunning implements resource.RunningReporter.
func (s *StateStore) IsRunning() bool { return s.running.Load() }

// Circuit implements resource.CircuitProvider.
func (s *StateStore) Circuit() circuit.Detector { return s.breaker }

// Breaker returns the guarding breaker.
func (s *StateStore) Breaker() *circuit.Breaker { return s.breaker }

// guard runs fn through the breaker. Missing keys are an answer, not a
// failure of the store.
func (s *StateStore) guard(fn func() error) error {
	var miss error
	err := s.breaker.Execute(func() error {
		err := fn()
		if store.IsNotFound(err) {
			miss = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return miss
}

// Get implements store.Store.
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.guard(func() error {
		var err error
		out, err = s.store.Get(ctx, key)
		return err
	})
	return out, err
}

// Set implements store.Store.
func (s *StateStore) Set(ctx context.Context, key string, value []byte) error {
	return s.guard(func() error { return s.store.Set(ctx, key, value) })
}

// Delete implements store.Store.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	return s.guard(func() error { return s.store.Delete(ctx, key) })
}

// Keys implements store.Store.
func (s *StateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.guard(func() error {
		var err error
		out, err = s.store.Keys(ctx, prefix)
		return err
	})
	return out, err
}

// EventQueue is the "eventqueue" component. While running it logs every
// priority event. Stopping it closes the bus.
type EventQueue struct {
	bus     *events.EventBus
	logger  *slog.Logger
	running atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// NewEventQueue wraps bus. A nil logger discards priority events.
func NewEventQueue(bus *events.EventBus, logger *slog.Logger) *EventQueue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventQueue{bus: bus, logger: logger}
}

// Start fails once the bus has been closed.
func (q *EventQueue) Start(context.Context) error {
	if q.bus.IsClosed() {
		return core.ErrState(core.CodeInvalidState, "event bus is closed")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done == nil {
		q.done = make(chan struct{})
		go q.logPriority(q.bus.SubscribePriority(), q.done)
	}
	q.running.Store(true)
	return nil
}

// logPriority drains ch until the bus closes it.
func (q *EventQueue) logPriority(ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		args := []any{"type", ev.EventType(), "source", ev.Source()}
		if pe, ok := ev.(events.PayloadEvent); ok {
			args = append(args, "payload", pe.Payload)
		}
		q.logger.Warn("priority event", args...)
	}
}

// Stop closes the bus and waits for the priority logger to drain.
func (q *EventQueue) Stop(ctx context.Context) error {
	q.running.Store(false)
	q.bus.Close()

	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// IsRunning implements resource.RunningReporter.
func (q *EventQueue) IsRunning() bool { return q.running.Load() }

// Bus returns the wrapped bus.
func (q *EventQueue) Bus() *events.EventBus { return q.bus }

// TaskRunner is the "tasks" component. While running it prunes finished
// operations older than the retention window. Stopping it closes the task
// coordinator.
type TaskRunner struct {
	tasks     *parallel.Coordinator
	breaker   *circuit.Breaker
	retainFor time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start launches the pruner.
func (t *TaskRunner) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	if t.retainFor <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.prune(ctx, t.done)
	return nil
}

func (t *TaskRunner) prune(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := t.retainFor / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tasks.Prune(ctx, t.retainFor)
		}
	}
}

// Stop halts the pruner and closes the coordinator.
func (t *TaskRunner) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.running = false
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return t.tasks.Close(ctx)
}

// IsRunning implements resource.RunningReporter.
func (t *TaskRunner) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Circuit implements resource.CircuitProvider.
func (t *TaskRunner) Circuit() circuit.Detector { return t.breaker }

// Breaker returns the breaker guarding task execution.
func (t *TaskRunner) Breaker() *circuit.Breaker { return t.breaker }

// Compile-time checks.
var (
	_ store.Store              = (*StateStore)(nil)
	_ resource.CircuitProvider = (*StateStore)(nil)
	_ resource.RunningReporter = (*EventQueue)(nil)
	_ resource.CircuitProvider = (*TaskRunner)(nil)
)
