package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an execution context.
type Kind string

const (
	KindPrimary    Kind = "primary"
	KindBackground Kind = "background"
	KindAdHoc      Kind = "ad-hoc"
)

// errLoopClosed is returned by submit once a loop stops accepting work.
var errLoopClosed = errors.New("loop closed")

type task struct {
	run  func(ctx context.Context)
	fail func(err error)
}

// Loop is the single-consumer work queue owned by one execution context.
// Work submitted to a loop runs sequentially on the loop's goroutine.
type Loop struct {
	id        string
	kind      Kind
	createdAt time.Time

	tasks    chan task
	stopping chan struct{}
	sealed   chan struct{}
	finished chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

// NewLoop creates and starts a loop for the given context id.
func NewLoop(id string, kind Kind, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	l := &Loop{
		id:        id,
		kind:      kind,
		createdAt: time.Now(),
		tasks:     make(chan task, queueSize),
		stopping:  make(chan struct{}),
		sealed:    make(chan struct{}),
		finished:  make(chan struct{}),
	}
	go l.run()
	return l
}

// ID returns the execution context id the loop belongs to.
func (l *Loop) ID() string { return l.id }

// Kind returns the context kind.
func (l *Loop) Kind() Kind { return l.kind }

// CreatedAt returns when the loop was started.
func (l *Loop) CreatedAt() time.Time { return l.createdAt }

// Processed returns the number of work items executed.
func (l *Loop) Processed() int64 { return l.processed.Load() }

// IsClosed reports whether the loop stopped accepting work.
func (l *Loop) IsClosed() bool {
	select {
	case <-l.stopping:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued work items.
func (l *Loop) Pending() int { return len(l.tasks) }

// Finished is closed when the loop goroutine has exited.
func (l *Loop) Finished() <-chan struct{} { return l.finished }

// Close stops the loop. The item currently executing runs to completion;
// queued items fail with a context-unavailable error. Close does not wait for
// the goroutine to exit.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.stopping)
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.sealed)
	})
}

func (l *Loop) submit(ctx context.Context, t task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed || l.IsClosed() {
		return errLoopClosed
	}
	select {
	case l.tasks <- t:
		return nil
	case <-l.stopping:
		return errLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.finished)
	ctx := WithContextID(context.Background(), l.id)

	for {
		// Stop before taking more work once Close was called.
		select {
		case <-l.stopping:
			<-l.sealed
			l.drain()
			return
		default:
		}

		select {
		case t := <-l.tasks:
			l.exec(ctx, t)
		case <-l.stopping:
			<-l.sealed
			l.drain()
			return
		}
	}
}

func (l *Loop) exec(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			l.failed.Add(1)
			t.fail(fmt.Errorf("panic in execution context %s: %v\n%s", l.id, r, debug.Stack()))
		}
	}()
	t.run(ctx)
	l.processed.Add(1)
}

// drain fails whatever is still queued. It runs after sealed is closed, so
// no further submission can enqueue.
func (l *Loop) drain() {
	for {
		select {
		case t := <-l.tasks:
			t.fail(errLoopClosed)
		default:
			return
		}
	}
}
