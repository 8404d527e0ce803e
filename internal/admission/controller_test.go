package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
)

func newController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.RecheckInterval == 0 {
		cfg.RecheckInterval = 20 * time.Millisecond
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func req(id string, p core.Priority) Request {
	return Request{RequesterID: id, Priority: p}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero max", Config{MaxConcurrent: 0, MaxHighPriority: 1}, true},
		{"high above max", Config{MaxConcurrent: 2, MaxHighPriority: 3}, true},
		{"negative timeout", Config{MaxConcurrent: 2, MaxHighPriority: 1, AcquireTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrent, c.Config().MaxConcurrent)
	assert.Equal(t, DefaultMaxHighPriority, c.Config().MaxHighPriority)
	assert.Equal(t, DefaultStaleAfter, c.Config().StaleAfter)

	c, err = New(Config{MaxConcurrent: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Config().MaxHighPriority)
}

func TestController_PriorityRules(t *testing.T) {
	c := newController(t, Config{MaxConcurrent: 3, MaxHighPriority: 1})

	high, ok := c.TryAcquire(req("h1", core.PriorityHigh))
	require.True(t, ok)

	_, ok = c.TryAcquire(req("n1", core.PriorityNormal))
	assert.False(t, ok, "normal must wait while elevated slots are held")
	_, ok = c.TryAcquire(req("l1", core.PriorityLow))
	assert.False(t, ok)
	_, ok = c.TryAcquire(req("h2", core.PriorityHigh))
	assert.False(t, ok, "high is capped by the high-priority sub-limit")

	crit, ok := c.TryAcquire(req("c1", core.PriorityCritical))
	require.True(t, ok, "critical bypasses the elevated exclusion")
	_, ok = c.TryAcquire(req("c2", core.PriorityCritical))
	require.True(t, ok)

	_, ok = c.TryAcquire(req("c3", core.PriorityCritical))
	assert.False(t, ok, "critical still respects the absolute maximum")

	high.Release()
	crit.Release()
	_, ok = c.TryAcquire(req("n2", core.PriorityNormal))
	assert.False(t, ok, "one critical slot is still held")
}

func TestController_NormalAdmittedWhenNoElevated(t *testing.T) {
	c := newController(t, Config{MaxConcurrent: 2, MaxHighPriority: 1})

	a, ok := c.TryAcquire(req("a", core.PriorityNormal))
	require.True(t, ok)
	b, ok := c.TryAcquire(req("b", core.PriorityLow))
	require.True(t, ok)
	_, ok = c.TryAcquire(req("c", core.PriorityNormal))
	assert.False(t, ok)

	assert.True(t, a.Release())
	assert.False(t, a.Release(), "second release is a no-op")
	_, ok = c.TryAcquire(req("c", core.PriorityNormal))
	assert.True(t, ok)
	b.Release()
}

func TestController_ReleaseWakesWaiters(t *testing.T) {
	// A long recheck interval proves the waiter is woken by the release.
	c := newController(t, Config{MaxConcurrent: 1, MaxHighPriority: 1, RecheckInterval: time.Minute})

	held, err := c.Acquire(context.Background(), req("holder", core.PriorityHigh))
	require.NoError(t, err)

	acquired := make(chan *Slot, 1)
	go func() {
		s, err := c.Acquire(context.Background(), req("waiter", core.PriorityLow))
		if err == nil {
			acquired <- s
		}
	}()

	require.Eventually(t, func() bool { return c.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	held.Release()

	select {
	case s := <-acquired:
		assert.Equal(t, "waiter", s.RequesterID)
		assert.Positive(t, s.Waited)
		s.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
	assert.Equal(t, 0, c.Stats().Waiting)
}

func TestController_AcquireTimeout(t *testing.T) {
	c := newController(t, Config{MaxConcurrent: 1, MaxHighPriority: 1, AcquireTimeout: 30 * time.Millisecond})
	s, ok := c.TryAcquire(req("holder", core.PriorityNormal))
	require.True(t, ok)
	defer s.Release()

	_, err := c.Acquire(context.Background(), req("late", core.PriorityNormal))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAdmissionTimedOut)
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, int64(1), c.Stats().Timeouts)
}

func TestController_AcquireHonorsContext(t *testing.T) {
	c := newController(t, Config{MaxConcurrent: 1, MaxHighPriority: 1})
	s, ok := c.TryAcquire(req("holder", core.PriorityNormal))
	require.True(t, ok)
	defer s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx, req("late", core.PriorityNormal))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestController_RejectsEmptyRequester(t *testing.T) {
	c := newController(t, Config{})
	_, err := c.Acquire(context.Background(), Request{})
	assert.Error(t, err)
	_, ok := c.TryAcquire(Request{})
	assert.False(t, ok)
}

func TestController_BoundsUnderLoad(t *testing.T) {
	const (
		maxConcurrent = 3
		maxHigh       = 2
	)
	c := newController(t, Config{MaxConcurrent: maxConcurrent, MaxHighPriority: maxHigh, RecheckInterval: 5 * time.Millisecond})

	var (
		active, elevated     atomic.Int32
		peakActive, peakHigh atomic.Int32
		wg                   sync.WaitGroup
	)
	observe := func(v int32, peak *atomic.Int32) {
		for {
			cur := peak.Load()
			if v <= cur || peak.CompareAndSwap(cur, v) {
				return
			}
		}
	}

	priorities := []core.Priority{core.PriorityLow, core.PriorityNormal, core.PriorityHigh, core.PriorityCritical}
	for i := 0; i < 40; i++ {
		p := priorities[i%len(priorities)]
		wg.Add(1)
		go func(id string, p core.Priority) {
			defer wg.Done()
			err := c.Do(context.Background(), req(id, p), func(context.Context) error {
				observe(active.Add(1), &peakActive)
				if p.IsElevated() {
					observe(elevated.Add(1), &peakHigh)
				}
				time.Sleep(2 * time.Millisecond)
				if p.IsElevated() {
					elevated.Add(-1)
				}
				active.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do(%s) error = %v", id, err)
			}
		}(fmt.Sprintf("r%02d", i), p)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peakActive.Load()), maxConcurrent)
	assert.LessOrEqual(t, int(peakHigh.Load()), maxHigh)

	stats := c.Stats()
	assert.Equal(t, int64(40), stats.TotalCoordinated)
	assert.LessOrEqual(t, stats.PeakConcurrent, maxConcurrent)
	assert.Equal(t, 0, stats.Active)
}

func TestController_LowEventuallyAdmittedAfterHighSubsides(t *testing.T) {
	c := newController(t, Config{MaxConcurrent: 2, MaxHighPriority: 2, RecheckInterval: 10 * time.Millisecond})

	h1, ok := c.TryAcquire(req("h1", core.PriorityHigh))
	require.True(t, ok)

	lowDone := make(chan error, 1)
	go func() {
		lowDone <- c.Do(context.Background(), req("low", core.PriorityLow), func(context.Context) error { return nil })
	}()

	// Keep HIGH demand up for a while.
	for i := 0; i < 3; i++ {
		h, err := c.Acquire(context.Background(), req(fmt.Sprintf("h-%d", i), core.PriorityHigh))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		h.Release()
	}
	select {
	case <-lowDone:
		t.Fatal("low admitted while high slot held")
	default:
	}

	h1.Release()
	select {
	case err := <-lowDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("low request starved")
	}
}

func TestController_DoReleasesOnErrorAndPanic(t *testing.T) {
	c := newController(t, Config{})
	boom := errors.New("boom")

	err := c.Do(context.Background(), req("err", core.PriorityNormal), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Stats().Active)

	assert.Panics(t, func() {
		_ = c.Do(context.Background(), req("panic", core.PriorityNormal), func(context.Context) error { panic("x") })
	})
	assert.Equal(t, 0, c.Stats().Active)
}

func TestController_ForceRelease(t *testing.T) {
	c := newController(t, Config{MaxConcurrent: 3, MaxHighPriority: 1})
	s1, _ := c.TryAcquire(req("stuck", core.PriorityHigh))
	s2, _ := c.TryAcquire(req("stuck", core.PriorityCritical))
	_, _ = c.TryAcquire(req("other", core.PriorityCritical))

	assert.Equal(t, 2, c.ForceRelease("stuck"))
	assert.Equal(t, 0, c.ForceRelease("stuck"))
	assert.False(t, s1.Release())
	assert.False(t, s2.Release())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, int64(2), stats.ForcedReleases)

	// Elevated accounting was undone by the eviction.
	_, ok := c.TryAcquire(req("h", core.PriorityHigh))
	assert.False(t, ok, "other still holds a critical slot against the sub-limit")
}

func TestController_CleanupStale(t *testing.T) {
	c := newController(t, Config{})
	_, _ = c.TryAcquire(Request{RequesterID: "old", Priority: core.PriorityNormal, OperationType: "refresh"})
	time.Sleep(30 * time.Millisecond)
	fresh, _ := c.TryAcquire(req("fresh", core.PriorityNormal))

	evicted := c.CleanupStale(20 * time.Millisecond)
	assert.Equal(t, []string{"old"}, evicted)

	active := c.ActiveSlots()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].RequesterID)
	fresh.Release()
	assert.Empty(t, c.ActiveSlots())
}

func TestController_Stats(t *testing.T) {
	c := newController(t, Config{MaxConcurrent: 1, MaxHighPriority: 1, RecheckInterval: time.Minute})

	s, err := c.Acquire(context.Background(), req("first", core.PriorityNormal))
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		s.Release()
	}()
	s2, err := c.Acquire(context.Background(), req("second", core.PriorityNormal))
	require.NoError(t, err)
	s2.Release()

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.TotalCoordinated)
	assert.Equal(t, int64(1), stats.ContentionPrevented)
	assert.Equal(t, 1, stats.PeakConcurrent)
	assert.Greater(t, stats.AverageWaitTime, 50*time.Millisecond)
}

func TestJanitor_EvictsStaleSlots(t *testing.T) {
	c := newController(t, Config{StaleAfter: 10 * time.Millisecond})
	_, _ = c.TryAcquire(req("stuck", core.PriorityNormal))

	j := NewJanitor(c, 5*time.Millisecond)
	require.NoError(t, j.Start(context.Background()))
	assert.True(t, j.IsRunning())

	require.Eventually(t, func() bool { return c.Stats().Active == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, j.Stop(context.Background()))
	assert.False(t, j.IsRunning())
	require.NoError(t, j.Stop(context.Background()))
}
