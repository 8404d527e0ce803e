package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockComponent_Lifecycle(t *testing.T) {
	j := &Journal{}
	m := NewMockComponent("state", j)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsRunning())

	assert.Equal(t, []string{"start:state", "stop:state"}, j.Entries())
	assert.Equal(t, []string{"state"}, j.IDs("stop"))
	assert.Equal(t, 1, m.StartCount())
	assert.Equal(t, 1, m.StopCount())
}

func TestMockComponent_Failures(t *testing.T) {
	m := NewMockComponent("x", nil).WithStartError(ErrTest)
	assert.ErrorIs(t, m.Start(context.Background()), ErrTest)
	assert.False(t, m.IsRunning())

	slow := NewMockComponent("slow", nil).WithStopDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.Stop(ctx), context.DeadlineExceeded)

	assert.Panics(t, func() {
		_ = NewMockComponent("p", nil).WithStartPanic().Start(context.Background())
	})
}

func TestRecordingEmitter(t *testing.T) {
	r := NewRecordingEmitter()
	r.Emit("a", map[string]any{"state": "up"})
	r.EmitPriority("b", map[string]any{"state": "down"})

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType("a"), 1)
	down := r.Matching("state", "down")
	require.Len(t, down, 1)
	assert.True(t, down[0].Priority)
}

func TestScrubVolatile(t *testing.T) {
	in := "op 123e4567-e89b-12d3-a456-426614174000 took 1.5s at 2026-01-02T03:04:05Z via shutdown_deadbeef  \r\n\n"
	assert.Equal(t, "op [UUID] took [DURATION] at [TIMESTAMP] via [CORRELATION]", ScrubVolatile(in))
	assert.Equal(t, "a\nb", Normalize("a \r\nb\t\n\n"))
}
