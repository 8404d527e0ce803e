package parallel

import (
	"bytes"
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandWorker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	w := NewCommandWorker(t.TempDir())
	ctx := context.Background()

	res, err := w.Run(ctx, Task{ID: "echo", Command: "echo hello $QUORUM_CORE_TASK_ID"}, map[string]any{"parent_operation_id": "op"})
	require.NoError(t, err)
	assert.Equal(t, "hello echo", res["stdout"])
	assert.Equal(t, 0, res["exit_code"])

	res, err = w.Run(ctx, Task{ID: "fail", Command: "echo oops >&2; exit 3"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "oops")
	assert.Equal(t, 3, res["exit_code"])

	res, err = w.Run(ctx, Task{ID: "noop"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res["skipped"])
}

func TestCommandWorker_InCoordinator(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	c := newTestCoordinator(t, NewCommandWorker(t.TempDir()), Config{})
	plan := startAndWait(t, c, Request{Tasks: []Task{
		{ID: "write", Command: "echo data > out.txt"},
		{ID: "read", DependsOn: []string{"write"}, Command: "cat out.txt"},
	}})

	agg, err := c.Aggregate(context.Background(), plan.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, agg.State)
	assert.Equal(t, "data", agg.Results["read"]["stdout"])
}

func TestLimitedBuffer(t *testing.T) {
	lb := &limitedBuffer{buf: new(bytes.Buffer), max: 4}
	n, err := lb.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", lb.buf.String())
}
