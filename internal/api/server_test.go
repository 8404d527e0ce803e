package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/orchestrator"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Router:   config.RouterConfig{QueueSize: 16, SubmitTimeout: "1s"},
		Circuits: config.CircuitsConfig{FailureThreshold: 3, OpenTimeout: "1m", MonitorInterval: "1m"},
		Resources: config.ResourcesConfig{
			Critical:   []string{orchestrator.ComponentState, orchestrator.ComponentEventQueue},
			GraceDelay: "5ms",
		},
		Admission: config.AdmissionConfig{MaxConcurrentUpdates: 3, MaxHighPriorityUpdates: 2, UpdateTimeoutSeconds: 60},
		Tasks:     config.TasksConfig{MaxConcurrentTasks: 4},
		Store:     config.StoreConfig{Backend: store.BackendMemory},
	}
}

type harness struct {
	rt  *orchestrator.Runtime
	srv *Server
}

func newHarness(t *testing.T, worker parallel.Worker, start bool, opts ...ServerOption) *harness {
	t.Helper()
	if worker == nil {
		worker = parallel.WorkerFunc(func(_ context.Context, task parallel.Task, _ map[string]any) (map[string]any, error) {
			return map[string]any{"output": "done " + task.ID}, nil
		})
	}
	rt, err := orchestrator.New(testConfig(), orchestrator.WithWorker(worker))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = rt.Shutdown(ctx)
	})
	if start {
		_, err := rt.Start(context.Background())
		require.NoError(t, err)
	}
	return &harness{
		rt:  rt,
		srv: NewServer(rt, append([]ServerOption{WithLogger(logging.NewNop().Logger)}, opts...)...),
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil, false)

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rec).Status)

	_, err := h.rt.Start(context.Background())
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.Initialized)
	assert.Len(t, resp.Components, 6)
	assert.Empty(t, resp.OpenCircuits)
}

func TestComponents(t *testing.T) {
	h := newHarness(t, nil, true)

	rec := h.do(t, http.MethodGet, "/api/v1/components", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Initialized         bool     `json:"initialized"`
		InitializationOrder []string `json:"initialization_order"`
		ShutdownOrder       []string `json:"shutdown_order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Initialized)
	require.Len(t, body.InitializationOrder, 6)
	assert.Equal(t, body.InitializationOrder[0], body.ShutdownOrder[5])
}

func TestCircuits(t *testing.T) {
	h := newHarness(t, nil, true)

	rec := h.do(t, http.MethodGet, "/api/v1/circuits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state"`)

	rec = h.do(t, http.MethodGet, "/api/v1/circuits/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CLOSED"`)

	rec = h.do(t, http.MethodGet, "/api/v1/circuits/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.rt.State.Breaker().Trip("test")
	require.Eventually(t, func() bool {
		return len(h.rt.Circuits.OpenCircuits()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/api/v1/circuits/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["reset_count"])
	assert.Empty(t, h.rt.Circuits.OpenCircuits())
}

func TestAdmissionAndContexts(t *testing.T) {
	h := newHarness(t, nil, true)

	rec := h.do(t, http.MethodGet, "/api/v1/admission", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	adm := decode[AdmissionResponse](t, rec)
	assert.Equal(t, 3, adm.MaxConcurrent)
	assert.Equal(t, 2, adm.MaxHighPriority)
	assert.Empty(t, adm.Active)

	rec = h.do(t, http.MethodGet, "/api/v1/contexts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.PrimaryContextID, decode[map[string]any](t, rec)["primary_id"])
}

func startOperation(t *testing.T, h *harness, req StartOperationRequest) parallel.Plan {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/operations", req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[parallel.Plan](t, rec)
}

func TestOperations_Lifecycle(t *testing.T) {
	h := newHarness(t, nil, true)

	plan := startOperation(t, h, StartOperationRequest{
		OperationID: "op-1",
		Tasks: []parallel.Task{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	})
	assert.Equal(t, "op-1", plan.OperationID)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, plan.Layers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Tasks.Wait(ctx, "op-1"))

	rec := h.do(t, http.MethodGet, "/api/v1/operations/op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[parallel.OperationStatus](t, rec)
	assert.Equal(t, parallel.OperationCompleted, st.State)
	assert.Equal(t, []string{"a", "b"}, st.Tasks.Completed)

	rec = h.do(t, http.MethodGet, "/api/v1/operations/op-1/aggregate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decode[parallel.Aggregate](t, rec)
	assert.InDelta(t, 1.0, agg.SuccessRate, 1e-9)
	require.NotNil(t, agg.Artifact)
	assert.Len(t, agg.Artifact.Sections, 2)

	rec = h.do(t, http.MethodGet, "/api/v1/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]parallel.OperationStatus](t, rec), 1)

	rec = h.do(t, http.MethodPost, "/api/v1/operations/op-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/operations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/operations/missing/aggregate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperations_StartValidation(t *testing.T) {
	h := newHarness(t, nil, true)

	rec := h.do(t, http.MethodPost, "/api/v1/operations", StartOperationRequest{
		Tasks: []parallel.Task{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "circular dependency")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOperations_Cancel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	worker := parallel.WorkerFunc(func(ctx context.Context, task parallel.Task, _ map[string]any) (map[string]any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	h := newHarness(t, worker, true)
	defer close(release)

	startOperation(t, h, StartOperationRequest{
		OperationID: "op-c",
		Tasks:       []parallel.Task{{ID: "slow"}, {ID: "after", DependsOn: []string{"slow"}}},
	})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}

	rec := h.do(t, http.MethodPost, "/api/v1/operations/op-c/cancel", map[string]string{"reason": "operator"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[parallel.CancelResult](t, rec)
	assert.Equal(t, "operator", res.Reason)
	assert.ElementsMatch(t, []string{"slow", "after"}, res.Cancelled)

	rec = h.do(t, http.MethodGet, "/api/v1/operations/op-c", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, parallel.OperationCancelled, decode[parallel.OperationStatus](t, rec).State)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil, true)

	startOperation(t, h, StartOperationRequest{OperationID: "op-m", Tasks: []parallel.Task{{ID: "a"}}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Tasks.Wait(ctx, "op-m"))

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quorum_core_parallel_operation_started")
}

func TestCORS(t *testing.T) {
	rt, err := orchestrator.New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = rt.Shutdown(context.Background()) })
	srv := NewServer(rt, WithCORSOrigins([]string{"http://allowed.test"}), WithLogger(logging.NewNop().Logger))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/components", nil)
	req.Header.Set("Origin", "http://allowed.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://allowed.test", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/components", nil)
	req.Header.Set("Origin", "http://other.test")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOperations_RequireJSONContentType(t *testing.T) {
	h := newHarness(t, nil, true)

	for _, path := range []string{"/api/v1/operations", "/api/v1/operations/op-x/cancel", "/api/v1/circuits/reset"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"tasks":[{"id":"t"}]}`))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		h.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, path)

		req = httptest.NewRequest(http.MethodPost, path, nil)
		rec = httptest.NewRecorder()
		h.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, path)
	}
	assert.Empty(t, h.rt.Tasks.ListOperations())
}

func TestOperations_CommandsRejectedByDefault(t *testing.T) {
	var calls atomic.Int32
	worker := parallel.WorkerFunc(func(context.Context, parallel.Task, map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	})
	h := newHarness(t, worker, true)

	rec := h.do(t, http.MethodPost, "/api/v1/operations", StartOperationRequest{
		Tasks: []parallel.Task{{ID: "ok"}, {ID: "shell", Command: "touch marker"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeCommandsDisabled)
	assert.Empty(t, h.rt.Tasks.ListOperations())
	assert.Zero(t, calls.Load())
}

func TestOperations_CommandsAllowedWhenEnabled(t *testing.T) {
	commands := make(chan string, 1)
	worker := parallel.WorkerFunc(func(_ context.Context, task parallel.Task, _ map[string]any) (map[string]any, error) {
		commands <- task.Command
		return map[string]any{}, nil
	})
	h := newHarness(t, worker, true, WithCommandExecution(true))

	startOperation(t, h, StartOperationRequest{
		OperationID: "op-cmd",
		Tasks:       []parallel.Task{{ID: "shell", Command: "echo hi"}},
	})
	select {
	case got := <-commands:
		assert.Equal(t, "echo hi", got)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never ran")
	}
}

func TestCORS_DisabledByDefault(t *testing.T) {
	h := newHarness(t, nil, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/operations", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/components", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
