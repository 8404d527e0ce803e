package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
)

type nopFlusher struct{}

func (nopFlusher) Flush() {}

func parseEventFrame(t *testing.T, body string) (eventType string, data map[string]any) {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
		}
	}
	return eventType, data
}

func TestWriteEvent_PayloadEvent(t *testing.T) {
	s := &Server{logger: logging.NewNop().Logger}
	rec := httptest.NewRecorder()

	ev := events.NewPayloadEvent(events.TypeResourceStateChanged, map[string]any{
		"resource_id": "state",
		"state":       "ready",
	})
	s.writeEvent(rec, nopFlusher{}, ev.EventType(), eventData(ev))

	eventType, data := parseEventFrame(t, rec.Body.String())
	assert.Equal(t, events.TypeResourceStateChanged, eventType)
	assert.Equal(t, "state", data["source"])
	assert.NotEmpty(t, data["timestamp"])
	payload, ok := data["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ready", payload["state"])
	assert.True(t, strings.HasSuffix(rec.Body.String(), "\n\n"))
}

// readEventType reads frames until one of the given type arrives and
// returns every event type seen on the way.
func readEventType(t *testing.T, rd *bufio.Reader, want string) []string {
	t.Helper()
	var seen []string
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		typ := strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		seen = append(seen, typ)
		if typ == want {
			return seen
		}
	}
}

func TestEvents_StreamsFilteredBusEvents(t *testing.T) {
	h := newHarness(t, nil, false)
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/events?type="+events.TypeSystemHealthChanged, nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	readEventType(t, rd, "connected")

	h.rt.Bus.Emit(events.TypeMetricRecorded, map[string]any{"name": "ignored"})
	h.rt.Bus.Emit(events.TypeSystemHealthChanged, map[string]any{"component": "circuits", "healthy": false})

	seen := readEventType(t, rd, events.TypeSystemHealthChanged)
	assert.Equal(t, []string{events.TypeSystemHealthChanged}, seen)

	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
	assert.Equal(t, "circuits", data["source"])
}

func TestEvents_StreamEndsWhenBusCloses(t *testing.T) {
	h := newHarness(t, nil, false)
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	rd := bufio.NewReader(resp.Body)
	readEventType(t, rd, "connected")

	h.rt.Bus.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := rd.ReadString('\n'); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not end after the bus closed")
	}
}
