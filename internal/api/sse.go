package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
)

// handleEvents streams bus events as Server-Sent Events. Repeated ?type=
// parameters restrict the stream to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	ch := s.rt.Bus.Subscribe(r.URL.Query()["type"]...)
	defer s.rt.Bus.Unsubscribe(ch)

	s.logger.Info("event stream connected", "remote_addr", r.RemoteAddr)
	s.writeEvent(w, flusher, "connected", map[string]string{"status": "connected"})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("event stream disconnected", "remote_addr", r.RemoteAddr)
			return
		case ev, ok := <-ch:
			if !ok {
				s.logger.Info("event bus closed, ending stream")
				return
			}
			s.writeEvent(w, flusher, ev.EventType(), eventData(ev))
		}
	}
}

func eventData(ev events.Event) map[string]any {
	data := map[string]any{
		"type":      ev.EventType(),
		"timestamp": ev.Timestamp(),
		"source":    ev.Source(),
	}
	if pe, ok := ev.(events.PayloadEvent); ok && pe.Payload != nil {
		data["payload"] = pe.Payload
	}
	return data
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal event", "type", eventType, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, b)
	flusher.Flush()
}
