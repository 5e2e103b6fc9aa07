package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// streamEvent is the wire form of one bus event on the SSE and WS streams.
type streamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleStream implements GET /stream: an SSE feed of task and chain
// lifecycle events. Delivery is best-effort; a slow consumer loses events
// rather than slowing the queue.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Optional topic prefix filter, e.g. ?topic=task. or ?topic=chain.
	prefix := r.URL.Query().Get("topic")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("sse: client disconnected")
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(streamEvent{Topic: event.Topic, Payload: event.Payload})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
