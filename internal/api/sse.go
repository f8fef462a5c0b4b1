package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
)

const sseKeepaliveInterval = 30 * time.Second

// handleEvents streams Correlator events to a single browser tab as
// Server-Sent Events. Each subscriber gets its own buffered channel from
// the fan-out registry; a slow reader loses events rather than stalling
// the Correlator.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, events := s.fanout.Subscribe()
	defer s.fanout.Unsubscribe(id)

	if snapshot := s.active.Snapshot(); len(snapshot) > 0 {
		writeSSEEvent(w, "snapshot", snapshot)
		flusher.Flush()
	}

	ticker := time.NewTicker(sseKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, string(event.Type), event)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, kind string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("sse: failed to encode event", "kind", kind, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, payload)
}
