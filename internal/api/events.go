package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/labrun/internal/bridge"
	"github.com/seantiz/labrun/internal/event"
	"github.com/seantiz/labrun/internal/model"
)

const (
	feedProgress = "progress"
	feedData     = "data"

	// essentialBlockFor bounds how long a stalled stream may hold up the
	// worker with a status event before the stream is closed.
	essentialBlockFor = 5 * time.Second
)

// essential keeps status and worker snapshots; progress and data may drop.
func essential(e model.Event) bool {
	switch e.Kind() {
	case model.KindStatus, model.KindWorker:
		return true
	default:
		return false
	}
}

// handleStreamEvents relays one worker feed to the client as server-sent
// events. Each SSE event is named after the event kind and carries its JSON.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	if feed == "" {
		feed = feedProgress
	}

	var pub *event.Publisher[model.Event]
	switch feed {
	case feedProgress:
		pub = s.worker.Progress()
	case feedData:
		pub = s.worker.Data()
	default:
		s.writeError(w, http.StatusBadRequest, "unknown feed")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	relay := bridge.NewRelay(pub, bridge.RelayOptions[model.Event]{
		Name:      "sse_" + feed,
		Buffer:    s.relayBuffer,
		Essential: essential,
		DropAfter: s.dropAfter,
		BlockFor:  essentialBlockFor,
	})
	defer relay.Close()

	eventStreams.WithLabelValues(feed).Inc()
	defer eventStreams.WithLabelValues(feed).Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for ev := range relay.All(r.Context()) {
		if err := writeSSEEvent(w, ev); err != nil {
			return // Write failed (e.g. client gone).
		}
		if canFlush {
			flusher.Flush()
		}
	}

	if err := relay.Err(); err != nil {
		s.logger.Warn("event stream closed", "feed", feed, "dropped", relay.Dropped(), "error", err)
	}
}

// writeSSEEvent writes ev as a named SSE event with a single JSON data line.
func writeSSEEvent(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if id := ev.CorrelationID(); id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data)
	return err
}
