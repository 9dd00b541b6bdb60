package webui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/events"
)

// sseKeepAlive is how often an idle stream sends a comment line so proxies keep it open.
const sseKeepAlive = 15 * time.Second

// handleStream implements GET /api/generation/stream/{id} as server-sent
// events. The first event is a snapshot of the session; the stream ends after
// the complete or error event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, stop, err := s.engine.Stream(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.logger.Session(id)
	log.Debug("Stream opened from %s", r.RemoteAddr)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	sent := 0
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				log.Debug("Stream closed after %d events", sent)
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Warn("Stream write failed: %v", err)
				return
			}
			flusher.Flush()
			sent++
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one event in text/event-stream framing. The sequence number
// doubles as the event id.
func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}
