package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/sosmill/internal/model"
)

// handleStreamEvents streams a run's events as server-sent events. Events
// already recorded are replayed first, so a client connecting mid-run or
// after the run ended still sees the full history. The stream ends with a
// "done" event.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	// Subscribe before reading history so nothing published in between is
	// lost. Duplicates are filtered by sequence number below.
	var live <-chan model.Event
	if !model.IsTerminal(run.Status) {
		ch, unsub := s.engine.Broker().Subscribe(run.ID)
		defer unsub()
		live = ch
	}

	history, err := s.store.GetEvents(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("get events for stream", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	eventStreamsActive.Inc()
	defer eventStreamsActive.Dec()

	lastSeq := -1
	for _, ev := range history {
		if err := writeSSERunEvent(w, ev); err != nil {
			return
		}
		lastSeq = ev.Seq
	}
	if canFlush {
		flusher.Flush()
	}

	if live != nil {
	stream:
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					break stream
				}
				if ev.Seq <= lastSeq {
					continue
				}
				if err := writeSSERunEvent(w, ev); err != nil {
					return // Write failed (e.g. client gone).
				}
				lastSeq = ev.Seq
				if canFlush {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return // Client disconnected.
			}
		}
	}

	_ = writeSSEEvent(w, "done", "stream complete")
	if canFlush {
		flusher.Flush()
	}
}

// eventHistoryResponse is the JSON response for GET /v1/runs/{id}/events/history.
type eventHistoryResponse struct {
	RunID  string        `json:"run_id"`
	Events []model.Event `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	events, err := s.store.GetEvents(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("get events", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		RunID:  run.ID,
		Events: events,
	})
}

// writeSSERunEvent writes ev as an SSE event named after its kind, with the
// sequence number as the event id and the JSON-encoded event as data.
func writeSSERunEvent(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\n", strconv.Itoa(ev.Seq)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Kind); err != nil {
		return err
	}
	return writeSSEData(w, string(data))
}

// writeSSEData writes data as an SSE data field. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
