package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/execdesk/execdesk/internal/errs"
)

// handleRunEvents streams run_events in insertion order as SSE. The stream
// tails the table until the run reaches a terminal state; ordering across
// different runs is not promised.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	tenantID := tenantOf(r)

	run, err := s.db.GetRun(runID, tenantID)
	if err != nil || run == nil {
		writeError(w, r, http.StatusNotFound, errs.ValidationError, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errs.InternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastID uint
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		events, err := s.db.ListRunEvents(runID, lastID)
		if err == nil {
			for _, ev := range events {
				fmt.Fprintf(w, "event: %s\n", ev.EventType)
				fmt.Fprintf(w, "data: %s\n\n", ev.PayloadJSON)
				lastID = ev.ID
			}
			if len(events) > 0 {
				flusher.Flush()
			}
		}

		current, err := s.db.GetRun(runID, tenantID)
		if err == nil && current != nil && isTerminalRun(current.Status) {
			// Drain anything appended between the list and the status read.
			tail, _ := s.db.ListRunEvents(runID, lastID)
			for _, ev := range tail {
				fmt.Fprintf(w, "event: %s\n", ev.EventType)
				fmt.Fprintf(w, "data: %s\n\n", ev.PayloadJSON)
				lastID = ev.ID
			}
			fmt.Fprintf(w, "event: stream_end\ndata: {\"status\":%q}\n\n", current.Status)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func isTerminalRun(status string) bool {
	switch status {
	case "COMPLETED", "FAILED", "REJECTED":
		return true
	}
	return false
}
