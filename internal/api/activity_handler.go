package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/replyd/internal/activity"
)

const keepAliveInterval = 15 * time.Second

// handleActivity streams the activity feed as server-sent events.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Activity == nil {
		s.writeError(w, http.StatusNotFound, "activity feed disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.deps.Activity.Subscribe()
	defer cancel()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, e := range s.deps.Activity.Since(lastID) {
		if err := writeSSE(w, e); err != nil {
			return
		}
		lastID = e.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.ID <= lastID {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, e activity.Entry) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", e.ID, e.Type); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", e.Data)
	return err
}
