package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mediaforge/backend/internal/events"
)

const defaultHeartbeat = 15 * time.Second

// EventsHandler streams job status changes as server-sent events.
type EventsHandler struct {
	Jobs      JobReader
	Events    events.Subscriber
	Heartbeat time.Duration
	Errors
}

// Stream handles GET /api/v1/jobs/{id}/events. The current state is sent
// first; the stream ends after a terminal status.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	_, job, ok := ownedJob(w, r, h.Jobs, h.Errors)
	if !ok {
		return
	}

	ch, cancel, err := h.Events.Subscribe(r.Context(), job.ID)
	if errors.Is(err, events.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	if err != nil {
		h.internal(w, r, "failed to subscribe to job events", err)
		return
	}
	defer cancel()

	// Subscribed first, so a transition between the read and the
	// subscription is not lost.
	current, err := h.Jobs.GetByID(r.Context(), job.ID)
	if err != nil {
		h.internal(w, r, "failed to load job", err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, events.FromJob(current)); err != nil || current.Status.Terminal() {
		return
	}

	interval := h.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}
