package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/radiarr/internal/session"
)

// EventSource is the slice of the session controller the event feed reads.
type EventSource interface {
	Status() session.Snapshot
	Subscribe() *session.Subscription
}

// EventsHandler streams session status and metadata changes over SSE.
type EventsHandler struct {
	source            EventSource
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(source EventSource) *EventsHandler {
	return &EventsHandler{
		source:            source,
		logger:            slog.Default(),
		heartbeatInterval: 30 * time.Second,
	}
}

// WithLogger sets the logger for the handler.
func (h *EventsHandler) WithLogger(logger *slog.Logger) *EventsHandler {
	h.logger = logger
	return h
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *EventsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterSSE registers the SSE endpoint on a chi router.
// SSE cannot go through Huma because it needs streaming response control.
func (h *EventsHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/events", h.handleSSEEvents)
}

// handleSSEEvents is the raw HTTP handler for SSE streaming.
func (h *EventsHandler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe to session events
	sub := h.source.Subscribe()
	defer sub.Cancel()

	// Use ResponseController for reliable flushing with error handling (Go 1.20+)
	rc := http.NewResponseController(w)

	// The server write timeout would cut the feed off; this connection is
	// flushed explicitly after every event instead.
	_ = rc.SetWriteDeadline(time.Time{})

	// Heartbeat ticker
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Send initial comment to establish connection and trigger onopen in browser
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush initial SSE connection", slog.Any("error", err))
		return
	}

	// Replay the current state so late joiners render immediately.
	snap := h.source.Status()
	if err := h.writeSnapshot(w, rc, snap); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Send heartbeat comment
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.Debug("heartbeat flush failed, client likely disconnected", slog.Any("error", err))
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeSSEEvent(w, ev); err != nil {
				h.logger.Error("failed to write SSE event",
					slog.String("event_type", string(ev.Type)),
					slog.Any("error", err),
				)
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("event flush failed, client likely disconnected",
					slog.String("event_type", string(ev.Type)),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

// writeSnapshot emits the current session state as a status event, plus a
// metadata event when a track title is known.
func (h *EventsHandler) writeSnapshot(w http.ResponseWriter, rc *http.ResponseController, snap session.Snapshot) error {
	status := session.Event{
		Type:    session.EventStatus,
		Playing: snap.Playing,
		Status:  snap.Status,
		At:      snap.ChangedAt,
	}
	if err := h.writeSSEEvent(w, status); err != nil {
		return err
	}
	if snap.TrackTitle != nil {
		meta := session.Event{
			Type:       session.EventMetadata,
			TrackTitle: snap.TrackTitle,
			At:         snap.ChangedAt,
		}
		if err := h.writeSSEEvent(w, meta); err != nil {
			return err
		}
	}
	return rc.Flush()
}

// writeSSEEvent writes a session event in SSE format.
func (h *EventsHandler) writeSSEEvent(w http.ResponseWriter, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// Write the full SSE message in one write for better atomicity
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
