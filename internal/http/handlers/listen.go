package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/radiarr/internal/media"
	"github.com/jmylchreest/radiarr/internal/session"
	"github.com/jmylchreest/radiarr/internal/version"
)

// listenChunkSize is the write granularity for the live audio re-serve.
const listenChunkSize = 32 * 1024

// StatusSource is the slice of the session controller the listen endpoint
// reads for stream naming.
type StatusSource interface {
	Status() session.Snapshot
}

// ListenHandler re-serves the live audio feed to local clients.
type ListenHandler struct {
	broadcast *media.Broadcast
	status    StatusSource
	logger    *slog.Logger
}

// NewListenHandler creates a new listen handler.
func NewListenHandler(b *media.Broadcast) *ListenHandler {
	return &ListenHandler{
		broadcast: b,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *ListenHandler) WithLogger(logger *slog.Logger) *ListenHandler {
	h.logger = logger
	return h
}

// WithStatusSource sets the session status readout used for icy-name.
func (h *ListenHandler) WithStatusSource(s StatusSource) *ListenHandler {
	h.status = s
	return h
}

// ListenersOutput reports the attached audio listeners.
type ListenersOutput struct {
	Body media.BroadcastStats
}

// Register registers the listener stats route with the API.
// The audio route itself is registered via RegisterChiRoutes.
func (h *ListenHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getListeners",
		Method:      http.MethodGet,
		Path:        "/api/v1/playback/listeners",
		Summary:     "List audio listeners",
		Description: "Returns broadcast buffer statistics and the clients attached to the live audio feed.",
		Tags:        []string{"Playback"},
	}, h.GetListeners)
}

// GetListeners returns broadcast buffer and listener statistics.
func (h *ListenHandler) GetListeners(ctx context.Context, input *struct{}) (*ListenersOutput, error) {
	return &ListenersOutput{Body: h.broadcast.Stats()}, nil
}

// RegisterChiRoutes registers the live audio route as a raw Chi handler.
// This is necessary because Huma's StreamResponse commits the response
// before the body runs, and the audio loop needs flush-per-chunk control.
func (h *ListenHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/api/v1/playback/stream", h.handleListen)
}

// handleListen attaches the client to the broadcast buffer and pumps audio
// until the client disconnects or the session restarts the feed.
func (h *ListenHandler) handleListen(w http.ResponseWriter, r *http.Request) {
	listener, err := h.broadcast.Subscribe(r.UserAgent(), r.RemoteAddr)
	if err != nil {
		http.Error(w, "no live audio feed", http.StatusServiceUnavailable)
		return
	}
	defer h.broadcast.Unsubscribe(listener.ID)

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Radiarr-Version", version.Version)
	if h.status != nil {
		if snap := h.status.Status(); snap.Stream.Title != "" {
			w.Header().Set("icy-name", snap.Stream.Title)
		}
	}

	rc := http.NewResponseController(w)

	// Audio runs until the client hangs up; the server write timeout must
	// not apply.
	_ = rc.SetWriteDeadline(time.Time{})

	h.logger.Info("listener connected",
		slog.String("listener_id", listener.ID.String()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	ctx := r.Context()
	reader := media.NewListenerReader(h.broadcast, listener)
	buf := make([]byte, listenChunkSize)

	for {
		n, err := reader.ReadContext(ctx, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.disconnect(listener, "write failed")
				return
			}
			if ferr := rc.Flush(); ferr != nil {
				h.disconnect(listener, "flush failed")
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, media.ErrBroadcastClosed):
				h.disconnect(listener, "feed closed")
			case ctx.Err() != nil:
				h.disconnect(listener, "client disconnected")
			default:
				h.logger.Warn("listener read failed",
					slog.String("listener_id", listener.ID.String()),
					slog.Any("error", err),
				)
			}
			return
		}
	}
}

func (h *ListenHandler) disconnect(listener *media.Listener, reason string) {
	h.logger.Info("listener disconnected",
		slog.String("listener_id", listener.ID.String()),
		slog.String("reason", reason),
		slog.Uint64("bytes_read", listener.BytesRead()),
	)
}
