package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/radiarr/internal/session"
)

// Session is the slice of the session controller the playback API drives.
type Session interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SwitchStream(ctx context.Context, streamID string) error
	SetVolume(ctx context.Context, v float64) error
	Status() session.Snapshot
}

// PlaybackHandler drives the playback session.
type PlaybackHandler struct {
	session Session
	logger  *slog.Logger
}

// NewPlaybackHandler creates a new playback handler.
func NewPlaybackHandler(s Session) *PlaybackHandler {
	return &PlaybackHandler{
		session: s,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *PlaybackHandler) WithLogger(logger *slog.Logger) *PlaybackHandler {
	h.logger = logger
	return h
}

// StatusOutput carries the observable session state.
type StatusOutput struct {
	Body session.Snapshot
}

// SetVolumeInput is the request body for a volume change.
type SetVolumeInput struct {
	Body struct {
		Volume float64 `json:"volume" minimum:"0" maximum:"1" doc:"Playback gain between 0.0 and 1.0"`
	}
}

// SwitchStreamInput is the request body for a stream switch.
type SwitchStreamInput struct {
	Body struct {
		StreamID string `json:"stream_id" minLength:"1" doc:"Catalog ID of the stream to switch to"`
	}
}

// Register registers the playback routes with the API.
func (h *PlaybackHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getPlaybackStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/playback/status",
		Summary:     "Get playback status",
		Description: "Returns the current session state, active stream, status key and volume.",
		Tags:        []string{"Playback"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "startPlayback",
		Method:      http.MethodPost,
		Path:        "/api/v1/playback/play",
		Summary:     "Start playback",
		Description: "Starts playing the current stream. A no-op when the session is already active.",
		Tags:        []string{"Playback"},
	}, h.Play)

	huma.Register(api, huma.Operation{
		OperationID: "pausePlayback",
		Method:      http.MethodPost,
		Path:        "/api/v1/playback/pause",
		Summary:     "Pause playback",
		Description: "Tears playback down and reports the paused status. Connectivity recovery will not restart a paused session.",
		Tags:        []string{"Playback"},
	}, h.Pause)

	huma.Register(api, huma.Operation{
		OperationID: "stopPlayback",
		Method:      http.MethodPost,
		Path:        "/api/v1/playback/stop",
		Summary:     "Stop playback",
		Description: "Tears playback down and reports the stopped status.",
		Tags:        []string{"Playback"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "setPlaybackVolume",
		Method:      http.MethodPost,
		Path:        "/api/v1/playback/volume",
		Summary:     "Set playback volume",
		Description: "Adjusts the playback gain, effective immediately and for every later attempt.",
		Tags:        []string{"Playback"},
	}, h.SetVolume)

	huma.Register(api, huma.Operation{
		OperationID: "switchStream",
		Method:      http.MethodPut,
		Path:        "/api/v1/playback/stream",
		Summary:     "Switch stream",
		Description: "Switches playback to another catalog stream. A switch issued while a previous switch is still settling is rejected.",
		Tags:        []string{"Playback"},
	}, h.SwitchStream)
}

// GetStatus returns the current session snapshot.
func (h *PlaybackHandler) GetStatus(ctx context.Context, input *struct{}) (*StatusOutput, error) {
	return &StatusOutput{Body: h.session.Status()}, nil
}

// Play starts playback of the current stream.
func (h *PlaybackHandler) Play(ctx context.Context, input *struct{}) (*StatusOutput, error) {
	if err := h.session.Play(ctx); err != nil {
		return nil, h.mapSessionError("starting playback", err)
	}
	return &StatusOutput{Body: h.session.Status()}, nil
}

// Pause pauses playback.
func (h *PlaybackHandler) Pause(ctx context.Context, input *struct{}) (*StatusOutput, error) {
	if err := h.session.Pause(ctx); err != nil {
		return nil, h.mapSessionError("pausing playback", err)
	}
	return &StatusOutput{Body: h.session.Status()}, nil
}

// Stop stops playback.
func (h *PlaybackHandler) Stop(ctx context.Context, input *struct{}) (*StatusOutput, error) {
	if err := h.session.Stop(ctx); err != nil {
		return nil, h.mapSessionError("stopping playback", err)
	}
	return &StatusOutput{Body: h.session.Status()}, nil
}

// SetVolume adjusts the playback gain.
func (h *PlaybackHandler) SetVolume(ctx context.Context, input *SetVolumeInput) (*StatusOutput, error) {
	if err := h.session.SetVolume(ctx, input.Body.Volume); err != nil {
		return nil, h.mapSessionError("setting volume", err)
	}
	return &StatusOutput{Body: h.session.Status()}, nil
}

// SwitchStream switches playback to another catalog stream.
func (h *PlaybackHandler) SwitchStream(ctx context.Context, input *SwitchStreamInput) (*StatusOutput, error) {
	if err := h.session.SwitchStream(ctx, input.Body.StreamID); err != nil {
		switch {
		case errors.Is(err, session.ErrUnknownStream):
			return nil, huma.Error404NotFound(fmt.Sprintf("stream %q not found", input.Body.StreamID))
		case errors.Is(err, session.ErrSwitchInProgress):
			return nil, huma.Error409Conflict("a stream switch is already in progress")
		default:
			return nil, h.mapSessionError("switching stream", err)
		}
	}
	return &StatusOutput{Body: h.session.Status()}, nil
}

// mapSessionError converts session command errors to HTTP errors.
func (h *PlaybackHandler) mapSessionError(op string, err error) error {
	if errors.Is(err, session.ErrClosed) {
		return huma.Error503ServiceUnavailable("playback session is shut down")
	}
	h.logger.Error("playback command failed",
		slog.String("operation", op),
		slog.Any("error", err),
	)
	return huma.Error500InternalServerError(op+" failed", err)
}
