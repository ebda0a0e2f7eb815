package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/radiarr/internal/catalog"
	"github.com/jmylchreest/radiarr/internal/http/handlers"
	"github.com/jmylchreest/radiarr/internal/session"
)

// mockSession is a scriptable stand-in for the session controller.
type mockSession struct {
	snap session.Snapshot

	playErr   error
	pauseErr  error
	stopErr   error
	switchErr error
	volumeErr error

	switchedTo string
	volumeSet  float64
	playCalls  int
}

func (m *mockSession) Play(ctx context.Context) error {
	m.playCalls++
	return m.playErr
}

func (m *mockSession) Pause(ctx context.Context) error { return m.pauseErr }

func (m *mockSession) Stop(ctx context.Context) error { return m.stopErr }

func (m *mockSession) SwitchStream(ctx context.Context, streamID string) error {
	if m.switchErr != nil {
		return m.switchErr
	}
	m.switchedTo = streamID
	return nil
}

func (m *mockSession) SetVolume(ctx context.Context, v float64) error {
	if m.volumeErr != nil {
		return m.volumeErr
	}
	m.volumeSet = v
	return nil
}

func (m *mockSession) Status() session.Snapshot { return m.snap }

func setupPlaybackRouter(t *testing.T, sess *mockSession) *chi.Mux {
	t.Helper()
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	handlers.NewPlaybackHandler(sess).Register(api)
	return router
}

func playingSnapshot() session.Snapshot {
	return session.Snapshot{
		State:     session.StatePlaying,
		Status:    session.StatusPlaying,
		Playing:   true,
		Stream:    catalog.Stream{ID: "chorale-en", Title: "Chorale English"},
		Server:    "ams",
		Volume:    0.8,
		Online:    true,
		ChangedAt: time.Now(),
	}
}

func TestPlaybackHandler_GetStatus(t *testing.T) {
	sess := &mockSession{snap: playingSnapshot()}
	router := setupPlaybackRouter(t, sess)

	req := httptest.NewRequest("GET", "/api/v1/playback/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var snap session.Snapshot
	err := json.NewDecoder(rec.Body).Decode(&snap)
	require.NoError(t, err)
	assert.Equal(t, session.StatePlaying, snap.State)
	assert.Equal(t, session.StatusPlaying, snap.Status)
	assert.True(t, snap.Playing)
	assert.Equal(t, "chorale-en", snap.Stream.ID)
	assert.Equal(t, "ams", snap.Server)
}

func TestPlaybackHandler_Play(t *testing.T) {
	t.Run("starts playback and returns the snapshot", func(t *testing.T) {
		sess := &mockSession{snap: playingSnapshot()}
		router := setupPlaybackRouter(t, sess)

		req := httptest.NewRequest("POST", "/api/v1/playback/play", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, sess.playCalls)
	})

	t.Run("closed session returns 503", func(t *testing.T) {
		sess := &mockSession{playErr: session.ErrClosed}
		router := setupPlaybackRouter(t, sess)

		req := httptest.NewRequest("POST", "/api/v1/playback/play", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestPlaybackHandler_SwitchStream(t *testing.T) {
	switchBody := func(id string) *bytes.Reader {
		b, _ := json.Marshal(map[string]string{"stream_id": id})
		return bytes.NewReader(b)
	}

	t.Run("switches to a known stream", func(t *testing.T) {
		sess := &mockSession{snap: playingSnapshot()}
		router := setupPlaybackRouter(t, sess)

		req := httptest.NewRequest("PUT", "/api/v1/playback/stream", switchBody("chorale-fr"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "chorale-fr", sess.switchedTo)
	})

	t.Run("unknown stream returns 404", func(t *testing.T) {
		sess := &mockSession{switchErr: session.ErrUnknownStream}
		router := setupPlaybackRouter(t, sess)

		req := httptest.NewRequest("PUT", "/api/v1/playback/stream", switchBody("nope"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("switch in progress returns 409", func(t *testing.T) {
		sess := &mockSession{switchErr: session.ErrSwitchInProgress}
		router := setupPlaybackRouter(t, sess)

		req := httptest.NewRequest("PUT", "/api/v1/playback/stream", switchBody("chorale-de"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestPlaybackHandler_SetVolume(t *testing.T) {
	t.Run("sets the volume", func(t *testing.T) {
		sess := &mockSession{snap: playingSnapshot()}
		router := setupPlaybackRouter(t, sess)

		body, _ := json.Marshal(map[string]float64{"volume": 0.5})
		req := httptest.NewRequest("POST", "/api/v1/playback/volume", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0.5, sess.volumeSet)
	})

	t.Run("rejects out-of-range volume", func(t *testing.T) {
		sess := &mockSession{snap: playingSnapshot()}
		router := setupPlaybackRouter(t, sess)

		body, _ := json.Marshal(map[string]float64{"volume": 1.5})
		req := httptest.NewRequest("POST", "/api/v1/playback/volume", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Zero(t, sess.volumeSet)
	})
}

func TestPlaybackHandler_PauseStop(t *testing.T) {
	sess := &mockSession{snap: playingSnapshot()}
	router := setupPlaybackRouter(t, sess)

	for _, path := range []string{"/api/v1/playback/pause", "/api/v1/playback/stop"} {
		req := httptest.NewRequest("POST", path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
