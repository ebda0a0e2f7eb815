package origin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProbes replaces the selector's probe with a latency table and returns
// a counter of probe invocations. Servers absent from the table are
// unreachable.
func fakeProbes(s *Selector, latencies map[string]time.Duration) *int32 {
	var calls int32
	s.probeFn = func(_ context.Context, srv Server) PingResult {
		atomic.AddInt32(&calls, 1)
		lat, ok := latencies[srv.Name]
		if !ok {
			return PingResult{Server: srv}
		}
		return PingResult{Server: srv, Latency: lat, Reachable: true}
	}
	return &calls
}

func newTestSelector(t *testing.T, r *Registry, now *time.Time) *Selector {
	t.Helper()
	return NewSelector(SelectorConfig{
		Registry: r,
		Now:      func() time.Time { return *now },
		Logger:   discardLogger(),
	})
}

func TestChain_AvoidsRecentlyFailedServer(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	s := newTestSelector(t, r, &now)
	calls := fakeProbes(s, map[string]time.Duration{"a": time.Millisecond})

	r.RecordFailure("a")
	r.RecordFailure("a")

	chain, err := s.Chain(context.Background())
	require.NoError(t, err)

	// b and c have strictly fewer failures than a, so they lead the chain
	// in registry order and no probe runs even though a is fastest.
	assert.Equal(t, []string{"b", "c", "a"}, chainNames(chain))
	assert.Equal(t, int32(0), atomic.LoadInt32(calls), "avoidance must not probe")

	srv, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", srv.Name)
}

func TestChain_AvoidanceSkippedWhenAllEqual(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	s := newTestSelector(t, r, &now)
	calls := fakeProbes(s, map[string]time.Duration{
		"a": 30 * time.Millisecond,
		"b": 10 * time.Millisecond,
		"c": 20 * time.Millisecond,
	})

	// Every server carries the same failure count, so no candidate has
	// strictly fewer and the selector falls through to probing.
	r.RecordFailure("a")
	r.RecordFailure("b")
	r.RecordFailure("c")

	chain, err := s.Chain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, chainNames(chain))
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestChain_RanksByLatency(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	s := newTestSelector(t, r, &now)
	fakeProbes(s, map[string]time.Duration{
		"a": 30 * time.Millisecond,
		"b": 10 * time.Millisecond,
		// c unreachable
	})

	chain, err := s.Chain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, chainNames(chain))
}

func TestChain_AllUnreachableFallsBackToFirst(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	s := newTestSelector(t, r, &now)
	fakeProbes(s, nil)

	srv, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", srv.Name, "deterministic default is the first registered server")
}

func TestChain_Throttle(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	s := newTestSelector(t, r, &now)
	calls := fakeProbes(s, map[string]time.Duration{"b": 10 * time.Millisecond})

	first, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", first.Name)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	// Within the throttle window the cached chain is reused.
	now = now.Add(5 * time.Second)
	second, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", second.Name)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	// Past the throttle window probing resumes.
	now = now.Add(6 * time.Second)
	_, err = s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(6), atomic.LoadInt32(calls))
}

func TestCurrent_TTLAndInvalidate(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	s := newTestSelector(t, r, &now)
	fakeProbes(s, map[string]time.Duration{"b": 10 * time.Millisecond})

	_, ok := s.Current()
	assert.False(t, ok, "no selection before the first Chain call")

	_, err = s.Select(context.Background())
	require.NoError(t, err)

	srv, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "b", srv.Name)

	now = now.Add(DefaultSelectionTTL + time.Second)
	_, ok = s.Current()
	assert.False(t, ok, "selection expires after the TTL")

	now = now.Add(time.Hour)
	_, err = s.Select(context.Background())
	require.NoError(t, err)
	_, ok = s.Current()
	require.True(t, ok)

	s.Invalidate()
	_, ok = s.Current()
	assert.False(t, ok, "invalidation drops the cached selection")
}

func TestProbeAll_OneResultPerServer(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	r, err := NewRegistry([]Server{
		{Name: "healthy", PingURL: healthy.URL, Subdomain: "h", BaseHost: "example.net"},
		{Name: "broken", PingURL: broken.URL, Subdomain: "b", BaseHost: "example.net"},
	})
	require.NoError(t, err)

	s := NewSelector(SelectorConfig{Registry: r, Logger: discardLogger()})
	results := s.ProbeAll(context.Background())

	require.Len(t, results, 2)
	assert.Equal(t, "healthy", results[0].Server.Name)
	assert.True(t, results[0].Reachable)
	assert.GreaterOrEqual(t, results[0].Latency, time.Duration(0))

	assert.Equal(t, "broken", results[1].Server.Name)
	assert.False(t, results[1].Reachable)
}

func TestProbe_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	r, err := NewRegistry([]Server{
		{Name: "slow", PingURL: slow.URL, Subdomain: "s", BaseHost: "example.net"},
	})
	require.NoError(t, err)

	s := NewSelector(SelectorConfig{
		Registry:     r,
		ProbeTimeout: 50 * time.Millisecond,
		Logger:       discardLogger(),
	})

	results := s.ProbeAll(context.Background())
	require.Len(t, results, 1)
	assert.False(t, results[0].Reachable)
}

func TestChain_EmptyRegistry(t *testing.T) {
	s := NewSelector(SelectorConfig{Registry: &Registry{}, Logger: discardLogger()})
	_, err := s.Chain(context.Background())
	assert.ErrorIs(t, err, ErrNoServers)
}

func chainNames(chain []Server) []string {
	names := make([]string, len(chain))
	for i, s := range chain {
		names[i] = s.Name
	}
	return names
}
