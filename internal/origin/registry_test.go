package origin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/radiarr/internal/config"
)

func testServers() []Server {
	return []Server{
		{Name: "a", PingURL: "https://a.example.net/ping", Subdomain: "a", BaseHost: "example.net"},
		{Name: "b", PingURL: "https://b.example.net/ping", Subdomain: "b", BaseHost: "example.net"},
		{Name: "c", PingURL: "https://c.example.net/ping", Subdomain: "c", BaseHost: "example.net"},
	}
}

func TestBuiltin(t *testing.T) {
	r := Builtin()

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, "ams", r.First().Name)

	seen := make(map[string]bool)
	for _, s := range r.Servers() {
		assert.False(t, seen[s.Name], "duplicate name %q", s.Name)
		seen[s.Name] = true
		assert.Contains(t, s.PingURL, "https://")
		assert.NotEmpty(t, s.Subdomain)
		assert.NotEmpty(t, s.BaseHost)
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name    string
		servers []Server
		wantErr string
	}{
		{
			name:    "empty registry",
			servers: nil,
			wantErr: "empty",
		},
		{
			name:    "missing name",
			servers: []Server{{PingURL: "https://x/ping", Subdomain: "x", BaseHost: "x.net"}},
			wantErr: "no name",
		},
		{
			name: "duplicate name",
			servers: []Server{
				{Name: "a", PingURL: "https://a/ping", Subdomain: "a", BaseHost: "x.net"},
				{Name: "a", PingURL: "https://b/ping", Subdomain: "b", BaseHost: "x.net"},
			},
			wantErr: "duplicate",
		},
		{
			name:    "bad ping url scheme",
			servers: []Server{{Name: "a", PingURL: "ftp://a/ping", Subdomain: "a", BaseHost: "x.net"}},
			wantErr: "ping url",
		},
		{
			name:    "missing base host",
			servers: []Server{{Name: "a", PingURL: "https://a/ping", Subdomain: "a"}},
			wantErr: "base host",
		},
		{
			name:    "missing subdomain",
			servers: []Server{{Name: "a", PingURL: "https://a/ping", BaseHost: "x.net"}},
			wantErr: "subdomain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.servers)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidServer)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_FailureLifecycle(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	assert.Equal(t, 0, r.Failures("a"))
	_, ok := r.LastFailed()
	assert.False(t, ok)

	r.RecordFailure("a")
	r.RecordFailure("a")
	assert.Equal(t, 2, r.Failures("a"))

	name, ok := r.LastFailed()
	require.True(t, ok)
	assert.Equal(t, "a", name)

	r.RecordFailure("b")
	name, _ = r.LastFailed()
	assert.Equal(t, "b", name)
	assert.Equal(t, 2, r.Failures("a"))

	r.MarkReady("a")
	assert.Equal(t, 0, r.Failures("a"))
	_, ok = r.LastFailed()
	assert.False(t, ok, "ready transition clears the last-failed marker")
}

func TestRegistry_ByName(t *testing.T) {
	r, err := NewRegistry(testServers())
	require.NoError(t, err)

	s, ok := r.ByName("b")
	require.True(t, ok)
	assert.Equal(t, "b", s.Name)

	_, ok = r.ByName("zz")
	assert.False(t, ok)
}

func TestFromConfig(t *testing.T) {
	t.Run("empty config uses builtin", func(t *testing.T) {
		r, err := FromConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, Builtin().Len(), r.Len())
		assert.Equal(t, "ams", r.First().Name)
	})

	t.Run("configured servers", func(t *testing.T) {
		r, err := FromConfig([]config.OriginServerConfig{
			{
				Name:      "edge",
				PingURL:   "https://edge.example.net/ping",
				Subdomain: "edge",
				BaseHost:  "example.net",
				Port:      8443,
				DialHost:  "203.0.113.7",
			},
		})
		require.NoError(t, err)

		s, ok := r.ByName("edge")
		require.True(t, ok)
		assert.Equal(t, 8443, s.Port)
		assert.Equal(t, "203.0.113.7", s.DialHost)
	})

	t.Run("invalid configured server", func(t *testing.T) {
		_, err := FromConfig([]config.OriginServerConfig{{Name: "bad"}})
		assert.ErrorIs(t, err, ErrInvalidServer)
	})
}
