package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin(t *testing.T) {
	c := Builtin()

	require.NotNil(t, c)
	assert.Equal(t, 5, c.Len())
	assert.Equal(t, "chorale-en", c.Default().ID)

	seen := make(map[string]bool)
	for _, s := range c.All() {
		assert.False(t, seen[s.ID], "duplicate id %q", s.ID)
		seen[s.ID] = true
		assert.NotEmpty(t, s.Title)
		assert.NotEmpty(t, s.Glyph)
		assert.NotEmpty(t, s.HostPrefix)
		assert.Contains(t, s.URL, "streaming://")
	}
}

func TestNew_Validation(t *testing.T) {
	valid := Stream{
		ID:         "test-en",
		Title:      "Test English",
		URL:        "streaming://test-en/live.mp3",
		Language:   "en",
		Glyph:      "T",
		HostPrefix: "test-en",
	}

	tests := []struct {
		name    string
		mutate  func(s *Stream)
		streams []Stream
		wantErr string
	}{
		{
			name:    "empty catalog",
			streams: []Stream{},
			wantErr: "empty",
		},
		{
			name:    "missing id",
			mutate:  func(s *Stream) { s.ID = "" },
			wantErr: "no id",
		},
		{
			name:    "missing title",
			mutate:  func(s *Stream) { s.Title = "" },
			wantErr: "no title",
		},
		{
			name:    "missing host prefix",
			mutate:  func(s *Stream) { s.HostPrefix = "" },
			wantErr: "no host prefix",
		},
		{
			name:    "wrong scheme",
			mutate:  func(s *Stream) { s.URL = "https://test-en/live.mp3" },
			wantErr: "scheme",
		},
		{
			name:    "invalid language",
			mutate:  func(s *Stream) { s.Language = "not a tag!" },
			wantErr: "language",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streams := tt.streams
			if tt.mutate != nil {
				s := valid
				tt.mutate(&s)
				streams = []Stream{s}
			}

			_, err := New(streams)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidStream)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		_, err := New([]Stream{valid, valid})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidStream)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("valid single stream", func(t *testing.T) {
		c, err := New([]Stream{valid})
		require.NoError(t, err)
		assert.Equal(t, 1, c.Len())
	})
}

func TestCatalog_Get(t *testing.T) {
	c := Builtin()

	s, ok := c.Get("chorale-fr")
	require.True(t, ok)
	assert.Equal(t, "chorale-fr", s.ID)
	assert.Equal(t, "fr", s.Language)

	_, ok = c.Get("nonexistent")
	assert.False(t, ok)
}

func TestCatalog_ForLanguage(t *testing.T) {
	c := Builtin()

	tests := []struct {
		name      string
		preferred []string
		wantID    string
	}{
		{"exact tag", []string{"fr"}, "chorale-fr"},
		{"regional variant", []string{"fr-CA"}, "chorale-fr"},
		{"accept-language header", []string{"pt-BR,en;q=0.8"}, "chorale-pt"},
		{"unsupported language falls back", []string{"ja"}, "chorale-en"},
		{"garbage falls back", []string{"!!!"}, "chorale-en"},
		{"no preference falls back", nil, "chorale-en"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantID, c.ForLanguage(tt.preferred...).ID)
		})
	}
}

func TestStream_LanguageName(t *testing.T) {
	tests := []struct {
		language string
		want     string
	}{
		{"en", "English"},
		{"fr", "français"},
		{"de", "Deutsch"},
	}

	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			s := Stream{Language: tt.language}
			assert.Equal(t, tt.want, s.LanguageName())
		})
	}

	t.Run("unparseable tag falls back to raw value", func(t *testing.T) {
		s := Stream{Language: "??"}
		assert.Equal(t, "??", s.LanguageName())
	})
}

func TestStream_Hostname(t *testing.T) {
	s := Stream{HostPrefix: "chorale-en"}
	assert.Equal(t, "chorale-en-ams.radiarr.example.net", s.Hostname("ams", "radiarr.example.net"))
}

func TestLoadFile(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		content := `streams:
  - id: alpha-en
    title: Alpha English
    url: streaming://alpha-en/live.mp3
    language: en
    glyph: A
    host_prefix: alpha-en
  - id: alpha-nl
    title: Alpha Nederlands
    url: streaming://alpha-nl/live.mp3
    language: nl
    glyph: N
    host_prefix: alpha-nl
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		c, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 2, c.Len())
		assert.Equal(t, "alpha-en", c.Default().ID)

		s, ok := c.Get("alpha-nl")
		require.True(t, ok)
		assert.Equal(t, "Alpha Nederlands", s.Title)
		assert.Equal(t, "Nederlands", s.LanguageName())
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		require.NoError(t, os.WriteFile(path, []byte("streams: [unclosed"), 0o644))

		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Builtin().Len(), c.Len())
}
