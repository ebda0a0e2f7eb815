// Package catalog holds the static set of streams radiarr can play. The
// catalog is constructed once at startup, either from the compiled-in set or
// from a YAML file, and is immutable afterwards.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"
)

// Scheme is the custom URL scheme carried by canonical stream URLs. The
// fetch bridge rewrites it to https against the selected origin; it is never
// sent over the wire as-is.
const Scheme = "streaming"

// ErrInvalidStream is wrapped by all catalog validation errors.
var ErrInvalidStream = errors.New("invalid stream")

// Stream is one language/channel offering.
type Stream struct {
	// ID is the stable identifier used by the API and the session
	// controller. Lowercase, unique within the catalog.
	ID string `yaml:"id" json:"id"`
	// Title is the human-readable name, written in the stream's own
	// language.
	Title string `yaml:"title" json:"title"`
	// URL is the canonical custom-scheme URL, e.g. streaming://chorale-en/live.mp3.
	URL string `yaml:"url" json:"url"`
	// Language is the BCP 47 language tag.
	Language string `yaml:"language" json:"language"`
	// Glyph is the display glyph shown next to the title.
	Glyph string `yaml:"glyph" json:"glyph"`
	// HostPrefix is the language-specific hostname prefix combined with
	// the selected origin's subdomain and base hostname.
	HostPrefix string `yaml:"host_prefix" json:"host_prefix"`
}

// Hostname combines the stream's prefix with an origin's subdomain and base
// hostname: <prefix>-<subdomain>.<baseHost>.
func (s Stream) Hostname(subdomain, baseHost string) string {
	return fmt.Sprintf("%s-%s.%s", s.HostPrefix, subdomain, baseHost)
}

// LanguageName returns the stream language's name in that language itself
// ("fr" becomes "français"). Falls back to the raw tag when it cannot be
// parsed.
func (s Stream) LanguageName() string {
	tag, err := language.Parse(s.Language)
	if err != nil {
		return s.Language
	}
	if name := display.Self.Name(tag); name != "" {
		return name
	}
	return s.Language
}

// builtinStreams is the compiled-in catalog. The first entry is the default
// stream.
var builtinStreams = []Stream{
	{
		ID:         "chorale-en",
		Title:      "Chorale English",
		URL:        "streaming://chorale-en/live.mp3",
		Language:   "en",
		Glyph:      "\U0001F1EC\U0001F1E7",
		HostPrefix: "chorale-en",
	},
	{
		ID:         "chorale-fr",
		Title:      "Chorale Français",
		URL:        "streaming://chorale-fr/live.mp3",
		Language:   "fr",
		Glyph:      "\U0001F1EB\U0001F1F7",
		HostPrefix: "chorale-fr",
	},
	{
		ID:         "chorale-de",
		Title:      "Chorale Deutsch",
		URL:        "streaming://chorale-de/live.mp3",
		Language:   "de",
		Glyph:      "\U0001F1E9\U0001F1EA",
		HostPrefix: "chorale-de",
	},
	{
		ID:         "chorale-es",
		Title:      "Chorale Español",
		URL:        "streaming://chorale-es/live.mp3",
		Language:   "es",
		Glyph:      "\U0001F1EA\U0001F1F8",
		HostPrefix: "chorale-es",
	},
	{
		ID:         "chorale-pt",
		Title:      "Chorale Português",
		URL:        "streaming://chorale-pt/live.mp3",
		Language:   "pt",
		Glyph:      "\U0001F1E7\U0001F1F7",
		HostPrefix: "chorale-pt",
	},
}

// Catalog is an immutable, ordered set of streams.
type Catalog struct {
	streams []Stream
	byID    map[string]int
	matcher language.Matcher
}

// New validates streams and builds a catalog. The slice order is preserved;
// the first stream is the default.
func New(streams []Stream) (*Catalog, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidStream)
	}

	byID := make(map[string]int, len(streams))
	tags := make([]language.Tag, len(streams))

	for i, s := range streams {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: stream %d has no id", ErrInvalidStream, i)
		}
		if s.Title == "" {
			return nil, fmt.Errorf("%w: stream %q has no title", ErrInvalidStream, s.ID)
		}
		if s.HostPrefix == "" {
			return nil, fmt.Errorf("%w: stream %q has no host prefix", ErrInvalidStream, s.ID)
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate stream id %q", ErrInvalidStream, s.ID)
		}

		u, err := url.Parse(s.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: stream %q url: %v", ErrInvalidStream, s.ID, err)
		}
		if !strings.EqualFold(u.Scheme, Scheme) {
			return nil, fmt.Errorf("%w: stream %q url scheme %q, want %q", ErrInvalidStream, s.ID, u.Scheme, Scheme)
		}

		tag, err := language.Parse(s.Language)
		if err != nil {
			return nil, fmt.Errorf("%w: stream %q language %q: %v", ErrInvalidStream, s.ID, s.Language, err)
		}

		byID[s.ID] = i
		tags[i] = tag
	}

	return &Catalog{
		streams: append([]Stream(nil), streams...),
		byID:    byID,
		matcher: language.NewMatcher(tags),
	}, nil
}

// Builtin returns the compiled-in catalog.
func Builtin() *Catalog {
	c, err := New(builtinStreams)
	if err != nil {
		// The built-in set is validated by tests; reaching this is a bug.
		panic(fmt.Sprintf("catalog: built-in streams invalid: %v", err))
	}
	return c
}

// LoadFile reads a full replacement catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var doc struct {
		Streams []Stream `yaml:"streams"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}
	return New(doc.Streams)
}

// Load returns the catalog from path, or the built-in catalog when path is
// empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	return LoadFile(path)
}

// All returns the streams in catalog order.
func (c *Catalog) All() []Stream {
	return append([]Stream(nil), c.streams...)
}

// Len returns the number of streams.
func (c *Catalog) Len() int {
	return len(c.streams)
}

// Get returns the stream with the given id.
func (c *Catalog) Get(id string) (Stream, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Stream{}, false
	}
	return c.streams[i], true
}

// Default returns the first stream in the catalog.
func (c *Catalog) Default() Stream {
	return c.streams[0]
}

// ForLanguage picks the stream best matching the preferred languages, which
// may be given as BCP 47 tags or a full Accept-Language header value. Falls
// back to the default stream when nothing matches.
func (c *Catalog) ForLanguage(preferred ...string) Stream {
	if len(preferred) == 0 {
		return c.Default()
	}
	_, index := language.MatchStrings(c.matcher, preferred...)
	if index < 0 || index >= len(c.streams) {
		return c.Default()
	}
	return c.streams[index]
}
