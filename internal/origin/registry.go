// Package origin maintains the candidate set of regional origin servers and
// selects among them. The server list is fixed after startup; the only
// runtime mutation is the per-server failure counter the session controller
// drives from confirmed playback outcomes.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/jmylchreest/radiarr/internal/config"
)

// ErrInvalidServer is wrapped by all registry validation errors.
var ErrInvalidServer = errors.New("invalid origin server")

// Server is one regional origin.
type Server struct {
	// Name is the stable identifier, unique within the registry.
	Name string `json:"name"`
	// PingURL is the latency probe endpoint.
	PingURL string `json:"ping_url"`
	// Subdomain is combined with a stream's host prefix to form the
	// stream hostname.
	Subdomain string `json:"subdomain"`
	// BaseHost is the registrable domain under which stream hostnames
	// live.
	BaseHost string `json:"base_host"`
	// Port overrides the HTTPS port for stream URLs. Zero means 443.
	Port int `json:"port,omitempty"`
	// DialHost optionally replaces the URL authority; the logical
	// hostname then travels in the Host header instead.
	DialHost string `json:"dial_host,omitempty"`
}

// builtinServers is the compiled-in registry. Order matters: the first entry
// is the deterministic fallback when every probe fails.
var builtinServers = []Server{
	{Name: "ams", PingURL: "https://ams.radiarr.net/ping", Subdomain: "ams", BaseHost: "radiarr.net"},
	{Name: "fra", PingURL: "https://fra.radiarr.net/ping", Subdomain: "fra", BaseHost: "radiarr.net"},
	{Name: "nyc", PingURL: "https://nyc.radiarr.net/ping", Subdomain: "nyc", BaseHost: "radiarr.net"},
}

// Registry holds the ordered server set plus the mutable failure state.
type Registry struct {
	servers []Server

	mu         sync.Mutex
	failures   map[string]int
	lastFailed string
}

// NewRegistry validates servers and builds a registry. Order is preserved.
func NewRegistry(servers []Server) (*Registry, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: registry is empty", ErrInvalidServer)
	}

	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: server %d has no name", ErrInvalidServer, i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate server name %q", ErrInvalidServer, s.Name)
		}
		seen[s.Name] = true

		u, err := url.Parse(s.PingURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: server %q ping url %q", ErrInvalidServer, s.Name, s.PingURL)
		}
		if s.BaseHost == "" {
			return nil, fmt.Errorf("%w: server %q has no base host", ErrInvalidServer, s.Name)
		}
		if s.Subdomain == "" {
			return nil, fmt.Errorf("%w: server %q has no subdomain", ErrInvalidServer, s.Name)
		}
	}

	return &Registry{
		servers:  append([]Server(nil), servers...),
		failures: make(map[string]int, len(servers)),
	}, nil
}

// Builtin returns a registry over the compiled-in server set.
func Builtin() *Registry {
	r, err := NewRegistry(builtinServers)
	if err != nil {
		panic(fmt.Sprintf("origin: built-in servers invalid: %v", err))
	}
	return r
}

// FromConfig builds a registry from configuration, falling back to the
// built-in set when no servers are configured.
func FromConfig(servers []config.OriginServerConfig) (*Registry, error) {
	if len(servers) == 0 {
		return Builtin(), nil
	}
	out := make([]Server, len(servers))
	for i, s := range servers {
		out[i] = Server{
			Name:      s.Name,
			PingURL:   s.PingURL,
			Subdomain: s.Subdomain,
			BaseHost:  s.BaseHost,
			Port:      s.Port,
			DialHost:  s.DialHost,
		}
	}
	return NewRegistry(out)
}

// Servers returns the server set in registry order.
func (r *Registry) Servers() []Server {
	return append([]Server(nil), r.servers...)
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	return len(r.servers)
}

// ByName returns the named server.
func (r *Registry) ByName(name string) (Server, bool) {
	for _, s := range r.servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// First returns the deterministic default server.
func (r *Registry) First() Server {
	return r.servers[0]
}

// RecordFailure increments a server's failure counter and marks it as the
// most recent failure. Call only on confirmed playback failure against that
// server.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name]++
	r.lastFailed = name
}

// MarkReady resets a server's failure counter and clears the last-failed
// marker. Call only on that server's successful ready-to-play transition.
func (r *Registry) MarkReady(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name] = 0
	r.lastFailed = ""
}

// Failures returns a server's current failure count.
func (r *Registry) Failures(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[name]
}

// LastFailed returns the most recently failed server name, if any.
func (r *Registry) LastFailed() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFailed, r.lastFailed != ""
}

// failureSnapshot returns a consistent view of the failure state for one
// selection cycle.
func (r *Registry) failureSnapshot() (map[string]int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]int, len(r.failures))
	for k, v := range r.failures {
		snap[k] = v
	}
	return snap, r.lastFailed
}
