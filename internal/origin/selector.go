package origin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/radiarr/internal/httpclient"
)

// Selection timing defaults.
const (
	DefaultProbeTimeout      = 2 * time.Second
	DefaultSelectionThrottle = 10 * time.Second
	DefaultSelectionTTL      = 7200 * time.Second
)

// ErrNoServers is returned when selection runs against an empty registry.
var ErrNoServers = errors.New("no origin servers registered")

// PingResult is the outcome of one latency probe. Latency is meaningful only
// when Reachable is true.
type PingResult struct {
	Server    Server        `json:"server"`
	Latency   time.Duration `json:"latency"`
	Reachable bool          `json:"reachable"`
}

// SelectorConfig holds the configuration for a Selector.
type SelectorConfig struct {
	// Registry is the candidate server set. Required.
	Registry *Registry

	// Client issues latency probes. Nil means a one-shot probe client
	// with ProbeTimeout.
	Client *httpclient.Client

	// ProbeTimeout bounds each individual probe. Zero means DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Throttle suppresses re-probing when a selection happened this
	// recently. Zero means DefaultSelectionThrottle.
	Throttle time.Duration

	// TTL bounds how long a selection stays current without re-probing.
	// Zero means DefaultSelectionTTL.
	TTL time.Duration

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time

	// Logger is the structured logger. Nil means slog.Default.
	Logger *slog.Logger
}

// Selector picks the origin to stream from, preferring servers without
// recent failures and ranking the rest by probe latency.
type Selector struct {
	registry     *Registry
	client       *httpclient.Client
	probeTimeout time.Duration
	throttle     time.Duration
	ttl          time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// probeFn is the single-server probe, replaceable in tests.
	probeFn func(ctx context.Context, srv Server) PingResult

	mu         sync.Mutex
	chain      []Server
	selectedAt time.Time
}

// NewSelector creates a Selector from cfg, filling unset fields with defaults.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultSelectionThrottle
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSelectionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		probeCfg := httpclient.ProbeConfig(cfg.ProbeTimeout)
		probeCfg.Logger = cfg.Logger
		cfg.Client = httpclient.New(probeCfg)
	}

	s := &Selector{
		registry:     cfg.Registry,
		client:       cfg.Client,
		probeTimeout: cfg.ProbeTimeout,
		throttle:     cfg.Throttle,
		ttl:          cfg.TTL,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	s.probeFn = s.probe
	return s
}

// Select returns the optimal server: the head of the current fallback chain.
func (s *Selector) Select(ctx context.Context) (Server, error) {
	chain, err := s.Chain(ctx)
	if err != nil {
		return Server{}, err
	}
	return chain[0], nil
}

// Chain returns the full fallback chain, best candidate first. The chain
// always contains every registered server.
//
// Selection order: servers with strictly fewer failures than the most
// recently failed server win outright without any probing; otherwise a
// recent enough selection is reused; otherwise every candidate is probed
// concurrently and ranked by ascending latency, unreachable servers last.
// When nothing is reachable the registry's first server leads the chain.
func (s *Selector) Chain(ctx context.Context) ([]Server, error) {
	servers := s.registry.Servers()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	// Recent-failure avoidance takes priority over latency: an avoided
	// server might actually be fastest right now, but recent evidence of
	// failure outweighs an instantaneous probe.
	failures, lastFailed := s.registry.failureSnapshot()
	if lastFailed != "" && failures[lastFailed] > 0 {
		var preferred, rest []Server
		for _, srv := range servers {
			if failures[srv.Name] < failures[lastFailed] {
				preferred = append(preferred, srv)
			} else {
				rest = append(rest, srv)
			}
		}
		if len(preferred) > 0 {
			chain := append(preferred, rest...)
			s.record(chain)
			s.logger.Info("origin selected by failure avoidance",
				slog.String("server", chain[0].Name),
				slog.String("avoiding", lastFailed),
				slog.Int("avoided_failures", failures[lastFailed]),
			)
			return chain, nil
		}
	}

	now := s.now()
	s.mu.Lock()
	if s.chain != nil && now.Sub(s.selectedAt) < s.throttle {
		chain := append([]Server(nil), s.chain...)
		s.mu.Unlock()
		return chain, nil
	}
	s.mu.Unlock()

	results := s.probeAll(ctx, servers)
	chain := rank(results)
	s.record(chain)

	head := chain[0]
	if res := resultFor(results, head.Name); res != nil && res.Reachable {
		s.logger.Info("origin selected by latency",
			slog.String("server", head.Name),
			slog.Duration("latency", res.Latency),
		)
	} else {
		s.logger.Warn("no origin reachable, using first registered server",
			slog.String("server", head.Name),
		)
	}
	return chain, nil
}

// Current returns the cached selection when it is still inside the TTL.
func (s *Selector) Current() (Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain == nil || s.now().Sub(s.selectedAt) >= s.ttl {
		return Server{}, false
	}
	return s.chain[0], true
}

// Invalidate drops the cached selection so the next Chain call re-probes.
// Called when connectivity returns after an outage.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	s.chain = nil
	s.mu.Unlock()
}

// ProbeAll probes every registered server concurrently and returns exactly
// one result per server, in registry order.
func (s *Selector) ProbeAll(ctx context.Context) []PingResult {
	return s.probeAll(ctx, s.registry.Servers())
}

func (s *Selector) probeAll(ctx context.Context, servers []Server) []PingResult {
	results := make([]PingResult, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			results[i] = s.probeFn(ctx, srv)
			return nil
		})
	}
	g.Wait()
	return results
}

func (s *Selector) probe(ctx context.Context, srv Server) PingResult {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.Get(ctx, srv.PingURL)
	if err != nil {
		s.logger.Debug("origin probe failed",
			slog.String("server", srv.Name),
			slog.String("error", err.Error()),
		)
		return PingResult{Server: srv}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Debug("origin probe rejected",
			slog.String("server", srv.Name),
			slog.Int("status", resp.StatusCode),
		)
		return PingResult{Server: srv}
	}

	return PingResult{Server: srv, Latency: time.Since(start), Reachable: true}
}

func (s *Selector) record(chain []Server) {
	s.mu.Lock()
	s.chain = append([]Server(nil), chain...)
	s.selectedAt = s.now()
	s.mu.Unlock()
}

// rank orders probe results into a fallback chain: reachable servers by
// ascending latency, then unreachable servers in registry order.
func rank(results []PingResult) []Server {
	ordered := append([]PingResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Reachable != ordered[j].Reachable {
			return ordered[i].Reachable
		}
		if !ordered[i].Reachable {
			return false
		}
		return ordered[i].Latency < ordered[j].Latency
	})

	chain := make([]Server, len(ordered))
	for i, res := range ordered {
		chain[i] = res.Server
	}
	return chain
}

func resultFor(results []PingResult, name string) *PingResult {
	for i := range results {
		if results[i].Server.Name == name {
			return &results[i]
		}
	}
	return nil
}
