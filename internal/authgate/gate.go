// Package authgate decides whether this build is currently permitted to
// stream. Authorization is published as a DNS TXT record listing permitted
// build model identifiers; the gate resolves it with a connectivity
// pre-check, a watchdog on the query, a short verdict cache, and
// single-flight de-duplication of concurrent checks.
//
// Verdicts are deliberately asymmetric: success and permanent refusals are
// cached, transient failures never are, so one flaky lookup cannot block
// playback for the cache lifetime.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/radiarr/internal/httpclient"
)

// Built-in endpoints and timing.
const (
	DefaultAuthDomain   = "models.radiarr.net"
	DefaultProbeURL     = "https://ping.radiarr.net/generate_204"
	DefaultCacheTTL     = 600 * time.Second
	DefaultProbeTimeout = 3 * time.Second
	DefaultWatchdog     = 5 * time.Second
)

// Permanent-refusal errors. Both mean the build will not become authorized
// without a record change or an update.
var (
	ErrNoModelsPublished  = errors.New("authorization record names no models")
	ErrModelNotAuthorized = errors.New("build model not authorized")
)

// ErrNoConnectivity marks a transient failure detected before the DNS query
// was attempted.
var ErrNoConnectivity = errors.New("no connectivity for authorization check")

// State is the authorization outcome.
type State int

const (
	StatePending State = iota
	StateSuccess
	StateFailedTransient
	StateFailedPermanent
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSuccess:
		return "success"
	case StateFailedTransient:
		return "failed-transient"
	case StateFailedPermanent:
		return "failed-permanent"
	default:
		return "unknown"
	}
}

// Cacheable reports whether a verdict in this state is stored for reuse.
func (s State) Cacheable() bool {
	return s == StateSuccess || s == StateFailedPermanent
}

// GateConfig holds the configuration for a Gate.
type GateConfig struct {
	// Domain is the DNS name carrying the authorization TXT record.
	// Empty means DefaultAuthDomain.
	Domain string

	// Resolver resolves the model set. Nil means a Resolver against the
	// built-in DNS server.
	Resolver ModelResolver

	// ProbeURL is the connectivity pre-check endpoint. Empty means
	// DefaultProbeURL.
	ProbeURL string

	// ProbeClient issues the connectivity pre-check. Nil means a one-shot
	// probe client with ProbeTimeout.
	ProbeClient *httpclient.Client

	// ProbeTimeout bounds the connectivity pre-check. Zero means
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Watchdog bounds the DNS query; expiry forces a transient failure.
	// Zero means DefaultWatchdog.
	Watchdog time.Duration

	// CacheTTL bounds verdict reuse. Zero means DefaultCacheTTL.
	CacheTTL time.Duration

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time

	// Logger is the structured logger. Nil means slog.Default.
	Logger *slog.Logger
}

type verdict struct {
	state State
	err   error
}

// Gate runs authorization checks.
type Gate struct {
	domain       string
	resolver     ModelResolver
	probeURL     string
	probeClient  *httpclient.Client
	probeTimeout time.Duration
	watchdog     time.Duration
	cacheTTL     time.Duration
	now          func() time.Time
	logger       *slog.Logger

	flight singleflight.Group

	mu          sync.Mutex
	cachedModel string
	cached      verdict
	cachedAt    time.Time
	hasCache    bool
}

// NewGate creates a Gate from cfg, filling unset fields with defaults.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Domain == "" {
		cfg.Domain = DefaultAuthDomain
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = DefaultProbeURL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(ResolverConfig{Logger: cfg.Logger})
	}
	if cfg.ProbeClient == nil {
		probeCfg := httpclient.ProbeConfig(cfg.ProbeTimeout)
		probeCfg.Logger = cfg.Logger
		cfg.ProbeClient = httpclient.New(probeCfg)
	}

	return &Gate{
		domain:       cfg.Domain,
		resolver:     cfg.Resolver,
		probeURL:     cfg.ProbeURL,
		probeClient:  cfg.ProbeClient,
		probeTimeout: cfg.ProbeTimeout,
		watchdog:     cfg.Watchdog,
		cacheTTL:     cfg.CacheTTL,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
}

// Check returns the authorization state for the given build model. Success
// and permanent refusals are reused for the cache TTL; concurrent callers
// for the same model share one in-flight check. The error is nil exactly
// when the state is StateSuccess.
func (g *Gate) Check(ctx context.Context, model string) (State, error) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return StateFailedPermanent, fmt.Errorf("%w: empty build model", ErrModelNotAuthorized)
	}

	if state, ok := g.Cached(model); ok {
		return state, g.cachedErr(model)
	}

	// Single-flight: the first caller runs the check under its own
	// context; everyone else waits for and shares that verdict.
	v, _, _ := g.flight.Do(model, func() (any, error) {
		ver := g.verify(ctx, model)
		if ver.state.Cacheable() {
			g.mu.Lock()
			g.cachedModel = model
			g.cached = ver
			g.cachedAt = g.now()
			g.hasCache = true
			g.mu.Unlock()
		}
		return ver, nil
	})

	ver := v.(verdict)
	return ver.state, ver.err
}

// Cached returns the stored verdict state for model when it is still fresh.
// Transient failures are never stored, so the answer is always success or
// failed-permanent.
func (g *Gate) Cached(model string) (State, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasCache || g.cachedModel != model {
		return StatePending, false
	}
	if g.now().Sub(g.cachedAt) >= g.cacheTTL {
		return StatePending, false
	}
	return g.cached.state, true
}

func (g *Gate) cachedErr(model string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasCache && g.cachedModel == model {
		return g.cached.err
	}
	return nil
}

// Reset drops the stored verdict. Called when connectivity transitions from
// absent to present so the next check observes the fresh network.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.hasCache = false
	g.mu.Unlock()
}

// Sweep drops the stored verdict once it has outlived the cache TTL. Used by
// the background cache sweeper.
func (g *Gate) Sweep() {
	g.mu.Lock()
	if g.hasCache && g.now().Sub(g.cachedAt) >= g.cacheTTL {
		g.hasCache = false
	}
	g.mu.Unlock()
}

// Domain returns the authorization domain in use.
func (g *Gate) Domain() string {
	return g.domain
}

func (g *Gate) verify(ctx context.Context, model string) verdict {
	if err := g.connectivityCheck(ctx); err != nil {
		g.logger.Debug("authorization check skipped, no connectivity",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		return verdict{state: StateFailedTransient, err: err}
	}

	// Watchdog: a DNS query that never completes must not hang the
	// session; it degrades to a transient failure.
	dctx, cancel := context.WithTimeout(ctx, g.watchdog)
	defer cancel()

	set, err := g.resolver.LookupModelSet(dctx, g.domain)
	if err != nil {
		g.logger.Warn("authorization lookup failed",
			slog.String("domain", g.domain),
			slog.String("error", err.Error()),
		)
		return verdict{state: StateFailedTransient, err: err}
	}

	switch {
	case len(set) == 0:
		g.logger.Warn("authorization record empty",
			slog.String("domain", g.domain),
			slog.String("model", model),
		)
		return verdict{state: StateFailedPermanent, err: ErrNoModelsPublished}

	case !set.Contains(model):
		g.logger.Warn("build model not in authorization record",
			slog.String("domain", g.domain),
			slog.String("model", model),
		)
		return verdict{
			state: StateFailedPermanent,
			err:   fmt.Errorf("%w: %q", ErrModelNotAuthorized, model),
		}

	default:
		g.logger.Info("build model authorized",
			slog.String("model", model),
		)
		return verdict{state: StateSuccess}
	}
}

func (g *Gate) connectivityCheck(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()

	resp, err := g.probeClient.Get(pctx, g.probeURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoConnectivity, err)
	}
	// Any completed HTTP exchange proves connectivity; the status code
	// does not matter here.
	resp.Body.Close()
	return nil
}
