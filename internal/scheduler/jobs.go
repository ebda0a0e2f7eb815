package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/radiarr/internal/origin"
)

// Registration names for the built-in maintenance jobs.
const (
	JobOriginReprobe = "origin-reprobe"
	JobCacheSweep    = "cache-sweep"
)

// Prober re-measures origin server latency.
type Prober interface {
	ProbeAll(ctx context.Context) []origin.PingResult
}

// Sweeper evicts stale cached entries.
type Sweeper interface {
	Sweep()
}

// SweeperFunc adapts a plain function to the Sweeper interface.
type SweeperFunc func()

// Sweep calls f.
func (f SweeperFunc) Sweep() { f() }

// OriginReprobeJob re-measures every origin server on a schedule so the
// fallback chain is ranked on fresh latency numbers.
type OriginReprobeJob struct {
	prober Prober
	logger *slog.Logger
}

// NewOriginReprobeJob creates a job that refreshes origin latency.
func NewOriginReprobeJob(prober Prober) *OriginReprobeJob {
	return &OriginReprobeJob{
		prober: prober,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (jb *OriginReprobeJob) WithLogger(logger *slog.Logger) *OriginReprobeJob {
	jb.logger = logger
	return jb
}

// Run executes one probe pass across all registered origin servers.
func (jb *OriginReprobeJob) Run(ctx context.Context) error {
	results := jb.prober.ProbeAll(ctx)

	reachable := 0
	for _, r := range results {
		if r.Reachable {
			reachable++
		}
		jb.logger.Debug("origin probe",
			slog.String("server", r.Server.Name),
			slog.Bool("reachable", r.Reachable),
			slog.Duration("latency", r.Latency))
	}

	if reachable == 0 && len(results) > 0 {
		return fmt.Errorf("no origin server reachable (%d probed)", len(results))
	}

	jb.logger.Info("origin latency refreshed",
		slog.Int("reachable", reachable),
		slog.Int("probed", len(results)))

	return nil
}

// CacheSweepJob evicts expired authorization and trust cache entries
// from the registered sweepers.
type CacheSweepJob struct {
	sweepers []Sweeper
	logger   *slog.Logger
}

// NewCacheSweepJob creates a job that sweeps the given caches.
func NewCacheSweepJob(sweepers ...Sweeper) *CacheSweepJob {
	return &CacheSweepJob{
		sweepers: sweepers,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (jb *CacheSweepJob) WithLogger(logger *slog.Logger) *CacheSweepJob {
	jb.logger = logger
	return jb
}

// Run sweeps every registered cache once.
func (jb *CacheSweepJob) Run(ctx context.Context) error {
	for _, sw := range jb.sweepers {
		sw.Sweep()
	}
	jb.logger.Debug("cache sweep completed", slog.Int("sweepers", len(jb.sweepers)))
	return nil
}
