// Package netmon watches network reachability by polling a lightweight
// probe URL. Transitions between online and offline drive the session
// controller: loss interrupts playback with a transient failure, and
// recovery clears caches built under the previous network conditions.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/radiarr/internal/httpclient"
)

const (
	// DefaultProbeURL answers 204 with no body.
	DefaultProbeURL = "https://ping.radiarr.net/generate_204"
	// DefaultInterval is the polling cadence.
	DefaultInterval = 10 * time.Second
	// DefaultProbeTimeout bounds one probe.
	DefaultProbeTimeout = 3 * time.Second
)

// State is the monitor's view of network reachability.
type State int

const (
	// StateUnknown means no probe has completed yet.
	StateUnknown State = iota
	// StateOnline means the last probe completed an HTTP exchange.
	StateOnline
	// StateOffline means the last probe failed at the transport level.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Config configures a Monitor.
type Config struct {
	// ProbeURL is the endpoint polled for reachability. Defaults to
	// DefaultProbeURL.
	ProbeURL string
	// Interval is the polling cadence. Defaults to DefaultInterval.
	Interval time.Duration
	// ProbeTimeout bounds each probe. Defaults to DefaultProbeTimeout.
	ProbeTimeout time.Duration
	// Client performs the probes. A nil client gets a probe-tuned one.
	Client *httpclient.Client
	// OnChange is invoked from the monitor goroutine on every state
	// transition, including the first settled state.
	OnChange func(State)
	// Logger receives transition events.
	Logger *slog.Logger
}

// Monitor polls connectivity in the background.
type Monitor struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	client   *httpclient.Client
	onChange func(State)
	logger   *slog.Logger

	mu    sync.RWMutex
	state State

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Monitor, filling zero config values with defaults.
func New(cfg Config) *Monitor {
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = DefaultProbeURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Client == nil {
		cfg.Client = httpclient.New(httpclient.ProbeConfig(cfg.ProbeTimeout))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probeURL: cfg.ProbeURL,
		interval: cfg.Interval,
		timeout:  cfg.ProbeTimeout,
		client:   cfg.Client,
		onChange: cfg.OnChange,
		logger:   logger,
		state:    StateUnknown,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. The first probe fires immediately.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop terminates the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// State returns the last settled state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether the network was reachable at the last probe.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// CheckNow probes immediately and returns the settled state. It shares
// the transition path with the background loop.
func (m *Monitor) CheckNow(ctx context.Context) State {
	return m.settle(m.probe(ctx))
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.settle(m.probe(context.Background()))
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.settle(m.probe(context.Background()))
		}
	}
}

// probe reports whether any HTTP exchange completed. The status code is
// irrelevant: a captive portal's 511 still proves the link carries
// traffic.
func (m *Monitor) probe(ctx context.Context) State {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Get(ctx, m.probeURL)
	if err != nil {
		return StateOffline
	}
	resp.Body.Close()
	return StateOnline
}

func (m *Monitor) settle(next State) State {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if next != prev {
		m.logger.Info("network state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
		if m.onChange != nil {
			m.onChange(next)
		}
	}
	return next
}
