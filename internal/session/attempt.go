package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/radiarr/internal/authgate"
	"github.com/jmylchreest/radiarr/internal/catalog"
	"github.com/jmylchreest/radiarr/internal/fetch"
	"github.com/jmylchreest/radiarr/internal/icy"
	"github.com/jmylchreest/radiarr/internal/media"
	"github.com/jmylchreest/radiarr/internal/origin"
)

type loopEventKind int

const (
	// evAuthorized: the gate approved the build model; selection begins.
	evAuthorized loopEventKind = iota
	// evChain: the fallback chain is assembled; connecting begins.
	evChain
	// evCycleFailed: authorization or selection failed.
	evCycleFailed
	// evReady: the attempt prebuffered enough audio to play.
	evReady
	// evStalled: the attempt delivered nothing for the stall timeout.
	evStalled
	// evRecovered: bytes are flowing again after a stall.
	evRecovered
	// evMetadata: the stream published a new in-band title.
	evMetadata
	// evFailed: the attempt's fetch or pipeline ended with an error.
	evFailed
)

// loopEvent is a report from a cycle or pump goroutine into the run loop.
// Cycle and attempt IDs let the loop drop reports from work it has already
// abandoned.
type loopEvent struct {
	kind      loopEventKind
	cycleID   string
	attemptID string

	chain     []origin.Server
	gateState authgate.State
	title     string
	err       error
}

// cycle is one authorize-then-select pass. Its goroutine ends once the
// chain (or a failure) has been reported; the handle survives so attempt
// events can be matched against it.
type cycle struct {
	id     string
	cancel context.CancelFunc
}

// attempt is one connection to one origin.
type attempt struct {
	id      string
	cycleID string
	server  origin.Server
	stream  catalog.Stream

	ctx    context.Context
	cancel context.CancelFunc
	player Player

	// progress is the unix-nano time of the last byte received, shared
	// between the pump and its stall watcher.
	progress atomic.Int64
	// finished marks an attempt whose pump has ended but whose player is
	// still draining, the Playing-to-Buffering death spiral.
	finished bool
}

// emit delivers a goroutine report unless the controller is shutting down.
func (c *Controller) emit(ev loopEvent) {
	select {
	case c.events <- ev:
	case <-c.runCtx.Done():
	}
}

// currentAttempt returns the live attempt matching the event, or nil.
func (c *Controller) currentAttempt(ev loopEvent) *attempt {
	if c.attempt == nil || c.attempt.id != ev.attemptID {
		return nil
	}
	return c.attempt
}

func (c *Controller) handleEvent(ev loopEvent) {
	switch ev.kind {
	case evAuthorized, evChain, evCycleFailed:
		if c.cycle == nil || c.cycle.id != ev.cycleID {
			return
		}
	default:
		if c.currentAttempt(ev) == nil {
			return
		}
	}

	switch ev.kind {
	case evAuthorized:
		if c.state == StateAuthorizing {
			c.setState(StateSelectingServer, StatusConnecting, false)
		}
	case evChain:
		c.onChain(ev.chain)
	case evCycleFailed:
		c.onCycleFailed(ev)
	case evReady:
		c.onReady()
	case evStalled:
		if c.state == StatePlaying {
			c.armTimer(&c.bufferTimer, c.bufferingTimeout)
			c.setState(StateBuffering, StatusBuffering, false)
		}
	case evRecovered:
		if c.state == StateBuffering && !c.attempt.finished {
			c.stopTimer(&c.bufferTimer)
			c.setState(StatePlaying, StatusPlaying, true)
		}
	case evMetadata:
		c.onMetadata(ev.title)
	case evFailed:
		c.onAttemptFailed(ev.err)
	}
}

// startCycle spawns the authorize-and-select goroutine. Network waits live
// there so the run loop stays responsive to Stop.
func (c *Controller) startCycle(skipAuth bool) {
	ctx, cancel := context.WithCancel(c.runCtx)
	cy := &cycle{id: newID(), cancel: cancel}
	c.cycle = cy

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runCycle(ctx, cy.id, skipAuth)
	}()
}

func (c *Controller) runCycle(ctx context.Context, cycleID string, skipAuth bool) {
	if !skipAuth {
		state, err := c.gate.Check(ctx, c.buildModel)
		if state != authgate.StateSuccess {
			c.emit(loopEvent{kind: evCycleFailed, cycleID: cycleID, gateState: state, err: err})
			return
		}
		c.emit(loopEvent{kind: evAuthorized, cycleID: cycleID})
	}

	chain, err := c.selector.Chain(ctx)
	if err != nil {
		c.emit(loopEvent{kind: evCycleFailed, cycleID: cycleID, gateState: authgate.StateSuccess, err: err})
		return
	}
	c.emit(loopEvent{kind: evChain, cycleID: cycleID, chain: chain})
}

func (c *Controller) onChain(chain []origin.Server) {
	if len(chain) == 0 {
		c.permanent = true
		c.setState(StateFailedPermanent, StatusStreamUnavailable, false)
		return
	}
	c.chain = chain[1:]
	c.startAttempt(chain[0])
}

func (c *Controller) onCycleFailed(ev loopEvent) {
	errText := "unknown"
	if ev.err != nil {
		errText = ev.err.Error()
	}
	if ev.gateState == authgate.StateFailedTransient {
		c.logger.Warn("authorization check failed transiently",
			slog.String("error", errText),
		)
		c.setState(StateFailedTransient, StatusNoInternet, false)
		return
	}
	if ev.gateState == authgate.StateFailedPermanent {
		c.logger.Error("authorization refused",
			slog.String("model", c.buildModel),
			slog.String("error", errText),
		)
		c.permanent = true
		c.setState(StateFailedPermanent, StatusSecurityFailed, false)
		return
	}
	// Selection failure: nothing to connect to.
	c.logger.Error("server selection failed", slog.String("error", errText))
	c.permanent = true
	c.setState(StateFailedPermanent, StatusStreamUnavailable, false)
}

func (c *Controller) onReady() {
	if c.state != StateConnecting {
		return
	}
	a := c.attempt
	c.stopTimer(&c.connectTimer)
	c.registry.MarkReady(a.server.Name)
	c.logger.Info("stream ready",
		slog.String("server", a.server.Name),
		slog.String("stream", a.stream.ID),
		slog.String("attempt", a.id),
	)
	c.armTimer(&c.settleTimer, c.settleDelay)
}

func (c *Controller) onMetadata(title string) {
	if !c.state.Active() {
		return
	}
	if title == "" {
		c.setTitle(nil)
		return
	}
	t := title
	c.setTitle(&t)
}

// onAttemptFailed routes a pump error by session phase: during Connecting
// it drives the fallback walk; during playback it starts the buffering
// countdown, since the already-buffered audio keeps playing while the
// session decides whether to give up.
func (c *Controller) onAttemptFailed(err error) {
	switch c.state {
	case StateConnecting:
		c.failAttempt(err)
	case StatePlaying, StateBuffering:
		a := c.attempt
		if a.finished {
			return
		}
		a.finished = true
		a.cancel()
		c.logger.Warn("stream ended during playback",
			slog.String("server", a.server.Name),
			slog.String("error", err.Error()),
		)
		if c.state == StatePlaying {
			c.armTimer(&c.bufferTimer, c.bufferingTimeout)
			c.setState(StateBuffering, StatusBuffering, false)
		}
	}
}

// startAttempt connects to one origin and re-enters Connecting. The pump
// goroutine owns the fetch; the loop keeps the player handle so volume
// changes land immediately.
func (c *Controller) startAttempt(srv origin.Server) {
	ctx, cancel := context.WithCancel(c.runCtx)
	a := &attempt{
		id:      newID(),
		cycleID: c.cycle.id,
		server:  srv,
		stream:  c.current,
		ctx:     ctx,
		cancel:  cancel,
	}
	if c.newPlayer != nil {
		p, err := c.newPlayer()
		if err != nil {
			c.logger.Warn("local playback unavailable",
				slog.String("error", err.Error()),
			)
		} else {
			p.SetVolume(c.volume)
			a.player = p
		}
	}
	c.attempt = a
	c.armTimer(&c.connectTimer, c.connectTimeout)
	c.setState(StateConnecting, StatusConnecting, false)
	c.logger.Info("connecting",
		slog.String("server", srv.Name),
		slog.String("stream", a.stream.ID),
		slog.String("attempt", a.id),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.runAttempt(a)
		c.emit(loopEvent{kind: evFailed, cycleID: a.cycleID, attemptID: a.id, err: err})
	}()
}

// runAttempt opens the stream and pumps it into the sinks until something
// breaks. It always returns a non-nil error: live streams have no clean
// end.
func (c *Controller) runAttempt(a *attempt) error {
	req := fetch.Request{
		URL:      a.stream.URL,
		Host:     a.stream.Hostname(a.server.Subdomain, a.server.BaseHost),
		Port:     a.server.Port,
		DialHost: a.server.DialHost,
	}
	stream, err := c.bridge.Open(a.ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	var sinks []io.Writer
	if c.broadcast != nil {
		sinks = append(sinks, c.broadcast)
	}
	if a.player != nil {
		a.player.Start()
		sinks = append(sinks, a.player)
	}
	var sink io.Writer
	switch len(sinks) {
	case 0:
		sink = io.Discard
	case 1:
		sink = sinks[0]
	default:
		sink = io.MultiWriter(sinks...)
	}

	pb := media.NewPrebuffer(sink, c.prebufferBytes)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-pb.Ready():
			c.emit(loopEvent{kind: evReady, cycleID: a.cycleID, attemptID: a.id})
		case <-a.ctx.Done():
		}
	}()

	src := icy.NewReader(stream.Body, stream.MetaInterval(), func(md icy.Metadata) {
		c.emit(loopEvent{kind: evMetadata, cycleID: a.cycleID, attemptID: a.id, title: md.StreamTitle})
	})

	a.progress.Store(c.now().UnixNano())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchStall(a)
	}()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			a.progress.Store(c.now().UnixNano())
			if _, werr := pb.Write(buf[:n]); werr != nil {
				return fmt.Errorf("pipeline write: %w", werr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return errors.New("origin closed the stream")
			}
			return rerr
		}
	}
}

// watchStall turns read-progress silence into stall and recovery reports.
func (c *Controller) watchStall(a *attempt) {
	interval := c.stallTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stalled := false
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Duration(c.now().UnixNano() - a.progress.Load())
			if !stalled && idle >= c.stallTimeout {
				stalled = true
				c.emit(loopEvent{kind: evStalled, cycleID: a.cycleID, attemptID: a.id})
			} else if stalled && idle < c.stallTimeout {
				stalled = false
				c.emit(loopEvent{kind: evRecovered, cycleID: a.cycleID, attemptID: a.id})
			}
		}
	}
}
