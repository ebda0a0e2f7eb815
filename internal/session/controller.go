// Package session drives a single live playback session: authorization,
// origin selection, the connection attempt with its fallback chain, and the
// playing/buffering lifecycle, all reported through status and metadata
// events.
//
// One run-loop goroutine owns every piece of session state. Commands,
// pipeline events, connectivity changes and timer expirations all funnel
// into the same loop, so state mutations are serialized without locks and
// observers never receive concurrent callbacks.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/radiarr/internal/authgate"
	"github.com/jmylchreest/radiarr/internal/catalog"
	"github.com/jmylchreest/radiarr/internal/fetch"
	"github.com/jmylchreest/radiarr/internal/media"
	"github.com/jmylchreest/radiarr/internal/origin"
	"github.com/jmylchreest/radiarr/internal/version"
)

const (
	// DefaultConnectTimeout bounds Connecting: the attempt must reach
	// ready-to-play before it expires.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultBufferingTimeout bounds Buffering before the session gives
	// up and stops.
	DefaultBufferingTimeout = 30 * time.Second
	// DefaultSettleDelay is the pause between ready-to-play and the
	// Playing transition, absorbing the player's own spin-up.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultStallTimeout is how long the stream may deliver nothing
	// before Playing degrades to Buffering.
	DefaultStallTimeout = 2 * time.Second
	// DefaultEventBuffer is the per-subscriber event channel depth.
	DefaultEventBuffer = 64
	// DefaultVolume is the initial playback gain.
	DefaultVolume = 1.0
)

var (
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("session: controller closed")
	// ErrUnknownStream is returned when a switch names a stream the
	// catalog does not carry.
	ErrUnknownStream = errors.New("session: unknown stream")
	// ErrSwitchInProgress is returned when a switch arrives while the
	// previous one is still settling. The request is dropped, not queued.
	ErrSwitchInProgress = errors.New("session: stream switch already in progress")
)

// errConnectDeadline marks a ready-to-play deadline expiry. It classifies
// as transient so the fallback chain continues.
var errConnectDeadline = errors.New("session: ready-to-play deadline exceeded")

// Authorizer is the authorization-gate surface the controller drives.
// *authgate.Gate satisfies it.
type Authorizer interface {
	Check(ctx context.Context, model string) (authgate.State, error)
	Cached(model string) (authgate.State, bool)
	Reset()
}

// ServerSelector assembles the origin fallback chain and owns the
// selection cache. *origin.Selector satisfies it.
type ServerSelector interface {
	Chain(ctx context.Context) ([]origin.Server, error)
	Invalidate()
}

// StreamOpener opens one rewritten stream fetch. *fetch.Bridge satisfies
// it.
type StreamOpener interface {
	Open(ctx context.Context, req fetch.Request) (*fetch.Stream, error)
}

// Player is the local playback surface the controller drives.
// *media.Player satisfies it. A fresh Player is created per connection
// attempt and closed with it.
type Player interface {
	Write(p []byte) (int, error)
	Start()
	SetVolume(v float64)
	Close() error
}

// Config assembles a Controller. Catalog, Gate, Selector, Registry and
// Bridge are required; Broadcast and NewPlayer are each optional, and a
// session without both still runs the full lifecycle against a discarded
// stream.
type Config struct {
	// Catalog is the stream set switches select from.
	Catalog *catalog.Catalog
	// Gate authorizes the build model before any origin contact.
	Gate Authorizer
	// Selector produces the ordered fallback chain.
	Selector ServerSelector
	// Registry carries the per-server failure counters the controller
	// owns exclusively.
	Registry *origin.Registry
	// Bridge opens the live stream.
	Bridge StreamOpener

	// Broadcast receives the audio feed for HTTP listeners. Optional.
	Broadcast *media.Broadcast
	// NewPlayer builds the local playback sink for one attempt. Optional.
	NewPlayer func() (Player, error)

	// BuildModel is the identifier authorized and appended to stream
	// URLs. Defaults to the compiled-in build model.
	BuildModel string
	// Volume is the initial playback gain. Defaults to DefaultVolume.
	Volume float64
	// PrebufferBytes is how much audio must arrive before ready-to-play.
	// Defaults to media.DefaultPrebufferBytes.
	PrebufferBytes int
	// StallTimeout, ConnectTimeout, BufferingTimeout and SettleDelay
	// override the session deadlines. Zero selects the defaults.
	StallTimeout     time.Duration
	ConnectTimeout   time.Duration
	BufferingTimeout time.Duration
	SettleDelay      time.Duration
	// EventBuffer is the per-subscriber channel depth. Zero selects
	// DefaultEventBuffer.
	EventBuffer int

	// Logger receives session lifecycle logs. Nil means slog.Default.
	Logger *slog.Logger
	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdPause
	cmdStop
	cmdSwitch
	cmdSetVolume
	cmdNetwork
)

type command struct {
	kind     commandKind
	streamID string
	volume   float64
	online   bool
	reply    chan error
}

// Controller owns one logical playback session.
type Controller struct {
	catalog   *catalog.Catalog
	gate      Authorizer
	selector  ServerSelector
	registry  *origin.Registry
	bridge    StreamOpener
	broadcast *media.Broadcast
	newPlayer func() (Player, error)

	buildModel       string
	prebufferBytes   int
	stallTimeout     time.Duration
	connectTimeout   time.Duration
	bufferingTimeout time.Duration
	settleDelay      time.Duration
	eventBuffer      int

	logger *slog.Logger
	now    func() time.Time

	commands chan command
	events   chan loopEvent

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Everything below is owned by the run loop and never touched from
	// outside it.
	state     State
	status    StatusKey
	playing   bool
	current   catalog.Stream
	volume    float64
	online    bool
	wantPlay  bool
	permanent bool
	switching bool
	cycle     *cycle
	attempt   *attempt
	chain     []origin.Server

	connectTimer *time.Timer
	bufferTimer  *time.Timer
	settleTimer  *time.Timer

	snapMu sync.RWMutex
	snap   Snapshot

	subsMu     sync.Mutex
	subs       map[string]chan Event
	subsClosed bool
}

// New builds a Controller and starts its run loop. The session starts
// Idle, tuned to the catalog's default stream; nothing touches the network
// until Play.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Catalog == nil || cfg.Catalog.Len() == 0:
		return nil, errors.New("session: catalog is required")
	case cfg.Gate == nil:
		return nil, errors.New("session: authorization gate is required")
	case cfg.Selector == nil:
		return nil, errors.New("session: server selector is required")
	case cfg.Registry == nil:
		return nil, errors.New("session: origin registry is required")
	case cfg.Bridge == nil:
		return nil, errors.New("session: fetch bridge is required")
	}

	if cfg.BuildModel == "" {
		cfg.BuildModel = version.BuildModelID()
	}
	if cfg.Volume <= 0 {
		cfg.Volume = DefaultVolume
	}
	if cfg.PrebufferBytes <= 0 {
		cfg.PrebufferBytes = media.DefaultPrebufferBytes
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BufferingTimeout <= 0 {
		cfg.BufferingTimeout = DefaultBufferingTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		catalog:          cfg.Catalog,
		gate:             cfg.Gate,
		selector:         cfg.Selector,
		registry:         cfg.Registry,
		bridge:           cfg.Bridge,
		broadcast:        cfg.Broadcast,
		newPlayer:        cfg.NewPlayer,
		buildModel:       cfg.BuildModel,
		prebufferBytes:   cfg.PrebufferBytes,
		stallTimeout:     cfg.StallTimeout,
		connectTimeout:   cfg.ConnectTimeout,
		bufferingTimeout: cfg.BufferingTimeout,
		settleDelay:      cfg.SettleDelay,
		eventBuffer:      cfg.EventBuffer,
		logger:           cfg.Logger,
		now:              cfg.Now,
		commands:         make(chan command),
		events:           make(chan loopEvent, 16),
		runCtx:           ctx,
		runCancel:        cancel,
		done:             make(chan struct{}),
		state:            StateIdle,
		status:           StatusStopped,
		current:          cfg.Catalog.Default(),
		volume:           clampVolume(cfg.Volume),
		online:           true,
		subs:             make(map[string]chan Event),
	}
	c.updateSnapshot()

	go c.run()
	return c, nil
}

// Play starts or restarts playback of the current stream. The outcome
// arrives through status events; Play itself only fails when the
// controller is closed.
func (c *Controller) Play(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdPlay})
}

// Pause stops playback and remembers that the user asked for silence:
// connectivity restoration will not restart a paused session.
func (c *Controller) Pause(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdPause})
}

// Stop ends the session's playback. Idempotent: stopping a stopped
// session is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdStop})
}

// SwitchStream retunes to another catalog stream and starts playing it.
// While a previous switch is still settling the request is dropped with
// ErrSwitchInProgress rather than queued.
func (c *Controller) SwitchStream(ctx context.Context, streamID string) error {
	return c.do(ctx, command{kind: cmdSwitch, streamID: streamID})
}

// SetVolume adjusts the playback gain, now and for every later attempt.
func (c *Controller) SetVolume(ctx context.Context, v float64) error {
	return c.do(ctx, command{kind: cmdSetVolume, volume: v})
}

// NetworkChanged pushes a connectivity verdict into the session. Loss
// interrupts any active state; restoration clears the selection and
// authorization caches and restarts playback unless the user paused or a
// permanent error is recorded.
func (c *Controller) NetworkChanged(online bool) {
	_ = c.do(context.Background(), command{kind: cmdNetwork, online: online})
}

// Status returns a copy of the observable session state.
func (c *Controller) Status() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Close tears the session down: cancels any in-flight fetch, stops every
// timer and goroutine, and closes all subscriber channels. Idempotent,
// and safe to call from any goroutine.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.runCancel()
		<-c.done
	})
	return nil
}

func (c *Controller) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.runCtx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.runCtx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the session's single owner. Every state mutation happens here.
func (c *Controller) run() {
	defer close(c.done)
	for {
		var connectC, bufferC, settleC <-chan time.Time
		if c.connectTimer != nil {
			connectC = c.connectTimer.C
		}
		if c.bufferTimer != nil {
			bufferC = c.bufferTimer.C
		}
		if c.settleTimer != nil {
			settleC = c.settleTimer.C
		}

		select {
		case <-c.runCtx.Done():
			c.teardown()
			return
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(cmd)
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-connectC:
			c.connectTimer = nil
			c.onConnectDeadline()
		case <-bufferC:
			c.bufferTimer = nil
			c.onBufferingDeadline()
		case <-settleC:
			c.settleTimer = nil
			c.onSettled()
		}
	}
}

func (c *Controller) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdPlay:
		return c.handlePlay()
	case cmdPause:
		c.handleHalt(StatusPaused)
		return nil
	case cmdStop:
		c.handleHalt(StatusStopped)
		return nil
	case cmdSwitch:
		return c.handleSwitch(cmd.streamID)
	case cmdSetVolume:
		c.handleSetVolume(cmd.volume)
		return nil
	case cmdNetwork:
		c.handleNetwork(cmd.online)
		return nil
	default:
		return nil
	}
}

func (c *Controller) handlePlay() error {
	c.wantPlay = true
	if c.state.Active() {
		return nil
	}
	c.begin()
	return nil
}

// handleHalt is the shared teardown for Pause and Stop: the two differ
// only in the status they report. Both clear the restart intent, neither
// touches the authorization cache or the failure counters.
func (c *Controller) handleHalt(key StatusKey) {
	c.wantPlay = false
	c.teardownPlayback()
	c.clearTitle()
	c.setState(StateStopped, key, false)
}

func (c *Controller) handleSwitch(streamID string) error {
	if c.switching {
		c.logger.Warn("stream switch dropped, previous switch still settling",
			slog.String("requested", streamID),
		)
		return ErrSwitchInProgress
	}
	next, ok := c.catalog.Get(streamID)
	if !ok {
		return ErrUnknownStream
	}
	if next.ID == c.current.ID && c.state.Active() {
		return nil
	}

	c.logger.Info("switching stream",
		slog.String("from", c.current.ID),
		slog.String("to", next.ID),
	)
	c.current = next
	c.wantPlay = true
	c.switching = true
	c.begin()
	return nil
}

func (c *Controller) handleSetVolume(v float64) {
	c.volume = clampVolume(v)
	if c.attempt != nil && c.attempt.player != nil {
		c.attempt.player.SetVolume(c.volume)
	}
	c.updateSnapshot()
}

func (c *Controller) handleNetwork(online bool) {
	if online == c.online {
		return
	}
	c.online = online

	if !online {
		if c.state.Active() {
			c.logger.Warn("connectivity lost during playback",
				slog.String("state", c.state.String()),
			)
			c.teardownPlayback()
			c.clearTitle()
			c.setState(StateFailedTransient, StatusNoInternet, false)
		} else {
			c.updateSnapshot()
		}
		return
	}

	// Restoration: both caches reflect the dead network and must go,
	// whether or not playback restarts.
	c.selector.Invalidate()
	c.gate.Reset()
	if c.wantPlay && !c.permanent && !c.state.Active() {
		c.logger.Info("connectivity restored, resuming playback",
			slog.String("stream", c.current.ID),
		)
		c.begin()
		return
	}
	c.updateSnapshot()
}

// begin starts a fresh play cycle against c.current: tear down whatever
// ran before, consult the cached authorization verdict, and either refuse
// immediately or hand off to the cycle goroutine.
func (c *Controller) begin() {
	c.teardownPlayback()
	c.permanent = false
	c.clearTitle()
	if c.broadcast != nil {
		c.broadcast.Reset()
	}

	if !c.online {
		c.setState(StateIdle, StatusNoInternet, false)
		return
	}

	cached, ok := c.gate.Cached(c.buildModel)
	if ok && cached == authgate.StateFailedPermanent {
		c.logger.Warn("playback refused by cached authorization verdict",
			slog.String("model", c.buildModel),
		)
		c.permanent = true
		c.setState(StateIdle, StatusSecurityFailed, false)
		return
	}

	skipAuth := ok && cached == authgate.StateSuccess
	if skipAuth {
		c.setState(StateSelectingServer, StatusConnecting, false)
	} else {
		c.setState(StateAuthorizing, StatusConnecting, false)
	}
	c.startCycle(skipAuth)
}

// teardownPlayback cancels the attempt, the cycle goroutine and every
// timer. Failure counters, the selection cache and the authorization
// cache all survive; only in-flight work dies.
func (c *Controller) teardownPlayback() {
	c.stopAttempt()
	if c.cycle != nil {
		c.cycle.cancel()
		c.cycle = nil
	}
	c.stopTimer(&c.connectTimer)
	c.stopTimer(&c.bufferTimer)
	c.stopTimer(&c.settleTimer)
	c.chain = nil
}

func (c *Controller) stopAttempt() {
	a := c.attempt
	if a == nil {
		return
	}
	c.attempt = nil
	a.cancel()
	if a.player != nil {
		if err := a.player.Close(); err != nil {
			c.logger.Debug("player close", slog.String("error", err.Error()))
		}
	}
}

// teardown is the final, synchronous shutdown path used by Close.
func (c *Controller) teardown() {
	c.teardownPlayback()
	c.wg.Wait()
	c.setState(StateStopped, StatusStopped, false)
	c.closeSubscribers()
	c.logger.Info("session closed")
}

func (c *Controller) onConnectDeadline() {
	if c.state != StateConnecting || c.attempt == nil {
		return
	}
	c.logger.Warn("ready-to-play deadline expired",
		slog.String("server", c.attempt.server.Name),
		slog.Duration("deadline", c.connectTimeout),
	)
	c.failAttempt(errConnectDeadline)
}

func (c *Controller) onBufferingDeadline() {
	if c.state != StateBuffering {
		return
	}
	c.logger.Warn("buffering deadline expired, stopping session",
		slog.Duration("deadline", c.bufferingTimeout),
	)
	// Soft failure: the restart intent survives, so a connectivity
	// restoration may still bring the session back.
	c.teardownPlayback()
	c.clearTitle()
	c.setState(StateStopped, StatusStopped, false)
}

func (c *Controller) onSettled() {
	if c.state != StateConnecting || c.attempt == nil {
		return
	}
	c.setState(StatePlaying, StatusPlaying, true)
}

// failAttempt records the failure against the server and either walks to
// the next candidate or ends the cycle with the matching terminal status.
func (c *Controller) failAttempt(err error) {
	a := c.attempt
	if a == nil {
		return
	}
	c.stopAttempt()
	c.stopTimer(&c.connectTimer)
	c.stopTimer(&c.settleTimer)
	c.registry.RecordFailure(a.server.Name)

	class := fetch.ClassOf(err)
	c.logger.Warn("connection attempt failed",
		slog.String("server", a.server.Name),
		slog.String("stream", a.stream.ID),
		slog.String("class", class.String()),
		slog.String("error", err.Error()),
	)

	if class.AllowsFallback() && len(c.chain) > 0 {
		next := c.chain[0]
		c.chain = c.chain[1:]
		c.startAttempt(next)
		return
	}

	c.chain = nil
	c.permanent = true
	switch class {
	case fetch.ClassSecurity, fetch.ClassAuthorization:
		c.setState(StateFailedPermanent, StatusSecurityFailed, false)
	default:
		c.setState(StateFailedPermanent, StatusStreamUnavailable, false)
	}
}

func (c *Controller) stopTimer(t **time.Timer) {
	if *t == nil {
		return
	}
	(*t).Stop()
	*t = nil
}

func (c *Controller) armTimer(t **time.Timer, d time.Duration) {
	c.stopTimer(t)
	*t = time.NewTimer(d)
}

// setState applies a state transition, refreshes the snapshot and
// publishes a status event when the observable pair changed.
func (c *Controller) setState(state State, key StatusKey, playing bool) {
	if state.Settled() {
		c.switching = false
	}
	changed := key != c.status || playing != c.playing
	if state != c.state {
		c.logger.Info("session state changed",
			slog.String("from", c.state.String()),
			slog.String("to", state.String()),
			slog.String("status", string(key)),
		)
	}
	c.state = state
	c.status = key
	c.playing = playing
	c.updateSnapshot()
	if changed {
		c.publish(Event{
			Type:    EventStatus,
			Playing: playing,
			Status:  key,
			At:      c.now(),
		})
	}
}

func (c *Controller) setTitle(title *string) {
	c.snapMu.Lock()
	same := equalTitle(c.snap.TrackTitle, title)
	c.snap.TrackTitle = title
	c.snap.ChangedAt = c.now()
	c.snapMu.Unlock()
	if same {
		return
	}
	c.publish(Event{
		Type:       EventMetadata,
		TrackTitle: title,
		At:         c.now(),
	})
}

func (c *Controller) clearTitle() {
	c.snapMu.Lock()
	cleared := c.snap.TrackTitle != nil
	c.snap.TrackTitle = nil
	c.snapMu.Unlock()
	if cleared {
		c.publish(Event{Type: EventMetadata, At: c.now()})
	}
}

func (c *Controller) updateSnapshot() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snap.State = c.state
	c.snap.Status = c.status
	c.snap.Playing = c.playing
	c.snap.Stream = c.current
	c.snap.Volume = c.volume
	c.snap.Online = c.online
	c.snap.Switching = c.switching
	if c.attempt != nil {
		c.snap.Server = c.attempt.server.Name
		c.snap.Attempt = c.attempt.id
	} else {
		c.snap.Attempt = ""
	}
	c.snap.ChangedAt = c.now()
}

func clampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > media.MaxVolume {
		return media.MaxVolume
	}
	return v
}

func equalTitle(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func newID() string {
	return ulid.Make().String()
}
