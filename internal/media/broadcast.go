// Package media carries decoded stream bytes from the session pump to
// their consumers: a multi-listener broadcast ring for the HTTP re-serve
// endpoint, a prebuffer gate that reports playback readiness, and a local
// audio player.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBroadcastClosed is returned when the broadcast ring is closed.
var ErrBroadcastClosed = errors.New("broadcast closed")

// BroadcastConfig configures the broadcast ring.
type BroadcastConfig struct {
	// RingSize is the maximum buffered audio in bytes.
	RingSize int
	// MaxChunks is the maximum number of chunks to keep.
	MaxChunks int
	// ChunkTTL is how long a chunk stays available to slow listeners.
	ChunkTTL time.Duration
	// ListenerTimeout is how long a listener may stall before it is
	// dropped.
	ListenerTimeout time.Duration
	// CleanupInterval is how often expired chunks and stalled listeners
	// are collected.
	CleanupInterval time.Duration
}

// DefaultBroadcastConfig returns defaults sized for compressed audio: a
// few megabytes covers well over a minute of stream at typical bitrates.
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		RingSize:        4 * 1024 * 1024,
		MaxChunks:       2048,
		ChunkTTL:        30 * time.Second,
		ListenerTimeout: 60 * time.Second,
		CleanupInterval: 10 * time.Second,
	}
}

type chunk struct {
	seq  uint64
	data []byte
	at   time.Time
}

// Listener is one attached consumer of the broadcast ring. Listeners keep
// their own cursor so a slow reader never blocks the pump or its peers.
type Listener struct {
	ID          uuid.UUID
	UserAgent   string
	RemoteAddr  string
	ConnectedAt time.Time

	cursor    atomic.Uint64
	bytesRead atomic.Uint64

	lastReadMu sync.RWMutex
	lastRead   time.Time

	wakeCh chan struct{}
}

func newListener(userAgent, remoteAddr string) *Listener {
	return &Listener{
		ID:          uuid.New(),
		UserAgent:   userAgent,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		lastRead:    time.Now(),
		wakeCh:      make(chan struct{}, 1),
	}
}

// BytesRead returns the total bytes this listener has consumed.
func (l *Listener) BytesRead() uint64 {
	return l.bytesRead.Load()
}

func (l *Listener) touch() {
	l.lastReadMu.Lock()
	l.lastRead = time.Now()
	l.lastReadMu.Unlock()
}

func (l *Listener) stale(timeout time.Duration) bool {
	l.lastReadMu.RLock()
	defer l.lastReadMu.RUnlock()
	return time.Since(l.lastRead) > timeout
}

func (l *Listener) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Listener) wait(ctx context.Context) error {
	select {
	case <-l.wakeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast fans one live audio stream out to any number of listeners.
// Writes never block on consumers; listeners that fall behind the ring
// simply skip ahead to the oldest retained chunk.
type Broadcast struct {
	cfg BroadcastConfig

	mu       sync.RWMutex
	chunks   []chunk
	closed   bool
	sequence atomic.Uint64
	size     atomic.Int64

	listenersMu sync.RWMutex
	listeners   map[uuid.UUID]*Listener

	written atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBroadcast creates a broadcast ring and starts its cleanup loop.
func NewBroadcast(cfg BroadcastConfig) *Broadcast {
	def := DefaultBroadcastConfig()
	if cfg.RingSize <= 0 {
		cfg.RingSize = def.RingSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = def.ChunkTTL
	}
	if cfg.ListenerTimeout <= 0 {
		cfg.ListenerTimeout = def.ListenerTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	b := &Broadcast{
		cfg:       cfg,
		chunks:    make([]chunk, 0, cfg.MaxChunks),
		listeners: make(map[uuid.UUID]*Listener),
		stopCh:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.cleanupLoop()
	return b
}

// Subscribe attaches a listener positioned at the live edge, so it
// receives only chunks written after this call.
func (b *Broadcast) Subscribe(userAgent, remoteAddr string) (*Listener, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrBroadcastClosed
	}
	seq := b.sequence.Load()
	b.mu.RUnlock()

	l := newListener(userAgent, remoteAddr)
	l.cursor.Store(seq)

	b.listenersMu.Lock()
	b.listeners[l.ID] = l
	b.listenersMu.Unlock()
	return l, nil
}

// Unsubscribe detaches a listener.
func (b *Broadcast) Unsubscribe(id uuid.UUID) bool {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	if _, ok := b.listeners[id]; ok {
		delete(b.listeners, id)
		return true
	}
	return false
}

// ListenerCount returns the number of attached listeners.
func (b *Broadcast) ListenerCount() int {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	return len(b.listeners)
}

// Write appends one chunk and wakes every listener. The bytes are copied:
// the pump reuses its scratch buffer between calls.
func (b *Broadcast) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBroadcastClosed
	}

	data := make([]byte, len(p))
	copy(data, p)

	b.chunks = append(b.chunks, chunk{
		seq:  b.sequence.Add(1),
		data: data,
		at:   time.Now(),
	})
	b.size.Add(int64(len(data)))
	b.written.Add(uint64(len(data)))
	b.enforceLimits()
	b.mu.Unlock()

	b.wakeListeners()
	return len(p), nil
}

// enforceLimits drops the oldest chunks until count and size fit. Caller
// holds the write lock.
func (b *Broadcast) enforceLimits() {
	for len(b.chunks) > b.cfg.MaxChunks {
		b.dropOldest()
	}
	for b.size.Load() > int64(b.cfg.RingSize) && len(b.chunks) > 0 {
		b.dropOldest()
	}
}

func (b *Broadcast) dropOldest() {
	old := b.chunks[0]
	b.chunks = b.chunks[1:]
	b.size.Add(-int64(len(old.data)))
}

func (b *Broadcast) wakeListeners() {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	for _, l := range b.listeners {
		l.wake()
	}
}

// Reset drops all buffered chunks while keeping listeners attached, so a
// stream switch never replays audio from the previous stream.
func (b *Broadcast) Reset() {
	b.mu.Lock()
	b.chunks = b.chunks[:0]
	b.size.Store(0)
	b.mu.Unlock()
}

// read returns all chunks past the listener's cursor and advances it.
func (b *Broadcast) read(l *Listener) [][]byte {
	cursor := l.cursor.Load()

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out [][]byte
	for _, c := range b.chunks {
		if c.seq > cursor {
			out = append(out, c.data)
			l.cursor.Store(c.seq)
			l.bytesRead.Add(uint64(len(c.data)))
		}
	}
	if len(out) > 0 {
		l.touch()
	}
	return out
}

// readWait returns new chunks for l, blocking until data arrives, ctx is
// done, or the broadcast closes.
func (b *Broadcast) readWait(ctx context.Context, l *Listener) ([][]byte, error) {
	for {
		if out := b.read(l); len(out) > 0 {
			return out, nil
		}
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
		b.mu.RLock()
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return nil, ErrBroadcastClosed
		}
	}
}

func (b *Broadcast) cleanupLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.dropExpiredChunks()
			b.dropStalledListeners()
		}
	}
}

func (b *Broadcast) dropExpiredChunks() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for len(b.chunks) > 0 && now.Sub(b.chunks[0].at) > b.cfg.ChunkTTL {
		b.dropOldest()
	}
}

func (b *Broadcast) dropStalledListeners() {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	for id, l := range b.listeners {
		if l.stale(b.cfg.ListenerTimeout) {
			delete(b.listeners, id)
		}
	}
}

// Close stops the cleanup loop and wakes every blocked listener; their
// next read returns ErrBroadcastClosed.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)

	b.listenersMu.RLock()
	for _, l := range b.listeners {
		l.wake()
	}
	b.listenersMu.RUnlock()

	b.wg.Wait()
	return nil
}

// Stats reports ring and listener state for the status API.
func (b *Broadcast) Stats() BroadcastStats {
	b.mu.RLock()
	chunkCount := len(b.chunks)
	closed := b.closed
	b.mu.RUnlock()

	b.listenersMu.RLock()
	listeners := make([]ListenerStats, 0, len(b.listeners))
	for _, l := range b.listeners {
		l.lastReadMu.RLock()
		lastRead := l.lastRead
		l.lastReadMu.RUnlock()
		listeners = append(listeners, ListenerStats{
			ID:          l.ID.String(),
			BytesRead:   l.BytesRead(),
			ConnectedAt: l.ConnectedAt,
			LastRead:    lastRead,
			UserAgent:   l.UserAgent,
			RemoteAddr:  l.RemoteAddr,
		})
	}
	b.listenersMu.RUnlock()

	return BroadcastStats{
		Chunks:        chunkCount,
		BufferedBytes: b.size.Load(),
		WrittenBytes:  b.written.Load(),
		ListenerCount: len(listeners),
		Listeners:     listeners,
		Closed:        closed,
	}
}

// BroadcastStats is a point-in-time snapshot of the ring.
type BroadcastStats struct {
	Chunks        int             `json:"chunks"`
	BufferedBytes int64           `json:"buffered_bytes"`
	WrittenBytes  uint64          `json:"written_bytes"`
	ListenerCount int             `json:"listener_count"`
	Listeners     []ListenerStats `json:"listeners,omitempty"`
	Closed        bool            `json:"closed"`
}

// ListenerStats describes one attached listener.
type ListenerStats struct {
	ID          string    `json:"id"`
	BytesRead   uint64    `json:"bytes_read"`
	ConnectedAt time.Time `json:"connected_at"`
	LastRead    time.Time `json:"last_read"`
	UserAgent   string    `json:"user_agent,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
}

// ListenerReader adapts a listener to io.Reader for HTTP delivery.
type ListenerReader struct {
	b       *Broadcast
	l       *Listener
	pending []byte
}

// NewListenerReader wraps l for sequential reads from b.
func NewListenerReader(b *Broadcast, l *Listener) *ListenerReader {
	return &ListenerReader{b: b, l: l}
}

func (r *ListenerReader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext reads the next run of audio bytes, blocking until data is
// available or ctx is done.
func (r *ListenerReader) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}

	chunks, err := r.b.readWait(ctx, r.l)
	if err != nil {
		return 0, err
	}
	for _, c := range chunks {
		r.pending = append(r.pending, c...)
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
