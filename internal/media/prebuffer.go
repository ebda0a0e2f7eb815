package media

import (
	"io"
	"sync"
	"sync/atomic"
)

// DefaultPrebufferBytes is how much audio must accumulate before playback
// is considered safe to start without an immediate underrun.
const DefaultPrebufferBytes = 64 * 1024

// Prebuffer passes writes through to the next writer while counting bytes;
// once the threshold is crossed it closes its Ready channel. The session
// controller uses that edge for the buffering-to-playing transition.
type Prebuffer struct {
	next      io.Writer
	threshold int64

	seen  atomic.Int64
	once  sync.Once
	ready chan struct{}
}

// NewPrebuffer wraps next with a readiness threshold. A zero or negative
// threshold falls back to DefaultPrebufferBytes.
func NewPrebuffer(next io.Writer, threshold int) *Prebuffer {
	if threshold <= 0 {
		threshold = DefaultPrebufferBytes
	}
	return &Prebuffer{
		next:      next,
		threshold: int64(threshold),
		ready:     make(chan struct{}),
	}
}

func (p *Prebuffer) Write(b []byte) (int, error) {
	n, err := p.next.Write(b)
	if n > 0 && p.seen.Add(int64(n)) >= p.threshold {
		p.once.Do(func() { close(p.ready) })
	}
	return n, err
}

// Ready is closed once the threshold has been written through.
func (p *Prebuffer) Ready() <-chan struct{} {
	return p.ready
}

// Seen returns how many bytes have been written through so far.
func (p *Prebuffer) Seen() int64 {
	return p.seen.Load()
}
