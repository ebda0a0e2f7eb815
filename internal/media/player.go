package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	mp3 "github.com/hajimehoshi/go-mp3"
)

const (
	// DefaultFramesPerBuffer is the output device buffer size in frames.
	DefaultFramesPerBuffer = 2048

	// MaxVolume caps the output gain.
	MaxVolume = 2.0

	playerChannels = 2
	bytesPerSample = 2
)

// PlayerConfig configures the local audio player.
type PlayerConfig struct {
	// FramesPerBuffer is the device buffer size in sample frames.
	FramesPerBuffer int
	// Volume is the initial gain, 0.0 to MaxVolume.
	Volume float64
	// Logger receives playback lifecycle events.
	Logger *slog.Logger
}

// Player decodes an MP3 byte stream and plays it on the default output
// device. Bytes are supplied through Write; the decode loop paces itself
// against the device, so writes apply natural backpressure at playback
// speed.
type Player struct {
	framesPerBuffer int
	logger          *slog.Logger

	pr *io.PipeReader
	pw *io.PipeWriter

	volumeBits atomic.Uint64

	mu     sync.Mutex
	paused bool
	stream *portaudio.Stream

	resumeCh chan struct{}
	quit     chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// NewPlayer creates a player. No audio resources are touched until Start.
func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pr, pw := io.Pipe()
	p := &Player{
		framesPerBuffer: cfg.FramesPerBuffer,
		logger:          cfg.Logger,
		pr:              pr,
		pw:              pw,
		resumeCh:        make(chan struct{}, 1),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	p.SetVolume(cfg.Volume)
	return p
}

// Write feeds encoded MP3 bytes to the decoder. It blocks while the
// device buffer is full and fails once the player has stopped.
func (p *Player) Write(b []byte) (int, error) {
	return p.pw.Write(b)
}

// Start initializes the audio device and begins the decode loop. It
// returns immediately; decode or device errors are reported through Done
// and Err.
func (p *Player) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run()
	})
}

// Done is closed when the decode loop has finished, whether by stream end,
// Close, or a device failure.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// Err returns the terminal playback error, nil after a clean stop.
func (p *Player) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Player) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// SetVolume sets the output gain, clamped to [0, MaxVolume].
func (p *Player) SetVolume(v float64) {
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	if v > MaxVolume {
		v = MaxVolume
	}
	p.volumeBits.Store(math.Float64bits(v))
}

// Volume returns the current output gain.
func (p *Player) Volume() float64 {
	return math.Float64frombits(p.volumeBits.Load())
}

// Pause halts the output device without tearing the pipeline down.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	if p.stream != nil {
		_ = p.stream.Stop()
	}
}

// Resume restarts a paused device.
func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	if p.stream != nil {
		_ = p.stream.Start()
	}
	select {
	case p.resumeCh <- struct{}{}:
	default:
	}
}

// Paused reports whether the output device is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Close stops the decode loop and releases the device. Safe to call more
// than once and before Start.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		_ = p.pw.Close()
	})
	if p.started.Load() {
		<-p.done
	}
	return p.Err()
}

func (p *Player) run() {
	defer close(p.done)

	err := p.play()
	if err != nil {
		p.setErr(err)
		p.logger.Error("local playback stopped", slog.Any("error", err))
	}
	// Unblock any writer still feeding the pipe.
	p.pr.CloseWithError(io.ErrClosedPipe)
}

func (p *Player) play() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize audio: %w", err)
	}
	defer portaudio.Terminate()

	// The decoder reads frame headers before returning, so this blocks
	// until the first audio bytes arrive.
	dec, err := mp3.NewDecoder(p.pr)
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("open decoder: %w", err)
	}

	out := make([]int16, p.framesPerBuffer*playerChannels)
	stream, err := portaudio.OpenDefaultStream(0, playerChannels, float64(dec.SampleRate()), p.framesPerBuffer, out)
	if err != nil {
		return fmt.Errorf("open output device: %w", err)
	}
	defer stream.Close()

	p.mu.Lock()
	p.stream = stream
	paused := p.paused
	p.mu.Unlock()

	if !paused {
		if err := stream.Start(); err != nil {
			return fmt.Errorf("start output device: %w", err)
		}
	}
	defer stream.Stop()

	p.logger.Info("local playback started",
		slog.Int("sample_rate", dec.SampleRate()),
		slog.Int("frames_per_buffer", p.framesPerBuffer))

	buf := make([]byte, len(out)*bytesPerSample)
	for {
		if !p.waitResumed() {
			return nil
		}

		n, err := io.ReadFull(dec, buf)
		if n > 0 {
			scalePCM(out, buf[:n], p.Volume())
			for i := n / bytesPerSample; i < len(out); i++ {
				out[i] = 0
			}
			if werr := stream.Write(); werr != nil {
				p.logger.Debug("output device write", slog.Any("error", werr))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("decode: %w", err)
		}
	}
}

// waitResumed blocks while the player is paused. It returns false when the
// player is closing.
func (p *Player) waitResumed() bool {
	for {
		select {
		case <-p.quit:
			return false
		default:
		}

		p.mu.Lock()
		paused := p.paused
		p.mu.Unlock()
		if !paused {
			return true
		}

		select {
		case <-p.resumeCh:
		case <-p.quit:
			return false
		}
	}
}

// scalePCM applies gain to little-endian 16-bit samples, clipping at the
// int16 range.
func scalePCM(dst []int16, src []byte, gain float64) {
	samples := len(src) / bytesPerSample
	for i := 0; i < samples && i < len(dst); i++ {
		s := float64(int16(binary.LittleEndian.Uint16(src[i*bytesPerSample:]))) * gain
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		dst[i] = int16(s)
	}
}
