// Package tuning synthesizes the audible artifacts of the dial: short FSK
// signatures that spell out a station identifier in two alternating tones,
// and bursts of wandering static played while retuning. The parameters
// are fixed so signatures encoded by any build decode on every other.
package tuning

import (
	"math"
	"math/rand"
	"time"
)

const (
	// SampleRate is the fixed synthesis rate in Hz.
	SampleRate = 22050

	// BitDuration is the length of one encoded bit.
	BitDuration = 20 * time.Millisecond

	// SamplesPerBit is SampleRate scaled by BitDuration.
	SamplesPerBit = 441

	// Freq0 carries a binary zero.
	Freq0 = 1000.0
	// Freq1 carries a binary one.
	Freq1 = 1500.0

	// DefaultAmplitude is the synthesis amplitude as a fraction of full
	// scale.
	DefaultAmplitude = 0.1
	// DefaultNoise is the uniform dither bound added to every sample.
	DefaultNoise = 0.05

	// staticSegment is the tone length inside a static burst.
	staticSegment = 12 * time.Millisecond

	staticFreqLow  = 500.0
	staticFreqHigh = 1500.0
)

// Config configures a Codec.
type Config struct {
	// Amplitude is the synthesis amplitude, (0, 1]. Defaults to
	// DefaultAmplitude.
	Amplitude float64
	// Noise is the uniform dither bound. Zero selects DefaultNoise; a
	// negative value disables dither.
	Noise float64
	// Rand supplies dither and static frequencies. Defaults to a
	// time-seeded source.
	Rand *rand.Rand
}

// Codec encodes text into FSK audio and decodes it back.
type Codec struct {
	amplitude float64
	noise     float64
	rng       *rand.Rand
}

// New creates a Codec, filling zero config values with defaults.
func New(cfg Config) *Codec {
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		cfg.Amplitude = DefaultAmplitude
	}
	if cfg.Noise == 0 {
		cfg.Noise = DefaultNoise
	} else if cfg.Noise < 0 {
		cfg.Noise = 0
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Codec{
		amplitude: cfg.Amplitude,
		noise:     cfg.Noise,
		rng:       cfg.Rand,
	}
}

// EncodeText renders text as FSK samples: each byte becomes eight bits,
// most significant first, each bit a 20ms tone at Freq0 or Freq1. The
// time base runs continuously across bits so the phase never jumps.
func (c *Codec) EncodeText(text string) []int16 {
	data := []byte(text)
	samples := make([]int16, 0, len(data)*8*SamplesPerBit)

	n := 0
	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			freq := Freq0
			if b>>uint(bit)&1 == 1 {
				freq = Freq1
			}
			for i := 0; i < SamplesPerBit; i++ {
				t := float64(n) / SampleRate
				v := math.Sin(2*math.Pi*freq*t)*c.amplitude + c.dither()
				samples = append(samples, toPCM(v))
				n++
			}
		}
	}
	return samples
}

// DecodeText recovers the text from FSK samples. Each bit window is
// classified by comparing tone energy at the two carrier frequencies;
// trailing partial bytes are dropped.
func (c *Codec) DecodeText(samples []int16) string {
	numBits := len(samples) / SamplesPerBit

	var (
		out  []byte
		cur  byte
		nbit int
	)
	for i := 0; i < numBits; i++ {
		win := samples[i*SamplesPerBit : (i+1)*SamplesPerBit]

		cur <<= 1
		if goertzelPower(win, Freq1) > goertzelPower(win, Freq0) {
			cur |= 1
		}
		nbit++
		if nbit == 8 {
			out = append(out, cur)
			cur, nbit = 0, 0
		}
	}
	return string(out)
}

// Static renders a retuning burst: short segments of random tones between
// the dial's frequency bounds, the sound of sweeping past stations.
func (c *Codec) Static(duration time.Duration) []int16 {
	total := int(duration.Seconds() * SampleRate)
	if total <= 0 {
		return nil
	}
	perSegment := int(staticSegment.Seconds() * SampleRate)

	samples := make([]int16, 0, total)
	n := 0
	for n < total {
		seg := perSegment
		if rest := total - n; rest < seg {
			seg = rest
		}
		freq := staticFreqLow + c.rng.Float64()*(staticFreqHigh-staticFreqLow)
		for i := 0; i < seg; i++ {
			t := float64(n) / SampleRate
			v := math.Sin(2*math.Pi*freq*t)*c.amplitude + c.dither()
			samples = append(samples, toPCM(v))
			n++
		}
	}
	return samples
}

func (c *Codec) dither() float64 {
	if c.noise == 0 {
		return 0
	}
	return (c.rng.Float64()*2 - 1) * c.noise
}

// goertzelPower returns the tone energy at freq over one bit window. A
// single-bin Goertzel filter is exact for the two known carriers, so no
// full spectrum is needed.
func goertzelPower(samples []int16, freq float64) float64 {
	omega := 2 * math.Pi * freq / SampleRate
	coeff := 2 * math.Cos(omega)

	var s1, s2 float64
	for _, x := range samples {
		s0 := coeff*s1 - s2 + float64(x)
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

// toPCM converts a [-1, 1] sample to 16-bit PCM, clipping out-of-range
// values.
func toPCM(v float64) int16 {
	v *= math.MaxInt16
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
