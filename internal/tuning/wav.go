package tuning

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned when the input lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("tuning: not a wav file")

// ErrUnsupportedWAV is returned for WAV files that are not 16-bit PCM.
var ErrUnsupportedWAV = errors.New("tuning: unsupported wav format")

const wavHeaderSize = 44

// WriteWAV writes samples as a mono 16-bit PCM WAV at SampleRate, using
// the canonical 44-byte header.
func WriteWAV(w io.Writer, samples []int16) error {
	dataSize := len(samples) * 2

	var hdr [wavHeaderSize]byte
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+dataSize))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:], SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:], SampleRate*2)
	binary.LittleEndian.PutUint16(hdr[32:], 2)  // block align
	binary.LittleEndian.PutUint16(hdr[34:], 16) // bits per sample
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(dataSize))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, dataSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	_, err := w.Write(buf)
	return err
}

// ReadWAV parses a 16-bit PCM WAV, returning its samples and sample rate.
// Unknown chunks are skipped; of a multi-channel file only the first
// channel is kept.
func ReadWAV(r io.Reader) ([]int16, int, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate int
		channels   int
		haveFmt    bool
	)
	for {
		var chunkHdr [8]byte
		if _, err := io.ReadFull(r, chunkHdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, fmt.Errorf("%w: no data chunk", ErrNotWAV)
			}
			return nil, 0, err
		}
		id := string(chunkHdr[0:4])
		size := binary.LittleEndian.Uint32(chunkHdr[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, err
			}
			if size < 16 {
				return nil, 0, ErrUnsupportedWAV
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 || channels < 1 {
				return nil, 0, ErrUnsupportedWAV
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, err
			}
			frame := channels * 2
			samples := make([]int16, 0, int(size)/frame)
			for off := 0; off+frame <= len(body); off += frame {
				samples = append(samples, int16(binary.LittleEndian.Uint16(body[off:])))
			}
			return samples, sampleRate, nil

		default:
			// Chunks are word aligned; odd sizes carry a pad byte.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, 0, err
			}
		}
	}
}
