// Package icy strips SHOUTcast in-band metadata out of a live audio byte
// stream. Origins that honor the Icy-MetaData request header interleave a
// metadata block into the body every icy-metaint bytes; the reader removes
// those blocks so downstream decoders see pure audio, and surfaces title
// changes through a callback.
package icy

import (
	"io"
	"strings"
)

// maxMetadataSize is the largest possible metadata block: a single length
// byte counts 16-byte units, so 255*16.
const maxMetadataSize = 255 * 16

// Metadata is the parsed content of one in-band metadata block.
type Metadata struct {
	// StreamTitle is the current track title. Empty means the origin
	// published a block without a title.
	StreamTitle string
	// StreamURL is the optional link published alongside the title.
	StreamURL string
}

// Reader filters interleaved metadata blocks out of src. With a zero or
// negative interval it is a transparent pass-through. Reader is not safe
// for concurrent use.
type Reader struct {
	src      io.Reader
	interval int
	onMeta   func(Metadata)

	remain    int
	metaBuf   []byte
	lastBlock string
	sawBlock  bool
}

// NewReader wraps src with an interval taken from the icy-metaint response
// header. onMeta fires once per distinct metadata block, from inside Read.
func NewReader(src io.Reader, interval int, onMeta func(Metadata)) *Reader {
	return &Reader{
		src:      src,
		interval: interval,
		onMeta:   onMeta,
		remain:   interval,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.interval <= 0 {
		return r.src.Read(p)
	}
	if len(p) == 0 {
		return 0, nil
	}

	if r.remain == 0 {
		if err := r.consumeMetadata(); err != nil {
			return 0, err
		}
		r.remain = r.interval
	}

	if len(p) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.src.Read(p)
	r.remain -= n
	return n, err
}

// consumeMetadata reads one length-prefixed metadata block. A zero length
// byte means no change and produces no callback.
func (r *Reader) consumeMetadata() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(r.src, lenByte[:]); err != nil {
		return err
	}
	size := int(lenByte[0]) * 16
	if size == 0 {
		return nil
	}

	if r.metaBuf == nil {
		r.metaBuf = make([]byte, maxMetadataSize)
	}
	block := r.metaBuf[:size]
	if _, err := io.ReadFull(r.src, block); err != nil {
		return err
	}

	// Origins repeat the same block every interval; only a changed block
	// is worth surfacing.
	trimmed := strings.TrimRight(string(block), "\x00")
	if r.sawBlock && trimmed == r.lastBlock {
		return nil
	}
	r.lastBlock = trimmed
	r.sawBlock = true

	if r.onMeta != nil {
		r.onMeta(parseMetadata(trimmed))
	}
	return nil
}

// parseMetadata extracts key='value'; pairs from a metadata block. Values
// may contain apostrophes; a value runs until the next "';" terminator or
// the end of the block.
func parseMetadata(s string) Metadata {
	var md Metadata
	for len(s) > 0 {
		eq := strings.Index(s, "='")
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+2:]

		var val string
		if end := strings.Index(rest, "';"); end >= 0 {
			val = rest[:end]
			s = rest[end+2:]
		} else {
			val = strings.TrimSuffix(rest, "'")
			s = ""
		}

		switch key {
		case "StreamTitle":
			md.StreamTitle = val
		case "StreamUrl", "StreamURL":
			md.StreamURL = val
		}
	}
	return md
}
