package icy

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metaBlock encodes content as a length-prefixed metadata block, padded
// with NULs to a 16-byte boundary.
func metaBlock(t *testing.T, content string) []byte {
	t.Helper()
	size := (len(content) + 15) / 16 * 16
	require.LessOrEqual(t, size/16, 255)

	block := make([]byte, 1+size)
	block[0] = byte(size / 16)
	copy(block[1:], content)
	return block
}

func emptyMetaBlock() []byte {
	return []byte{0}
}

func TestRead_PassthroughWithoutInterval(t *testing.T) {
	payload := []byte("raw audio bytes with \x00 and 'quotes';")
	var titles []string
	r := NewReader(bytes.NewReader(payload), 0, func(md Metadata) {
		titles = append(titles, md.StreamTitle)
	})

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Empty(t, titles)
}

func TestRead_StripsMetadataBlocks(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("AAAAAAAA")
	stream.Write(metaBlock(t, "StreamTitle='Song One';"))
	stream.WriteString("BBBBBBBB")
	stream.Write(emptyMetaBlock())
	stream.WriteString("CCCC")

	var titles []string
	r := NewReader(&stream, 8, func(md Metadata) {
		titles = append(titles, md.StreamTitle)
	})

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAABBBBBBBBCCCC", string(got))
	assert.Equal(t, []string{"Song One"}, titles)
}

func TestRead_RepeatedBlocksFireOnce(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("aaaa")
	stream.Write(metaBlock(t, "StreamTitle='Same';"))
	stream.WriteString("bbbb")
	stream.Write(metaBlock(t, "StreamTitle='Same';"))
	stream.WriteString("cccc")
	stream.Write(metaBlock(t, "StreamTitle='Changed';"))
	stream.WriteString("dddd")

	var titles []string
	r := NewReader(&stream, 4, func(md Metadata) {
		titles = append(titles, md.StreamTitle)
	})

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "aaaabbbbccccdddd", string(got))
	assert.Equal(t, []string{"Same", "Changed"}, titles)
}

func TestRead_OneByteReads(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("12345678")
	stream.Write(metaBlock(t, "StreamTitle='Tiny';"))
	stream.WriteString("90")

	var titles []string
	r := NewReader(&stream, 8, func(md Metadata) {
		titles = append(titles, md.StreamTitle)
	})

	got, err := io.ReadAll(iotest.OneByteReader(r))
	require.NoError(t, err)
	assert.Equal(t, "1234567890", string(got))
	assert.Equal(t, []string{"Tiny"}, titles)
}

func TestRead_TruncatedMetadataBlock(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("AAAA")
	// Length byte promises 32 bytes of metadata but the stream ends.
	stream.Write([]byte{2, 'S', 't', 'r'})

	r := NewReader(&stream, 4, nil)
	got, err := io.ReadAll(r)
	assert.Equal(t, "AAAA", string(got))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRead_EmptyTitleStillFires(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("xxxx")
	stream.Write(metaBlock(t, "StreamTitle='';"))
	stream.WriteString("yyyy")

	fired := 0
	var last Metadata
	r := NewReader(&stream, 4, func(md Metadata) {
		fired++
		last = md
	})

	_, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Empty(t, last.StreamTitle)
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Metadata
	}{
		{
			name: "title only",
			in:   "StreamTitle='Artist - Track';",
			want: Metadata{StreamTitle: "Artist - Track"},
		},
		{
			name: "title and url",
			in:   "StreamTitle='Track';StreamUrl='https://radiarr.net';",
			want: Metadata{StreamTitle: "Track", StreamURL: "https://radiarr.net"},
		},
		{
			name: "apostrophe inside value",
			in:   "StreamTitle='Don't Stop Me Now';",
			want: Metadata{StreamTitle: "Don't Stop Me Now"},
		},
		{
			name: "missing terminator",
			in:   "StreamTitle='Cut Off",
			want: Metadata{StreamTitle: "Cut Off"},
		},
		{
			name: "unknown keys ignored",
			in:   "AdBreak='1';StreamTitle='Back';",
			want: Metadata{StreamTitle: "Back"},
		},
		{
			name: "garbage",
			in:   "no pairs here",
			want: Metadata{},
		},
		{
			name: "empty",
			in:   "",
			want: Metadata{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMetadata(tt.in))
		})
	}
}

func TestParseMetadata_LongTitle(t *testing.T) {
	title := strings.Repeat("x", 300)
	got := parseMetadata("StreamTitle='" + title + "';")
	assert.Equal(t, title, got.StreamTitle)
}
