package capture

import (
	"context"
	"io"

	"github.com/terminus/agent/internal/wav"
)

// minBufferMillis is the read granularity recommended for live sources.
const minBufferMillis = 40

// Source is a hardware (or simulated) PCM input. Each chunk opens a fresh
// Stream and closes it before the next chunk begins.
type Source interface {
	// MinBufferSize is the smallest read size the source recommends for f.
	MinBufferSize(f wav.Format) int
	// Open acquires the input. ringBytes sizes the source's internal
	// buffer; the loop passes twice the min buffer size.
	Open(ctx context.Context, f wav.Format, ringBytes int) (Stream, error)
}

// Stream yields raw little-endian PCM in f's layout. Read blocks until
// data is available; io.EOF ends the chunk early.
type Stream interface {
	io.ReadCloser
}

// bufferFor returns ms milliseconds of audio in f, frame aligned.
func bufferFor(f wav.Format, ms int) int {
	n := int(f.ByteRate()) * ms / 1000
	align := int(f.BlockAlign())
	if align > 0 {
		n -= n % align
	}
	if n < align {
		n = align
	}
	return n
}
