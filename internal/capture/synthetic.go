package capture

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/terminus/agent/internal/wav"
)

// SyntheticSource generates a 16-bit sine tone. It stands in for a
// microphone on hosts without one and in tests.
type SyntheticSource struct {
	// Frequency of the tone in Hz; 0 produces silence.
	Frequency float64
	// Amplitude in 0..1 of full scale.
	Amplitude float64
	// Limit caps the total bytes produced across all streams; 0 is
	// unlimited. The loop may drop the tail of a read that overshoots its
	// chunk, so produced bytes can exceed what ends up in chunks.
	// Streams opened after the limit is reached return io.EOF at once.
	Limit int64
	// Realtime paces reads to the format's byte rate.
	Realtime bool

	emitted atomic.Int64
}

func (s *SyntheticSource) MinBufferSize(f wav.Format) int {
	return bufferFor(f, minBufferMillis)
}

func (s *SyntheticSource) Open(ctx context.Context, f wav.Format, _ int) (Stream, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &toneStream{src: s, ctx: ctx, format: f, opened: time.Now()}, nil
}

// Emitted returns the bytes produced so far across all streams, including
// any tail the caller discarded. Safe to call while a stream is read.
func (s *SyntheticSource) Emitted() int64 { return s.emitted.Load() }

type toneStream struct {
	src    *SyntheticSource
	ctx    context.Context
	format wav.Format
	opened time.Time
	frame  uint64
	bytes  int64
	closed bool
}

func (t *toneStream) Read(p []byte) (int, error) {
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	if err := t.ctx.Err(); err != nil {
		return 0, io.EOF
	}

	align := int(t.format.BlockAlign())
	n := len(p) - len(p)%align
	if t.src.Limit > 0 {
		left := t.src.Limit - t.src.emitted.Load()
		if left <= 0 {
			return 0, io.EOF
		}
		if int64(n) > left {
			n = int(left)
		}
	}
	if n == 0 {
		return 0, nil
	}

	if t.src.Realtime {
		due := t.opened.Add(time.Duration(float64(t.bytes+int64(n)) / float64(t.format.ByteRate()) * float64(time.Second)))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-t.ctx.Done():
				timer.Stop()
				return 0, io.EOF
			case <-timer.C:
			}
		}
	}

	t.fill(p[:n])
	t.bytes += int64(n)
	t.src.emitted.Add(int64(n))
	return n, nil
}

// fill writes whole frames of the tone, the same sample on every channel.
// Bit depths other than 16 are emitted as silence.
func (t *toneStream) fill(p []byte) {
	bps := t.format.BytesPerSample()
	align := int(t.format.BlockAlign())
	rate := float64(t.format.SampleRate)
	amp := math.Max(0, math.Min(1, t.src.Amplitude)) * math.MaxInt16

	for off := 0; off+align <= len(p); off += align {
		var sample int16
		if t.src.Frequency > 0 {
			sample = int16(amp * math.Sin(2*math.Pi*t.src.Frequency*float64(t.frame)/rate))
		}
		for ch := 0; ch < int(t.format.Channels); ch++ {
			b := p[off+ch*bps : off+(ch+1)*bps]
			clear(b)
			if bps == 2 {
				binary.LittleEndian.PutUint16(b, uint16(sample))
			}
		}
		t.frame++
	}
	if rem := len(p) % align; rem != 0 {
		clear(p[len(p)-rem:])
	}
}

func (t *toneStream) Close() error {
	t.closed = true
	return nil
}
