// Package wav writes canonical 44-byte-header RIFF/WAVE PCM files whose
// payload length is only known once capture ends.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the size of the canonical PCM header.
	HeaderSize = 44

	fmtChunkSize = 16
	pcmFormat    = 1 // WAVE_FORMAT_PCM
	riffOverhead = HeaderSize - 8
)

var (
	ErrInvalidFormat = errors.New("wav: invalid format")
	ErrInvalidHeader = errors.New("wav: invalid header")
	ErrTooLarge      = errors.New("wav: payload exceeds 4 GiB RIFF limit")
)

// Format describes the linear PCM stream stored in the file.
type Format struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
}

// Mono16 is the capture format used by the agent: 16-bit mono linear PCM.
func Mono16(sampleRate uint32) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
}

// BytesPerSample is the size of one sample of one channel.
func (f Format) BytesPerSample() int { return int(f.BitsPerSample / 8) }

// BlockAlign is the size of one frame across all channels.
func (f Format) BlockAlign() uint16 { return f.Channels * (f.BitsPerSample / 8) }

// ByteRate is the number of payload bytes per second of audio.
func (f Format) ByteRate() uint32 { return f.SampleRate * uint32(f.BlockAlign()) }

// Validate rejects parameters that cannot be expressed in a canonical header.
func (f Format) Validate() error {
	switch {
	case f.SampleRate == 0:
		return fmt.Errorf("%w: sample rate is zero", ErrInvalidFormat)
	case f.Channels == 0:
		return fmt.Errorf("%w: channel count is zero", ErrInvalidFormat)
	case f.BitsPerSample == 0 || f.BitsPerSample%8 != 0:
		return fmt.Errorf("%w: bits per sample %d is not a whole number of bytes", ErrInvalidFormat, f.BitsPerSample)
	case uint64(f.SampleRate)*uint64(f.BlockAlign()) > math.MaxUint32:
		return fmt.Errorf("%w: byte rate overflows 32 bits", ErrInvalidFormat)
	}
	return nil
}

// Header encodes the 44-byte header for dataLen payload bytes.
func Header(f Format, dataLen uint32) [HeaderSize]byte {
	var h [HeaderSize]byte
	le := binary.LittleEndian

	copy(h[0:4], "RIFF")
	le.PutUint32(h[4:8], dataLen+riffOverhead)
	copy(h[8:12], "WAVE")

	copy(h[12:16], "fmt ")
	le.PutUint32(h[16:20], fmtChunkSize)
	le.PutUint16(h[20:22], pcmFormat)
	le.PutUint16(h[22:24], f.Channels)
	le.PutUint32(h[24:28], f.SampleRate)
	le.PutUint32(h[28:32], f.ByteRate())
	le.PutUint16(h[32:34], f.BlockAlign())
	le.PutUint16(h[34:36], f.BitsPerSample)

	copy(h[36:40], "data")
	le.PutUint32(h[40:44], dataLen)
	return h
}

// HeaderInfo is a decoded canonical header.
type HeaderInfo struct {
	Format   Format
	RIFFSize uint32
	DataLen  uint32
}

// ParseHeader decodes a canonical 44-byte PCM header.
func ParseHeader(b []byte) (HeaderInfo, error) {
	if len(b) < HeaderSize {
		return HeaderInfo{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(b), HeaderSize)
	}
	le := binary.LittleEndian
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return HeaderInfo{}, fmt.Errorf("%w: missing RIFF/WAVE/fmt/data tags", ErrInvalidHeader)
	}
	if le.Uint32(b[16:20]) != fmtChunkSize || le.Uint16(b[20:22]) != pcmFormat {
		return HeaderInfo{}, fmt.Errorf("%w: not a linear PCM format chunk", ErrInvalidHeader)
	}
	info := HeaderInfo{
		Format: Format{
			Channels:      le.Uint16(b[22:24]),
			SampleRate:    le.Uint32(b[24:28]),
			BitsPerSample: le.Uint16(b[34:36]),
		},
		RIFFSize: le.Uint32(b[4:8]),
		DataLen:  le.Uint32(b[40:44]),
	}
	return info, nil
}

// Writer streams PCM payload into a seekable sink behind a zeroed header
// placeholder, then rewrites the header once the payload length is known.
type Writer struct {
	sink      io.WriteSeeker
	format    Format
	written   uint64
	finalized bool
}

// NewWriter validates f and writes the 44-byte placeholder at the sink's
// current position, which must be offset 0.
func NewWriter(sink io.WriteSeeker, f Format) (*Writer, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var placeholder [HeaderSize]byte
	if _, err := sink.Write(placeholder[:]); err != nil {
		return nil, fmt.Errorf("write header placeholder: %w", err)
	}
	return &Writer{sink: sink, format: f}, nil
}

// Write appends payload bytes.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finalized {
		return 0, errors.New("wav: write after finalize")
	}
	if w.written+uint64(len(p)) > math.MaxUint32-riffOverhead {
		return 0, ErrTooLarge
	}
	n, err := w.sink.Write(p)
	w.written += uint64(n)
	return n, err
}

// DataLen returns the number of payload bytes written so far.
func (w *Writer) DataLen() uint64 { return w.written }

// Format returns the format the writer encodes.
func (w *Writer) Format() Format { return w.format }

// Finalize seeks back to offset 0, overwrites the placeholder with the real
// header, and restores the position to the end of the payload.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}
	h := Header(w.format, uint32(w.written))
	if _, err := w.sink.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to header: %w", err)
	}
	if _, err := w.sink.Write(h[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.sink.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	w.finalized = true
	return nil
}
