package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/terminus/agent/internal/device"
	"github.com/terminus/agent/internal/logging"
	"github.com/terminus/agent/internal/vault"
	"github.com/terminus/agent/internal/wav"
)

// DefaultRetryDelay paces the loop after a chunk that failed or produced no
// audio, so a broken source does not spin.
const DefaultRetryDelay = time.Second

const tempPattern = "terminus-chunk-*.wav"

// State is the loop's position within a chunk.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateFinalizing
	StateSealing
	StateDiscarding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateFinalizing:
		return "finalizing"
	case StateSealing:
		return "sealing"
	case StateDiscarding:
		return "discarding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome is how a chunk ended.
type Outcome string

const (
	OutcomeSealed            Outcome = "sealed"
	OutcomeDiscarded         Outcome = "discarded"
	OutcomeFailed            Outcome = "failed"
	OutcomeSealFailed        Outcome = "seal_failed"
	OutcomePermissionRevoked Outcome = "permission_revoked"
)

// Event reports one finished chunk.
type Event struct {
	Seq     int
	Outcome Outcome
	Start   time.Time
	End     time.Time
	// Bytes is the PCM payload length, excluding the header.
	Bytes int64
	// Pair is set for OutcomeSealed, and for OutcomeSealFailed when the
	// audio reached the vault but its metadata did not.
	Pair *vault.SealedPair
	// Err is the cause for failures. For OutcomeSealed it is the source
	// fault that ended the chunk early, if any.
	Err error
}

// Observer receives chunk events on the capture goroutine.
type Observer func(Event)

// Sealer persists a finished chunk file.
type Sealer interface {
	Seal(chunkPath string, start, end time.Time, info device.Info) (*vault.SealedPair, error)
}

// Config sets the chunk shape.
type Config struct {
	Format        wav.Format
	ChunkDuration time.Duration
	TempDir       string
	// RetryDelay defaults to DefaultRetryDelay; negative disables it.
	RetryDelay time.Duration
}

// TargetBytes is the payload length of a full chunk, frame aligned.
func (c Config) TargetBytes() int64 {
	n := int64(c.Format.ByteRate()) * c.ChunkDuration.Milliseconds() / 1000
	if align := int64(c.Format.BlockAlign()); align > 0 {
		n -= n % align
	}
	return n
}

// Loop records consecutive chunks until the session's running flag clears.
type Loop struct {
	cfg     Config
	source  Source
	gate    PermissionGate
	sealer  Sealer
	observe Observer

	now   func() time.Time
	state atomic.Int32
	seq   int
}

// NewLoop wires a loop. A nil gate means AlwaysGranted; a nil observer
// drops events.
func NewLoop(cfg Config, source Source, gate PermissionGate, sealer Sealer, observe Observer) *Loop {
	if gate == nil {
		gate = AlwaysGranted{}
	}
	if observe == nil {
		observe = func(Event) {}
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Loop{cfg: cfg, source: source, gate: gate, sealer: sealer, observe: observe, now: time.Now}
}

// State returns the current chunk state. Safe to call from any goroutine.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run records chunks while running is true and ctx is live. It returns nil
// on a normal stop and an error wrapping ErrPermissionRevoked when
// recording permission is lost, after clearing running.
func (l *Loop) Run(ctx context.Context, running *atomic.Bool, info device.Info) error {
	if err := l.cfg.Format.Validate(); err != nil {
		return err
	}
	if l.cfg.TargetBytes() <= 0 {
		return fmt.Errorf("capture: chunk duration %s too short", l.cfg.ChunkDuration)
	}

	log := logging.FromContext(ctx)
	buf := make([]byte, l.source.MinBufferSize(l.cfg.Format))

	for running.Load() && ctx.Err() == nil {
		if err := l.gate.Granted(); err != nil {
			running.Store(false)
			l.seq++
			l.observe(Event{Seq: l.seq, Outcome: OutcomePermissionRevoked, Err: err})
			log.Error("recording permission lost, stopping session", logging.KeyError, err.Error())
			return revoked(err)
		}

		ev := l.recordChunk(ctx, running, info, buf, log)
		l.observe(ev)

		if ev.Outcome == OutcomePermissionRevoked {
			running.Store(false)
			return revoked(ev.Err)
		}
		if ev.Err != nil || (ev.Outcome == OutcomeDiscarded && running.Load()) {
			l.pause(ctx)
		}
	}
	return nil
}

func revoked(err error) error {
	if errors.Is(err, ErrPermissionRevoked) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPermissionRevoked, err)
}

func (l *Loop) pause(ctx context.Context) {
	if l.cfg.RetryDelay <= 0 {
		return
	}
	timer := time.NewTimer(l.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// recordChunk runs one chunk from temp file creation to seal or discard.
// The temp file never outlives the call.
func (l *Loop) recordChunk(ctx context.Context, running *atomic.Bool, info device.Info, buf []byte, log *slog.Logger) Event {
	l.seq++
	ev := Event{Seq: l.seq}
	defer l.setState(StateIdle)

	fail := func(err error) Event {
		ev.Outcome = OutcomeFailed
		ev.Err = err
		log.Warn("chunk aborted", "seq", ev.Seq, logging.KeyError, err.Error())
		return ev
	}

	l.setState(StateCapturing)
	stream, err := l.source.Open(ctx, l.cfg.Format, 2*len(buf))
	if err != nil {
		if errors.Is(err, ErrPermissionRevoked) {
			ev.Outcome = OutcomePermissionRevoked
			ev.Err = err
			return ev
		}
		if !errors.Is(err, ErrHardwareAcquisition) {
			err = fmt.Errorf("%w: %v", ErrHardwareAcquisition, err)
		}
		return fail(err)
	}
	closeStream := func() {
		if err := stream.Close(); err != nil {
			log.Debug("closing audio stream", logging.KeyError, err.Error())
		}
	}

	tmp, err := os.CreateTemp(l.cfg.TempDir, tempPattern)
	if err != nil {
		closeStream()
		return fail(fmt.Errorf("%w: create temp file: %v", ErrIO, err))
	}
	tmpClosed := false
	defer func() {
		if !tmpClosed {
			tmp.Close()
		}
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove chunk temp file", "path", tmp.Name(), logging.KeyError, err.Error())
		}
	}()

	w, err := wav.NewWriter(tmp, l.cfg.Format)
	if err != nil {
		closeStream()
		return fail(fmt.Errorf("%w: %v", ErrIO, err))
	}

	ev.Start = l.now().UTC()
	target := l.cfg.TargetBytes()
	var readErr, writeErr error
	for int64(w.DataLen()) < target && running.Load() {
		n, err := stream.Read(buf)
		if n > 0 {
			if left := target - int64(w.DataLen()); int64(n) > left {
				n = int(left)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				writeErr = werr
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	ev.End = l.now().UTC()
	ev.Bytes = int64(w.DataLen())

	closeStream()

	if errors.Is(readErr, ErrPermissionRevoked) {
		ev.Outcome = OutcomePermissionRevoked
		ev.Err = readErr
		return ev
	}
	if writeErr != nil {
		return fail(fmt.Errorf("%w: write chunk: %v", ErrIO, writeErr))
	}

	l.setState(StateFinalizing)
	if err := w.Finalize(); err != nil {
		return fail(fmt.Errorf("%w: finalize chunk: %v", ErrIO, err))
	}
	tmpClosed = true
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("%w: close chunk: %v", ErrIO, err))
	}

	if readErr != nil {
		if !errors.Is(readErr, ErrHardwareAcquisition) {
			readErr = fmt.Errorf("%w: %v", ErrHardwareAcquisition, readErr)
		}
		ev.Err = readErr
		log.Warn("audio source failed mid-chunk", "seq", ev.Seq, logging.KeyError, readErr.Error())
	}

	size := int64(-1)
	if st, err := os.Stat(tmp.Name()); err == nil {
		size = st.Size()
	}
	reachedTarget := ev.Bytes >= target
	if size > wav.HeaderSize && (running.Load() || reachedTarget) {
		l.setState(StateSealing)
		pair, err := l.sealer.Seal(tmp.Name(), ev.Start, ev.End, info)
		ev.Pair = pair
		if err != nil {
			ev.Outcome = OutcomeSealFailed
			ev.Err = err
			log.Error("sealing chunk failed", "seq", ev.Seq, logging.KeyError, err.Error())
			return ev
		}
		ev.Outcome = OutcomeSealed
		return ev
	}

	l.setState(StateDiscarding)
	ev.Outcome = OutcomeDiscarded
	log.Info("chunk discarded", "seq", ev.Seq, "bytes", ev.Bytes, "running", running.Load())
	return ev
}
