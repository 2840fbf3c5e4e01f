package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/terminus/agent/internal/wav"
)

// Backends supported by ExecSource.
const (
	BackendFFmpeg  = "ffmpeg"
	BackendARecord = "arecord"
)

// stderrLimit bounds the diagnostic output kept from the recorder process.
const stderrLimit = 4096

// ExecSource records through an external recorder process that writes raw
// signed little-endian PCM to stdout.
type ExecSource struct {
	Backend string
	Device  string

	// command builds the process; exec.CommandContext unless overridden in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
	// lookPath resolves the binary; exec.LookPath unless overridden in tests.
	lookPath func(file string) (string, error)
}

// NewExecSource returns a source for the given backend and input device.
func NewExecSource(backend, device string) *ExecSource {
	if device == "" {
		device = "default"
	}
	return &ExecSource{
		Backend:  backend,
		Device:   device,
		command:  exec.CommandContext,
		lookPath: exec.LookPath,
	}
}

func (s *ExecSource) MinBufferSize(f wav.Format) int {
	return bufferFor(f, minBufferMillis)
}

// Args returns the binary and arguments used to capture f.
func (s *ExecSource) Args(f wav.Format, ringBytes int) (string, []string, error) {
	if f.BitsPerSample != 16 {
		return "", nil, fmt.Errorf("%w: %s backend only supports 16-bit capture", ErrHardwareAcquisition, s.Backend)
	}
	rate := strconv.FormatUint(uint64(f.SampleRate), 10)
	channels := strconv.Itoa(int(f.Channels))

	switch s.Backend {
	case BackendFFmpeg:
		input := []string{"-f", "alsa", "-i", s.Device}
		if runtime.GOOS == "darwin" {
			input = []string{"-f", "avfoundation", "-i", ":" + s.Device}
		}
		args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
		args = append(args, input...)
		args = append(args,
			"-ac", channels,
			"-ar", rate,
			"-acodec", "pcm_s16le",
			"-f", "s16le",
			"pipe:1",
		)
		return "ffmpeg", args, nil
	case BackendARecord:
		args := []string{"-q", "-D", s.Device, "-f", "S16_LE", "-c", channels, "-r", rate, "-t", "raw"}
		if align := int(f.BlockAlign()); ringBytes > 0 && align > 0 {
			args = append(args, "--buffer-size="+strconv.Itoa(ringBytes/align))
		}
		return "arecord", args, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown backend %q", ErrHardwareAcquisition, s.Backend)
	}
}

func (s *ExecSource) Open(ctx context.Context, f wav.Format, ringBytes int) (Stream, error) {
	name, args, err := s.Args(f, ringBytes)
	if err != nil {
		return nil, err
	}
	path, err := s.lookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrHardwareAcquisition, name, err)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := s.command(procCtx, path, args...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrHardwareAcquisition, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrHardwareAcquisition, name, err)
	}

	return &execStream{ctx: procCtx, cmd: cmd, stdout: stdout, stderr: stderr, cancel: cancel, name: name}, nil
}

type execStream struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	cancel context.CancelFunc
	name   string

	waitOnce sync.Once
	waitErr  error
}

func (e *execStream) Read(p []byte) (int, error) {
	n, err := e.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if err != io.EOF {
		return n, fmt.Errorf("%w: read %s: %v", ErrHardwareAcquisition, e.name, err)
	}

	// Recorder closed its stdout; classify by how it exited. A process we
	// killed on stop is a clean end of stream.
	if werr := e.wait(); werr != nil && e.ctx.Err() == nil {
		msg := e.stderr.String()
		if isPermissionDenied(msg) {
			return n, fmt.Errorf("%w: %s: %s", ErrPermissionRevoked, e.name, msg)
		}
		return n, fmt.Errorf("%w: %s exited: %v: %s", ErrHardwareAcquisition, e.name, werr, msg)
	}
	return n, io.EOF
}

func (e *execStream) Close() error {
	e.cancel()
	err := e.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed by cancel; not a failure of the chunk.
		return nil
	}
	return err
}

func (e *execStream) wait() error {
	e.waitOnce.Do(func() {
		e.waitErr = e.cmd.Wait()
	})
	return e.waitErr
}

func isPermissionDenied(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "permission denied") || strings.Contains(s, "operation not permitted")
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
