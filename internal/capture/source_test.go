package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus/agent/internal/wav"
)

func TestBufferForIsFrameAligned(t *testing.T) {
	assert.Equal(t, 3528, bufferFor(wav.Mono16(44100), 40))
	assert.Equal(t, 2, bufferFor(wav.Mono16(44100), 0))

	stereo := wav.Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	assert.Zero(t, bufferFor(stereo, 40)%4)
}

func TestExecArgs(t *testing.T) {
	f := wav.Mono16(44100)

	t.Run("arecord", func(t *testing.T) {
		name, args, err := NewExecSource(BackendARecord, "hw:1,0").Args(f, 7056)
		require.NoError(t, err)
		assert.Equal(t, "arecord", name)
		assert.Equal(t, []string{
			"-q", "-D", "hw:1,0", "-f", "S16_LE", "-c", "1", "-r", "44100", "-t", "raw",
			"--buffer-size=3528",
		}, args)
	})

	t.Run("ffmpeg", func(t *testing.T) {
		if runtime.GOOS == "darwin" {
			t.Skip("input flags differ on darwin")
		}
		name, args, err := NewExecSource(BackendFFmpeg, "").Args(f, 0)
		require.NoError(t, err)
		assert.Equal(t, "ffmpeg", name)
		assert.Subset(t, args, []string{"-f", "alsa", "-i", "default", "-ar", "44100", "-ac", "1", "pipe:1"})
		assert.Equal(t, "pipe:1", args[len(args)-1])
	})

	t.Run("unsupported", func(t *testing.T) {
		_, _, err := NewExecSource("pulse", "").Args(f, 0)
		assert.ErrorIs(t, err, ErrHardwareAcquisition)

		_, _, err = NewExecSource(BackendFFmpeg, "").Args(wav.Format{SampleRate: 44100, Channels: 1, BitsPerSample: 24}, 0)
		assert.ErrorIs(t, err, ErrHardwareAcquisition)
	})
}

func TestExecOpenMissingBinary(t *testing.T) {
	src := NewExecSource(BackendARecord, "")
	src.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	_, err := src.Open(context.Background(), wav.Mono16(44100), 0)
	assert.ErrorIs(t, err, ErrHardwareAcquisition)
}

// shSource runs script under sh in place of the recorder binary.
func shSource(t *testing.T, script string) *ExecSource {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	src := NewExecSource(BackendARecord, "")
	src.lookPath = func(string) (string, error) { return sh, nil }
	src.command = func(ctx context.Context, name string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, name, "-c", script)
	}
	return src
}

func TestExecStreamReadsStdout(t *testing.T) {
	src := shSource(t, "printf 'abcd'")
	stream, err := src.Open(context.Background(), wav.Mono16(44100), 0)
	require.NoError(t, err)
	defer stream.Close()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
}

func TestExecStreamClassifiesExit(t *testing.T) {
	t.Run("permission denied", func(t *testing.T) {
		src := shSource(t, "echo 'audio open error: Permission denied' >&2; exit 1")
		stream, err := src.Open(context.Background(), wav.Mono16(44100), 0)
		require.NoError(t, err)
		defer stream.Close()

		_, err = io.ReadAll(stream)
		assert.ErrorIs(t, err, ErrPermissionRevoked)
	})

	t.Run("device failure", func(t *testing.T) {
		src := shSource(t, "echo 'No such device' >&2; exit 1")
		stream, err := src.Open(context.Background(), wav.Mono16(44100), 0)
		require.NoError(t, err)
		defer stream.Close()

		_, err = io.ReadAll(stream)
		assert.ErrorIs(t, err, ErrHardwareAcquisition)
		assert.Contains(t, err.Error(), "No such device")
	})
}

func TestExecStreamCancelIsCleanEOF(t *testing.T) {
	src := shSource(t, "exec sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := src.Open(ctx, wav.Mono16(44100), 0)
	require.NoError(t, err)

	cancel()
	n, err := stream.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, io.EOF), "got %v", err)
	assert.NoError(t, stream.Close())
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := &tailBuffer{limit: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}

func TestSyntheticSourceLimit(t *testing.T) {
	src := &SyntheticSource{Frequency: 2000, Amplitude: 1, Limit: 10}
	f := wav.Mono16(8000)

	stream, err := src.Open(context.Background(), f, 0)
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Len(t, data, 10)
	assert.EqualValues(t, 10, src.Emitted())

	// Quarter-period samples of a 2 kHz tone at 8 kHz: 0, +peak, 0, -peak.
	sample := func(i int) int16 { return int16(binary.LittleEndian.Uint16(data[2*i:])) }
	assert.Zero(t, sample(0))
	assert.Greater(t, sample(1), int16(30000))
	assert.Less(t, sample(3), int16(-30000))

	next, err := src.Open(context.Background(), f, 0)
	require.NoError(t, err)
	n, err := next.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyntheticSourceEmittedUnderConcurrentReads(t *testing.T) {
	src := &SyntheticSource{Frequency: 440, Amplitude: 0.5}
	f := wav.Mono16(8000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total int64
	for i := 0; i < 2; i++ {
		stream, err := src.Open(context.Background(), f, 0)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64)
			for j := 0; j < 100; j++ {
				n, _ := stream.Read(buf)
				mu.Lock()
				total += int64(n)
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, src.Emitted(), int64(0))
	}
	wg.Wait()
	assert.Equal(t, total, src.Emitted())
	assert.EqualValues(t, 2*100*64, src.Emitted())
}

func TestSyntheticSourceRejectsBadFormat(t *testing.T) {
	_, err := (&SyntheticSource{}).Open(context.Background(), wav.Format{}, 0)
	assert.ErrorIs(t, err, wav.ErrInvalidFormat)
}

func TestSyntheticStreamClosed(t *testing.T) {
	stream, err := (&SyntheticSource{}).Open(context.Background(), wav.Mono16(8000), 0)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	_, err = stream.Read(make([]byte, 4))
	assert.Error(t, err)
}

func TestDeviceAccessGate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("device nodes are a unix concept")
	}
	assert.NoError(t, DeviceAccessGate{}.Granted())
	assert.NoError(t, DeviceAccessGate{Path: filepath.Join(t.TempDir(), "absent")}.Granted())

	dir := t.TempDir()
	node := filepath.Join(dir, "pcmC0D0c")
	require.NoError(t, os.WriteFile(node, nil, 0o600))
	assert.NoError(t, DeviceAccessGate{Path: dir}.Granted())
	assert.NoError(t, DeviceAccessGate{Path: node}.Granted())

	if os.Geteuid() == 0 {
		t.Skip("root bypasses access checks")
	}
	require.NoError(t, os.Chmod(node, 0o000))
	t.Cleanup(func() { os.Chmod(node, 0o600) })
	assert.ErrorIs(t, DeviceAccessGate{Path: node}.Granted(), ErrPermissionRevoked)
	assert.ErrorIs(t, DeviceAccessGate{Path: dir}.Granted(), ErrPermissionRevoked)
}
