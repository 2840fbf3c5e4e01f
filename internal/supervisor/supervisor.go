// Package supervisor owns the lifecycle of capture sessions: it starts the
// single capture worker, stops it with a bounded wait, and fans chunk
// events out to the audit trail and health monitor.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/terminus/agent/internal/audit"
	"github.com/terminus/agent/internal/capture"
	"github.com/terminus/agent/internal/device"
	"github.com/terminus/agent/internal/health"
	"github.com/terminus/agent/internal/logging"
)

var log = logging.L("supervisor")

// DefaultStopTimeout bounds how long Stop waits for the worker to exit.
const DefaultStopTimeout = time.Second

// Runner records chunks until running clears. *capture.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, running *atomic.Bool, info device.Info) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, running *atomic.Bool, info device.Info) error

func (f RunnerFunc) Run(ctx context.Context, running *atomic.Bool, info device.Info) error {
	return f(ctx, running, info)
}

// Options configures a Supervisor. Audit may be nil.
type Options struct {
	StopTimeout time.Duration
	Audit       *audit.Logger
	Health      *health.Monitor
	// Observer, if set, receives every chunk event after the supervisor
	// has recorded it.
	Observer capture.Observer
}

type session struct {
	id      string
	info    device.Info
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started time.Time
}

// Supervisor runs at most one capture worker at a time.
type Supervisor struct {
	runner Runner
	opts   Options

	mu      sync.Mutex
	current *session
	// recording is the session whose worker is inside Run; it lags current
	// while a new session waits on a stale worker.
	recording *session
	// sealed counts chunks sealed across all sessions.
	sealed atomic.Int64
}

// New builds the runner with the supervisor's observer and returns the
// supervisor. build is called once.
func New(build func(observe capture.Observer) Runner, opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	s := &Supervisor{opts: opts}
	s.runner = build(s.observe)
	return s
}

// Start spawns a capture worker for info and returns at once. It returns
// false, doing nothing, if a session is already running. If a previous
// worker outlived its bounded stop, the new worker waits for it to exit
// before recording, so only one worker ever runs.
func (s *Supervisor) Start(info device.Info) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	if prev != nil && prev.running.Load() {
		return false
	}

	sess := &session{
		id:      uuid.NewString(),
		info:    info,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	sess.running.Store(true)

	sessLog := logging.WithSession(logging.L("capture"), sess.id, info.DeviceID)
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), sessLog))
	sess.cancel = cancel
	s.current = sess

	s.opts.Health.Update(health.ComponentCapture, health.Healthy, "recording")
	s.opts.Health.Update(health.ComponentPermission, health.Healthy, "")
	s.opts.Audit.Log(audit.EventSessionStart, sess.id, map[string]any{
		"deviceId":  info.DeviceID,
		"osVersion": info.OSVersion,
	})
	log.Info("capture session starting", logging.KeySessionID, sess.id, logging.KeyDeviceID, info.DeviceID)

	var stale <-chan struct{}
	if prev != nil {
		stale = prev.done
	}
	go s.work(ctx, sess, stale)
	return true
}

func (s *Supervisor) work(ctx context.Context, sess *session, stale <-chan struct{}) {
	defer close(sess.done)
	defer sess.cancel()

	if stale != nil {
		select {
		case <-stale:
		default:
			log.Warn("waiting for previous capture worker to exit", logging.KeySessionID, sess.id)
			<-stale
		}
	}

	var err error
	if sess.running.Load() && ctx.Err() == nil {
		s.mu.Lock()
		s.recording = sess
		s.mu.Unlock()
		err = s.runner.Run(ctx, &sess.running, sess.info)
	}
	sess.running.Store(false)

	s.mu.Lock()
	sess.err = err
	s.mu.Unlock()

	reason := "stopped"
	if err != nil {
		reason = err.Error()
		if errors.Is(err, capture.ErrPermissionRevoked) {
			reason = "permission_revoked"
		}
		s.opts.Health.Update(health.ComponentCapture, health.Unhealthy, err.Error())
	} else {
		s.opts.Health.Update(health.ComponentCapture, health.Healthy, "idle")
	}

	elapsed := time.Since(sess.started)
	s.opts.Audit.Log(audit.EventSessionStop, sess.id, map[string]any{
		"reason":     reason,
		"durationMs": elapsed.Milliseconds(),
	})
	log.Info("capture session ended", logging.KeySessionID, sess.id, "reason", reason, logging.KeyDurationMs, elapsed.Milliseconds())
}

// Stop clears the running flag, cancels in-flight reads and waits up to
// StopTimeout for the worker. It returns false if no session was running.
// A worker that outlives the wait is abandoned; it finishes its current
// chunk, discarding it, and exits on its own.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	sess := s.current
	if sess == nil || !sess.running.Load() {
		s.mu.Unlock()
		return false
	}
	sess.running.Store(false)
	sess.cancel()
	s.mu.Unlock()

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-sess.done:
	case <-timer.C:
		log.Warn("capture worker did not exit in time, abandoning join",
			logging.KeySessionID, sess.id, "timeout", s.opts.StopTimeout.String())
	}
	return true
}

// Running reports whether a session is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.running.Load()
}

// Done is closed when the current session's worker exits. It returns nil
// before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.done
}

// Err returns the error the last finished session ended with.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.err
}

// SessionID returns the id of the current or last session.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}

// recordingID returns the id of the session whose worker is recording.
func (s *Supervisor) recordingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording == nil {
		return ""
	}
	return s.recording.id
}

// Health returns the monitor the supervisor reports into.
func (s *Supervisor) Health() *health.Monitor { return s.opts.Health }

// Sealed returns the number of chunks sealed since the supervisor was created.
func (s *Supervisor) Sealed() int64 { return s.sealed.Load() }
