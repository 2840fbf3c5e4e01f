package supervisor

import (
	"github.com/terminus/agent/internal/audit"
	"github.com/terminus/agent/internal/capture"
	"github.com/terminus/agent/internal/health"
)

// observe records a chunk event in the audit trail and health monitor. It
// runs on the capture goroutine.
func (s *Supervisor) observe(ev capture.Event) {
	subject := s.recordingID()
	details := map[string]any{"seq": ev.Seq, "bytes": ev.Bytes}
	if ev.Err != nil {
		details["error"] = ev.Err.Error()
	}
	mon := s.opts.Health

	switch ev.Outcome {
	case capture.OutcomeSealed:
		s.sealed.Add(1)
		details["stem"] = ev.Pair.Stem
		details["sizeBytes"] = ev.Pair.Metadata.FileSizeBytes
		details["sha256"] = ev.Pair.Metadata.AudioFileSHA256
		s.opts.Audit.Log(audit.EventChunkSealed, subject, details)
		mon.Update(health.ComponentVault, health.Healthy, "")
		if ev.Err != nil {
			mon.Update(health.ComponentCapture, health.Degraded, ev.Err.Error())
		} else {
			mon.Update(health.ComponentCapture, health.Healthy, "recording")
		}

	case capture.OutcomeDiscarded:
		s.opts.Audit.Log(audit.EventChunkDiscarded, subject, details)
		if ev.Bytes == 0 {
			mon.Update(health.ComponentCapture, health.Degraded, "audio source produced no data")
		}

	case capture.OutcomeFailed:
		s.opts.Audit.Log(audit.EventChunkFailed, subject, details)
		mon.Update(health.ComponentCapture, health.Degraded, errMessage(ev.Err))

	case capture.OutcomeSealFailed:
		if ev.Pair != nil {
			details["stem"] = ev.Pair.Stem
		}
		s.opts.Audit.Log(audit.EventSealFailed, subject, details)
		mon.Update(health.ComponentVault, health.Degraded, errMessage(ev.Err))

	case capture.OutcomePermissionRevoked:
		s.opts.Audit.Log(audit.EventPermissionRevoked, subject, details)
		mon.Update(health.ComponentPermission, health.Unhealthy, errMessage(ev.Err))
	}

	if s.opts.Observer != nil {
		s.opts.Observer(ev)
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
