package tactile

import (
	"time"

	"workbench/internal/logging"
)

// AuditEventType identifies a point in an execution's life.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent is emitted to the audit callback of an executor.
type AuditEvent struct {
	Type      AuditEventType   `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Command   Command          `json:"command"`
	Result    *ExecutionResult `json:"result,omitempty"`
	Executor  string           `json:"executor"`
	Error     string           `json:"error,omitempty"`
}

// auditor holds an optional audit callback.
type auditor struct {
	callback func(AuditEvent)
}

func (a *auditor) emit(event AuditEvent) {
	if a.callback != nil {
		a.callback(event)
	}
}

// LogAuditEvent writes an audit event to the tactile log category. It can be
// installed directly as an audit callback.
func LogAuditEvent(e AuditEvent) {
	log := logging.Get(logging.CategoryTactile).With(
		"request_id", e.Command.RequestID,
		"executor", e.Executor,
		"event", string(e.Type),
	)
	switch e.Type {
	case AuditEventStart:
		log.Debug("exec start: %s", e.Command)
	case AuditEventComplete:
		if e.Result != nil {
			log.Info("exec complete: %s exit=%d duration=%dms truncated=%v",
				e.Command, e.Result.ExitCode, e.Result.DurationMs, e.Result.Truncated)
		}
	case AuditEventKilled:
		reason := ""
		if e.Result != nil {
			reason = e.Result.KillReason
		}
		log.Warn("exec killed: %s (%s)", e.Command, reason)
	case AuditEventError:
		log.Error("exec error: %s: %s", e.Command, e.Error)
	}
}
