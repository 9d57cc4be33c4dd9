package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"workbench/internal/logging"
	"workbench/internal/metrics"
)

// Loop runs repair sessions. The zero value uses DefaultMaxAttempts and the
// default inspector.
type Loop struct {
	// MaxAttempts is the number of repair iterations allowed after the first
	// run of the task. A session therefore runs at most MaxAttempts+1
	// iterations.
	MaxAttempts int

	Inspector *Inspector
}

// NewLoop creates a loop allowing maxAttempts repairs.
func NewLoop(maxAttempts int) *Loop {
	return &Loop{MaxAttempts: maxAttempts, Inspector: NewInspector()}
}

// Run drives step until it reports no issues (Completed), reports high risk
// (AwaitingUser) or exhausts its repair attempts (Failed). ctx is checked
// only between iterations; a cancelled session ends Failed and Run returns
// the context error alongside it.
func (l *Loop) Run(ctx context.Context, task string, step StepFunc) (*Session, error) {
	if step == nil {
		return nil, errors.New("repair: nil step")
	}
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	inspector := l.Inspector
	if inspector == nil {
		inspector = NewInspector()
	}

	s := &Session{
		ID:          uuid.NewString(),
		Task:        task,
		MaxAttempts: maxAttempts,
		Risk:        RiskLow,
		Status:      StatusInProgress,
	}
	logging.Repair("Repair session %s started (max attempts %d)", s.ID, maxAttempts)

	instruction := task
	for n := 1; n <= maxAttempts+1; n++ {
		if err := ctx.Err(); err != nil {
			l.finish(s, StatusFailed, fmt.Sprintf("aborted before iteration %d: %v", n, err))
			return s, err
		}

		start := time.Now()
		result, err := step(ctx, Iteration{Number: n, Instruction: instruction})
		needsRepair, risk, issues := inspector.Inspect(result)
		if err != nil {
			needsRepair = true
			issues = append([]string{"step failed: " + err.Error()}, issues...)
		}

		s.Iterations = n
		if risk.rank() > s.Risk.rank() {
			s.Risk = risk
		}
		s.History = append(s.History, Record{
			Number:      n,
			Instruction: instruction,
			NeedsRepair: needsRepair,
			Risk:        risk,
			Issues:      issues,
			Duration:    time.Since(start),
		})
		logging.RepairDebug("Session %s iteration %d: needsRepair=%v risk=%s issues=%d",
			s.ID, n, needsRepair, risk, len(issues))

		switch {
		case !needsRepair:
			l.finish(s, StatusCompleted, "")
			return s, nil
		case risk == RiskHigh:
			l.finish(s, StatusAwaitingUser, fmt.Sprintf("high-risk result at iteration %d needs a human decision", n))
			return s, nil
		}

		if n > 1 {
			s.Attempt++
		}
		if s.Attempt >= maxAttempts {
			l.finish(s, StatusFailed, fmt.Sprintf("issues remain after %d repair attempts", s.Attempt))
			return s, nil
		}
		instruction = FollowUp(task, s.Attempt+1, maxAttempts, issues)
	}

	l.finish(s, StatusFailed, "iteration limit reached")
	return s, nil
}

func (l *Loop) finish(s *Session, status Status, reason string) {
	s.Status = status
	s.Reason = reason
	metrics.RepairSessions.WithLabelValues(string(status)).Inc()
	metrics.RepairIterations.Observe(float64(s.Iterations))

	switch status {
	case StatusCompleted:
		logging.Repair("Repair session %s completed after %d iteration(s)", s.ID, s.Iterations)
	default:
		logging.RepairWarn("Repair session %s %s after %d iteration(s): %s", s.ID, status, s.Iterations, reason)
	}
}
