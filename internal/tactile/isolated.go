package tactile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"workbench/internal/logging"
	"workbench/internal/workspace"
)

// ExecOptions are passed through to the isolated runtime.
type ExecOptions struct {
	WorkingDirectory string
	Timeout          time.Duration
	Env              []string
}

// RuntimeResult is what the isolated runtime reports for one command.
type RuntimeResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the opaque "run argv in isolated workspace" primitive. The
// handle identifies the environment; only the runtime interprets it.
type Runtime interface {
	ExecInWorkspace(ctx context.Context, handle workspace.Handle, argv []string, opts ExecOptions) (*RuntimeResult, error)
}

// IsolatedExecutor adapts a Runtime to the Executor contract. The timeout is
// enforced through ctx and output is capped after the fact.
type IsolatedExecutor struct {
	runtime  Runtime
	handle   workspace.Handle
	defaults Limits

	mu      sync.RWMutex
	auditor auditor
}

// NewIsolatedExecutor creates an executor bound to one environment handle.
func NewIsolatedExecutor(runtime Runtime, handle workspace.Handle, defaults Limits) *IsolatedExecutor {
	return &IsolatedExecutor{
		runtime:  runtime,
		handle:   handle,
		defaults: defaults.withDefaults(DefaultLimits()),
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *IsolatedExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditor.callback = callback
}

func (e *IsolatedExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	a := e.auditor
	e.mu.RUnlock()
	event.Executor = "isolated"
	event.Timestamp = time.Now()
	a.emit(event)
}

// Execute runs cmd through the runtime.
func (e *IsolatedExecutor) Execute(ctx context.Context, cmd Command, limits Limits) (*ExecutionResult, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	limits = limits.withDefaults(e.defaults)
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	name := cmd.String()

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	e.emitAudit(AuditEvent{Type: AuditEventStart, Command: cmd})
	logging.TactileDebug("Isolated exec in %s: %s", e.handle, name)

	start := time.Now()
	rr, err := e.runtime.ExecInWorkspace(execCtx, e.handle, cmd.Argv, ExecOptions{
		WorkingDirectory: cmd.WorkingDirectory,
		Timeout:          limits.Timeout,
		Env:              cmd.Env,
	})
	result := &ExecutionResult{
		RequestID:  cmd.RequestID,
		ExitCode:   -1,
		DurationMs: time.Since(start).Milliseconds(),
		Strategy:   StrategyBuffered,
	}
	if rr != nil {
		result.ExitCode = rr.ExitCode
		result.Stdout, result.Stderr, result.Truncated = truncateTo(rr.Stdout, rr.Stderr, limits.MaxOutputBytes)
	}

	var timeoutErr *TimeoutError
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) || errors.As(err, &timeoutErr) {
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", limits.Timeout)
		e.emitAudit(AuditEvent{Type: AuditEventKilled, Command: cmd, Result: result})
		return result, &TimeoutError{Command: name, Timeout: limits.Timeout, Result: result}
	}
	if err != nil {
		e.emitAudit(AuditEvent{Type: AuditEventError, Command: cmd, Result: result, Error: err.Error()})
		if ctx.Err() != nil {
			return result, fmt.Errorf("command %q canceled: %w", name, ctx.Err())
		}
		return result, &ProcessError{Command: name, ExitCode: -1, Err: err}
	}

	e.emitAudit(AuditEvent{Type: AuditEventComplete, Command: cmd, Result: result})
	if result.ExitCode != 0 {
		return result, &ProcessError{Command: name, ExitCode: result.ExitCode, Result: result}
	}
	return result, nil
}
