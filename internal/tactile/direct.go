package tactile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"workbench/internal/logging"
)

// defaultAllowedEnv is passed through from the host when no list is configured.
var defaultAllowedEnv = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM", "TMPDIR", "NODE_ENV"}

type killReason string

const (
	killNone     killReason = ""
	killTimeout  killReason = "timeout"
	killOutput   killReason = "output_limit"
	killCanceled killReason = "canceled"
)

// DirectExecutor runs commands as host processes with os/exec.
type DirectExecutor struct {
	mu         sync.RWMutex
	defaults   Limits
	allowedEnv []string
	auditor    auditor
}

// NewDirectExecutor creates a direct executor with package defaults.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithLimits(DefaultLimits(), nil)
}

// NewDirectExecutorWithLimits creates a direct executor. allowedEnv lists
// host variables passed to children; nil selects a minimal default set.
func NewDirectExecutorWithLimits(defaults Limits, allowedEnv []string) *DirectExecutor {
	if allowedEnv == nil {
		allowedEnv = defaultAllowedEnv
	}
	logging.TactileDebug("Creating DirectExecutor: timeout=%s, maxOutput=%d bytes, grace=%s",
		defaults.Timeout, defaults.MaxOutputBytes, defaults.KillGrace)
	return &DirectExecutor{
		defaults:   defaults.withDefaults(DefaultLimits()),
		allowedEnv: allowedEnv,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditor.callback = callback
}

func (e *DirectExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	a := e.auditor
	e.mu.RUnlock()
	event.Executor = "direct"
	event.Timestamp = time.Now()
	a.emit(event)
}

// Execute runs cmd and waits for the process group to exit.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command, limits Limits) (*ExecutionResult, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	limits = limits.withDefaults(e.defaults)
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	strategy := cmd.Strategy
	if strategy == StrategyAuto {
		strategy = StrategyBuffered
		if IsLikelyLargeOutput(cmd.Argv) {
			strategy = StrategyStreaming
		}
	}

	timer := logging.StartTimer(logging.CategoryTactile, "direct execution")
	defer timer.Stop()
	logging.Tactile("Executing [%s] %s (dir=%s, timeout=%s, max=%d)",
		strategy, cmd, cmd.WorkingDirectory, limits.Timeout, limits.MaxOutputBytes)

	execCmd := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Env)
	SetupProcessGroup(execCmd)

	budget := newOutputBudget(limits.MaxOutputBytes)
	done := make(chan struct{})
	var waitErr error
	var forceClose func()

	start := time.Now()
	switch strategy {
	case StrategyStreaming:
		stdout, err := execCmd.StdoutPipe()
		if err != nil {
			return nil, &ProcessError{Command: cmd.String(), ExitCode: -1, Err: err}
		}
		stderr, err := execCmd.StderrPipe()
		if err != nil {
			return nil, &ProcessError{Command: cmd.String(), ExitCode: -1, Err: err}
		}
		if err := e.start(execCmd, cmd); err != nil {
			return nil, err
		}
		var g errgroup.Group
		g.Go(func() error { return budget.drain(&budget.stdout, stdout) })
		g.Go(func() error { return budget.drain(&budget.stderr, stderr) })
		go func() {
			if err := g.Wait(); err != nil {
				logging.TactileDebug("stream reader: %v", err)
			}
			waitErr = execCmd.Wait()
			close(done)
		}()
		forceClose = func() {
			closeQuietly(stdout)
			closeQuietly(stderr)
		}
	default:
		execCmd.Stdout = &limitedWriter{budget: budget, dst: &budget.stdout}
		execCmd.Stderr = &limitedWriter{budget: budget, dst: &budget.stderr}
		execCmd.WaitDelay = limits.KillGrace
		if err := e.start(execCmd, cmd); err != nil {
			return nil, err
		}
		go func() {
			waitErr = execCmd.Wait()
			close(done)
		}()
	}

	reason := e.supervise(ctx, execCmd, done, budget.exceeded, limits, forceClose)
	if ReapGroup(pid(execCmd), limits.KillGrace) {
		logging.TactileWarn("Killed processes left running in group %d by %s", pid(execCmd), cmd)
	}
	if reason == killNone && budget.Exceeded() {
		reason = killOutput
	}

	result := &ExecutionResult{
		RequestID:  cmd.RequestID,
		Stdout:     budget.Stdout(),
		Stderr:     budget.Stderr(),
		ExitCode:   exitCode(execCmd),
		Truncated:  budget.Exceeded(),
		DurationMs: time.Since(start).Milliseconds(),
		Strategy:   strategy,
		PID:        pid(execCmd),
	}
	return e.finish(ctx, cmd, result, reason, waitErr, limits)
}

func (e *DirectExecutor) start(execCmd *exec.Cmd, cmd Command) error {
	if err := execCmd.Start(); err != nil {
		logging.TactileError("Failed to start %s: %v", cmd.Argv[0], err)
		e.emitAudit(AuditEvent{Type: AuditEventError, Command: cmd, Error: err.Error()})
		return &ProcessError{Command: cmd.String(), ExitCode: -1, Err: err}
	}
	e.emitAudit(AuditEvent{Type: AuditEventStart, Command: cmd})
	return nil
}

// supervise waits for done or for a reason to kill the process group. When
// it returns, done is closed.
func (e *DirectExecutor) supervise(ctx context.Context, execCmd *exec.Cmd, done <-chan struct{}, exceeded <-chan struct{}, limits Limits, forceClose func()) killReason {
	timeout := time.NewTimer(limits.Timeout)
	defer timeout.Stop()

	var reason killReason
	select {
	case <-done:
		return killNone
	case <-timeout.C:
		reason = killTimeout
	case <-exceeded:
		reason = killOutput
	case <-ctx.Done():
		reason = killCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = killTimeout
		}
	}

	logging.TactileWarn("Stopping process group %d: %s", pid(execCmd), reason)
	StopGroup(execCmd, done, limits.KillGrace)

	if forceClose != nil {
		// A descendant that left the group can keep the pipes open.
		select {
		case <-done:
		case <-time.After(limits.KillGrace):
			logging.TactileWarn("pipes still open after SIGKILL, closing")
			forceClose()
		}
	}
	<-done
	return reason
}

func (e *DirectExecutor) finish(ctx context.Context, cmd Command, result *ExecutionResult, reason killReason, waitErr error, limits Limits) (*ExecutionResult, error) {
	name := cmd.String()

	switch reason {
	case killTimeout:
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", limits.Timeout)
		e.emitAudit(AuditEvent{Type: AuditEventKilled, Command: cmd, Result: result})
		return result, &TimeoutError{Command: name, Timeout: limits.Timeout, Result: result}

	case killOutput:
		result.Truncated = true
		if result.Strategy == StrategyStreaming {
			result.Killed = true
			result.KillReason = fmt.Sprintf("output reached %d bytes", limits.MaxOutputBytes)
			logging.TactileWarn("Output truncated at %d bytes: %s", limits.MaxOutputBytes, name)
			e.emitAudit(AuditEvent{Type: AuditEventKilled, Command: cmd, Result: result})
			return result, nil
		}
		result.Killed = true
		result.KillReason = fmt.Sprintf("output exceeded %d bytes", limits.MaxOutputBytes)
		e.emitAudit(AuditEvent{Type: AuditEventKilled, Command: cmd, Result: result})
		return result, &OutputTooLargeError{Command: name, MaxBytes: limits.MaxOutputBytes, Result: result}

	case killCanceled:
		result.Killed = true
		result.KillReason = "context canceled"
		e.emitAudit(AuditEvent{Type: AuditEventKilled, Command: cmd, Result: result})
		return result, fmt.Errorf("command %q canceled: %w", name, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		logging.TactileDebug("%s exited but a descendant held its output open", name)
	default:
		e.emitAudit(AuditEvent{Type: AuditEventError, Command: cmd, Result: result, Error: waitErr.Error()})
		return result, &ProcessError{Command: name, ExitCode: result.ExitCode, Result: result, Err: waitErr}
	}

	e.emitAudit(AuditEvent{Type: AuditEventComplete, Command: cmd, Result: result})
	if result.ExitCode != 0 {
		logging.TactileDebug("Command exited non-zero: %s -> %d", name, result.ExitCode)
		return result, &ProcessError{Command: name, ExitCode: result.ExitCode, Result: result, Err: waitErr}
	}
	logging.Tactile("Command completed: %s -> exit=0, duration=%dms, output=%d bytes",
		name, result.DurationMs, len(result.Stdout)+len(result.Stderr))
	return result, nil
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(e.allowedEnv)+len(cmdEnv))
	for _, key := range e.allowedEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return append(env, cmdEnv...)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
