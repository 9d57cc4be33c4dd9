package tactile

import (
	"context"
	"errors"
	"time"

	"workbench/internal/logging"
	"workbench/internal/metrics"
	"workbench/internal/workspace"
)

// BoundedExecutor is the entry point used by tools: it confines the working
// directory to the workspace, fills in default limits and delegates to a
// direct or isolated executor.
type BoundedExecutor struct {
	inner    Executor
	confiner *workspace.Confiner
	defaults Limits
}

// NewBoundedExecutor wraps inner. Zero fields in defaults take the package
// defaults.
func NewBoundedExecutor(inner Executor, confiner *workspace.Confiner, defaults Limits) *BoundedExecutor {
	return &BoundedExecutor{
		inner:    inner,
		confiner: confiner,
		defaults: defaults.withDefaults(DefaultLimits()),
	}
}

// Defaults returns the limits applied when a call leaves fields zero.
func (b *BoundedExecutor) Defaults() Limits {
	return b.defaults
}

// Execute validates the working directory and runs cmd. A rejected working
// directory surfaces as *workspace.ValidationError before anything is spawned.
// A call may lower the configured output cap but never raise it.
func (b *BoundedExecutor) Execute(ctx context.Context, cmd Command, limits Limits) (*ExecutionResult, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}

	wd := cmd.WorkingDirectory
	if wd == "" {
		wd = "."
	}
	resolved, err := b.confiner.Resolve(wd)
	if err != nil {
		return nil, err
	}
	cmd.WorkingDirectory = resolved
	limits = limits.withDefaults(b.defaults)
	if limits.MaxOutputBytes > b.defaults.MaxOutputBytes {
		logging.TactileDebug("Clamping output cap %d to configured %d", limits.MaxOutputBytes, b.defaults.MaxOutputBytes)
		limits.MaxOutputBytes = b.defaults.MaxOutputBytes
	}

	start := time.Now()
	result, err := b.inner.Execute(ctx, cmd, limits)

	strategy := string(cmd.Strategy)
	if result != nil {
		strategy = string(result.Strategy)
		metrics.ExecutionOutputBytes.Observe(float64(len(result.Stdout) + len(result.Stderr)))
	}
	if strategy == "" {
		strategy = "unknown"
	}
	metrics.Executions.WithLabelValues(strategy, Outcome(err)).Inc()
	metrics.ExecutionDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
	return result, err
}

// Outcome maps an Execute error to a short label.
func Outcome(err error) string {
	var (
		timeoutErr *TimeoutError
		tooLarge   *OutputTooLargeError
		procErr    *ProcessError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &tooLarge):
		return "output_too_large"
	case errors.As(err, &procErr):
		return "process_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}
