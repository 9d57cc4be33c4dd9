// Package tactile runs commands for the agent under hard bounds.
//
// Every execution has a wall-clock timeout and an output byte cap. Processes
// run in their own process group so a timeout or an exceeded cap terminates
// the whole tree, and Execute never returns while a child is still alive.
//
// Two strategies exist. The buffered strategy collects output up to the cap
// and fails with *OutputTooLargeError when it is exceeded. The streaming
// strategy, picked for commands that are likely to print a lot, stops at the
// cap and returns the partial output marked Truncated.
package tactile

import (
	"context"
	"strings"
	"time"
)

// DefaultMaxOutputBytes is the buffered output ceiling.
const DefaultMaxOutputBytes int64 = 10 * 1024 * 1024

// MaxOutputBytesCeiling is the largest output cap any call may request.
const MaxOutputBytesCeiling int64 = 100 * 1024 * 1024

// DefaultTimeout applies when Limits.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// DefaultKillGrace is the delay between SIGTERM and SIGKILL.
const DefaultKillGrace = 2 * time.Second

// Strategy selects how output is captured.
type Strategy string

const (
	// StrategyAuto picks streaming for likely-large output, buffered otherwise.
	StrategyAuto      Strategy = ""
	StrategyBuffered  Strategy = "buffered"
	StrategyStreaming Strategy = "streaming"
)

// Command is a request to run argv inside the workspace.
type Command struct {
	// Argv is the program followed by its arguments. No shell is involved
	// unless Argv[0] is one.
	Argv []string `json:"argv"`

	// WorkingDirectory must already be confined to the workspace.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Env is added to the executor's allowed environment (KEY=VALUE).
	Env []string `json:"env,omitempty"`

	// Strategy overrides the heuristic choice.
	Strategy Strategy `json:"strategy,omitempty"`

	// RequestID correlates audit events; filled in when empty.
	RequestID string `json:"request_id,omitempty"`
}

// String returns the command line for display.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Limits bound a single execution. Zero fields take executor defaults.
type Limits struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxOutputBytes int64         `json:"max_output_bytes,omitempty"`
	KillGrace      time.Duration `json:"kill_grace,omitempty"`
}

func (l Limits) withDefaults(d Limits) Limits {
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	if l.KillGrace <= 0 {
		l.KillGrace = d.KillGrace
	}
	return l
}

// DefaultLimits returns the package defaults.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        DefaultTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
		KillGrace:      DefaultKillGrace,
	}
}

// ExecutionResult is what a finished (or killed) command produced.
type ExecutionResult struct {
	RequestID  string   `json:"request_id"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	ExitCode   int      `json:"exit_code"`
	Truncated  bool     `json:"truncated"`
	DurationMs int64    `json:"duration_ms"`
	Strategy   Strategy `json:"strategy"`
	PID        int      `json:"pid,omitempty"`

	// Killed is set when the executor terminated the process.
	Killed     bool   `json:"killed,omitempty"`
	KillReason string `json:"kill_reason,omitempty"`
}

// Output returns stdout and stderr joined by a newline when both are set.
func (r *ExecutionResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor runs commands under limits. Implementations are safe for
// concurrent use; each call is independent.
type Executor interface {
	Execute(ctx context.Context, cmd Command, limits Limits) (*ExecutionResult, error)
}
