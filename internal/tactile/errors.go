package tactile

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyCommand is returned for a Command without argv.
	ErrEmptyCommand = errors.New("command argv is empty")

	// ErrRuntimeUnavailable is returned when the isolated runtime cannot be reached.
	ErrRuntimeUnavailable = errors.New("isolated runtime unavailable")
)

// TimeoutError reports a command killed by the wall-clock timer. It is never
// retried.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Result  *ExecutionResult
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

// OutputTooLargeError reports a buffered command that exceeded the output
// ceiling. Result holds the partial output with Truncated set.
type OutputTooLargeError struct {
	Command  string
	MaxBytes int64
	Result   *ExecutionResult
}

func (e *OutputTooLargeError) Error() string {
	return fmt.Sprintf("command %q exceeded output limit of %d bytes", e.Command, e.MaxBytes)
}

// ProcessError reports a non-zero exit or a spawn failure. Result is set for
// non-zero exits and carries stdout and stderr.
type ProcessError struct {
	Command  string
	ExitCode int
	Result   *ExecutionResult
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Result == nil {
		return fmt.Sprintf("command %q failed to start: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
