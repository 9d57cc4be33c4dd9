package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"workbench/internal/diff"
	"workbench/internal/safety"
	"workbench/internal/supervisor"
	"workbench/internal/tactile"
	"workbench/internal/workspace"
)

// Tool registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolParamsUnknown is returned for a tool name with no parameter type.
	ErrToolParamsUnknown = errors.New("tool has no parameter type")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrNoDevServer is returned by dev server tools when none is configured.
	ErrNoDevServer = errors.New("no dev server configured for this workspace")
)

// Error codes reported in Result.Error.
const (
	CodeValidation          = "validation_error"
	CodeTimeout             = "timeout"
	CodeOutputTooLarge      = "output_too_large"
	CodeProcess             = "process_error"
	CodePatchConflict       = "patch_conflict"
	CodeApply               = "apply_error"
	CodeCooldownActive      = "cooldown_active"
	CodeMaxRestartsExceeded = "max_restarts_exceeded"
	CodeCanceled            = "canceled"
	CodeInternal            = "internal_error"
)

// ParamsError reports parameters that failed decoding or validation.
type ParamsError struct {
	Tool   string
	Reason string
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Tool, e.Reason)
}

// failure is the structured form of a tool error.
type failure struct {
	code    string
	message string
	data    any
}

// classify maps a tool error onto the boundary taxonomy. Anything it does
// not recognise is an internal error.
func classify(err error) failure {
	var (
		paramsErr   *ParamsError
		pathErr     *workspace.ValidationError
		unsafeErr   *safety.UnsafeCommandError
		timeoutErr  *tactile.TimeoutError
		tooLarge    *tactile.OutputTooLargeError
		procErr     *tactile.ProcessError
		conflictErr *diff.PatchConflictError
		applyErr    *diff.ApplyError
		cooldownErr *supervisor.CooldownActiveError
	)

	switch {
	case errors.As(err, &paramsErr):
		return failure{code: CodeValidation, message: paramsErr.Error()}
	case errors.As(err, &pathErr):
		return failure{
			code:    CodeValidation,
			message: pathErr.Error(),
			data:    map[string]string{"path": pathErr.Path, "suggested_path": pathErr.SuggestedPath},
		}
	case errors.As(err, &unsafeErr):
		return failure{
			code:    CodeValidation,
			message: unsafeErr.Error(),
			data:    map[string]string{"matched_pattern": unsafeErr.MatchedPattern, "reason": unsafeErr.Reason},
		}
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrNoDevServer),
		errors.Is(err, tactile.ErrEmptyCommand), errors.Is(err, supervisor.ErrNoCommand),
		errors.Is(err, fs.ErrNotExist):
		return failure{code: CodeValidation, message: err.Error()}
	case errors.As(err, &timeoutErr):
		return failure{code: CodeTimeout, message: err.Error(), data: resultData(timeoutErr.Result)}
	case errors.As(err, &tooLarge):
		return failure{code: CodeOutputTooLarge, message: err.Error(), data: resultData(tooLarge.Result)}
	case errors.As(err, &procErr):
		return failure{code: CodeProcess, message: err.Error(), data: resultData(procErr.Result)}
	case errors.As(err, &conflictErr):
		return failure{code: CodePatchConflict, message: err.Error(), data: conflictErr}
	case errors.As(err, &applyErr):
		return failure{code: CodeApply, message: err.Error()}
	case errors.As(err, &cooldownErr):
		return failure{
			code:    CodeCooldownActive,
			message: err.Error(),
			data:    map[string]int64{"retry_after_ms": cooldownErr.Remaining.Milliseconds()},
		}
	case errors.Is(err, supervisor.ErrMaxRestartsExceeded):
		return failure{
			code:    CodeMaxRestartsExceeded,
			message: err.Error() + "; stop the dev server and start it again to reset the restart budget",
		}
	case errors.Is(err, context.Canceled):
		return failure{code: CodeCanceled, message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return failure{code: CodeTimeout, message: err.Error()}
	}
	return failure{code: CodeInternal, message: err.Error()}
}

// resultData keeps a nil execution result out of Result.Data.
func resultData(r *tactile.ExecutionResult) any {
	if r == nil {
		return nil
	}
	return r
}
