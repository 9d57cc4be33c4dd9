package diff

import "fmt"

// PatchConflictError means a hunk's context or removed lines do not match the
// original text. Nothing was applied.
type PatchConflictError struct {
	Hunk     int // 1-based hunk index
	Line     int // 1-based line in the original
	Expected string
	Actual   string
}

func (e *PatchConflictError) Error() string {
	return fmt.Sprintf("hunk %d does not apply at line %d: expected %q, found %q",
		e.Hunk, e.Line, e.Expected, e.Actual)
}

// ApplyError means the diff could not be applied for a reason other than a
// content mismatch, such as malformed diff text. Nothing was applied.
type ApplyError struct {
	Reason string
	Err    error
}

func (e *ApplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot apply diff: %s: %v", e.Reason, e.Err)
	}
	return "cannot apply diff: " + e.Reason
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
