package workspace

import (
	"errors"
	"fmt"
)

// Workspace errors.
var (
	// ErrInvalidProject is returned when a project name cannot form a workspace root.
	ErrInvalidProject = errors.New("invalid project name")

	// ErrRootNotAbsolute is returned when the workspace root pattern is relative.
	ErrRootNotAbsolute = errors.New("workspace root must be absolute")

	// ErrOutsideWorkspace is the sentinel wrapped by every confinement rejection.
	ErrOutsideWorkspace = errors.New("path rejected by workspace confinement")
)

// ValidationError is returned when a path is rejected. It is always recoverable:
// SuggestedPath re-roots the offending path's basename under the workspace.
type ValidationError struct {
	Path          string
	Reason        string
	SuggestedPath string
}

func (e *ValidationError) Error() string {
	if e.SuggestedPath == "" {
		return fmt.Sprintf("path %q rejected: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("path %q rejected: %s (try %q)", e.Path, e.Reason, e.SuggestedPath)
}

func (e *ValidationError) Unwrap() error {
	return ErrOutsideWorkspace
}
