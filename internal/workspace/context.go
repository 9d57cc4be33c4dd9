// Package workspace models the per-project isolated workspace an agent works in
// and confines every file path to it.
//
// A workspace root always has the shape <root-pattern>/<project-name> and never
// changes after creation. All path checks compare symlink-resolved real paths.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"workbench/internal/logging"
)

// Status is the lifecycle state of the isolated environment.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Handle is an opaque reference to the isolated execution environment
// (for example a container ID). Only the runtime that issued it interprets it.
type Handle string

var projectNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Context bundles the immutable workspace root with its execution handle.
type Context struct {
	root     string
	project  string
	handle   Handle
	confiner *Confiner

	mu     sync.RWMutex
	status Status
}

// New creates the workspace context for project under rootPattern, creating
// the directory if needed.
func New(rootPattern, project string, handle Handle) (*Context, error) {
	if !filepath.IsAbs(rootPattern) {
		return nil, ErrRootNotAbsolute
	}
	if !projectNameRe.MatchString(project) || project == "." || project == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProject, project)
	}

	root := filepath.Join(rootPattern, project)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	confiner, err := NewConfiner(root)
	if err != nil {
		return nil, err
	}

	// The resolved root must still be <resolved pattern>/<project>; a symlinked
	// project directory pointing elsewhere is refused.
	resolvedPattern, err := resolveReal(rootPattern)
	if err != nil {
		return nil, err
	}
	if confiner.Root() != filepath.Join(resolvedPattern, project) {
		return nil, fmt.Errorf("%w: %q resolves to %q", ErrInvalidProject, root, confiner.Root())
	}

	logging.Workspace("workspace ready: project=%s root=%s", project, confiner.Root())

	return &Context{
		root:     confiner.Root(),
		project:  project,
		handle:   handle,
		confiner: confiner,
		status:   StatusStopped,
	}, nil
}

// Root returns the symlink-resolved workspace root.
func (c *Context) Root() string { return c.root }

// Project returns the project name.
func (c *Context) Project() string { return c.project }

// Handle returns the opaque execution handle.
func (c *Context) Handle() Handle { return c.handle }

// Confiner returns the path validator bound to this workspace.
func (c *Context) Confiner() *Confiner { return c.confiner }

// Status returns the current environment status.
func (c *Context) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus records a new environment status.
func (c *Context) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}
