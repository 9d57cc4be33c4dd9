package tactile

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"workbench/internal/logging"
	"workbench/internal/workspace"
)

// dockerDaemonError is the exit code docker exec uses for its own failures.
const dockerDaemonError = 125

// DockerRuntime implements Runtime with `docker exec` against a running
// container whose ID is the workspace handle. The workspace root on the host
// is mounted at ContainerRoot inside the container.
type DockerRuntime struct {
	HostRoot      string
	ContainerRoot string

	// MaxOutputBytes bounds what is read back from the docker CLI.
	MaxOutputBytes int64

	dockerPath string
	runner     *DirectExecutor

	once      sync.Once
	available bool
}

// NewDockerRuntime creates a runtime mapping hostRoot to containerRoot.
func NewDockerRuntime(hostRoot, containerRoot string) *DockerRuntime {
	path, err := exec.LookPath("docker")
	if err != nil {
		path = "docker"
	}
	return &DockerRuntime{
		HostRoot:       hostRoot,
		ContainerRoot:  containerRoot,
		MaxOutputBytes: DefaultMaxOutputBytes,
		dockerPath:     path,
		runner:         NewDirectExecutor(),
	}
}

// Available reports whether the docker daemon answers. The probe runs once.
func (r *DockerRuntime) Available(ctx context.Context) bool {
	r.once.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		cmd := exec.CommandContext(probeCtx, r.dockerPath, "version", "--format", "{{.Server.Version}}")
		r.available = cmd.Run() == nil
		logging.TactileDebug("docker available: %v", r.available)
	})
	return r.available
}

// ExecInWorkspace runs argv inside the container identified by handle.
func (r *DockerRuntime) ExecInWorkspace(ctx context.Context, handle workspace.Handle, argv []string, opts ExecOptions) (*RuntimeResult, error) {
	if handle == "" {
		return nil, fmt.Errorf("%w: empty container handle", ErrRuntimeUnavailable)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	timeout := opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	res, err := r.runner.Execute(ctx, Command{
		Argv:     r.buildDockerArgs(handle, argv, opts),
		Strategy: StrategyStreaming,
	}, Limits{Timeout: timeout, MaxOutputBytes: r.MaxOutputBytes})

	var procErr *ProcessError
	switch {
	case err == nil:
		return &RuntimeResult{ExitCode: 0, Stdout: res.Stdout, Stderr: res.Stderr}, nil
	case errors.As(err, &procErr) && procErr.Result != nil:
		if procErr.ExitCode == dockerDaemonError {
			return nil, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, strings.TrimSpace(res.Stderr))
		}
		return &RuntimeResult{ExitCode: procErr.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
	}
	return nil, err
}

// CommandInWorkspace returns the host argv that runs argv inside the
// container without waiting for it. Long-lived processes use it to stream
// output through the docker CLI.
func (r *DockerRuntime) CommandInWorkspace(handle workspace.Handle, argv []string, opts ExecOptions) ([]string, error) {
	if handle == "" {
		return nil, fmt.Errorf("%w: empty container handle", ErrRuntimeUnavailable)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return r.buildDockerArgs(handle, argv, opts), nil
}

// buildDockerArgs constructs the docker exec argument vector. The command is
// wrapped in timeout(1) so the in-container process dies with the CLI.
func (r *DockerRuntime) buildDockerArgs(handle workspace.Handle, argv []string, opts ExecOptions) []string {
	args := []string{r.dockerPath, "exec"}
	if wd := r.containerPath(opts.WorkingDirectory); wd != "" {
		args = append(args, "-w", wd)
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, string(handle))
	if opts.Timeout > 0 {
		secs := int((opts.Timeout + time.Second - 1) / time.Second)
		args = append(args, "timeout", "-k", "2", fmt.Sprintf("%d", secs))
	}
	return append(args, argv...)
}

// containerPath translates a host path under HostRoot to the container mount.
func (r *DockerRuntime) containerPath(hostPath string) string {
	if hostPath == "" || r.HostRoot == "" || r.ContainerRoot == "" {
		return hostPath
	}
	rel, err := filepath.Rel(r.HostRoot, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return r.ContainerRoot
	}
	return filepath.ToSlash(filepath.Join(r.ContainerRoot, rel))
}
