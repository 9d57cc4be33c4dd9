package supervisor

import (
	"context"
	"fmt"
	"time"

	"workbench/internal/logging"
	"workbench/internal/tactile"
	"workbench/internal/workspace"
)

// DefaultPIDFile is where the in-workspace dev server records its PID.
const DefaultPIDFile = "/tmp/workbench-devserver.pid"

// signalTimeout bounds each kill issued inside the workspace.
const signalTimeout = 5 * time.Second

// WorkspaceRuntime is the isolated-workspace primitive RuntimeLauncher needs.
// tactile.DockerRuntime implements it.
type WorkspaceRuntime interface {
	CommandInWorkspace(handle workspace.Handle, argv []string, opts tactile.ExecOptions) ([]string, error)
	ExecInWorkspace(ctx context.Context, handle workspace.Handle, argv []string, opts tactile.ExecOptions) (*tactile.RuntimeResult, error)
}

// RuntimeLauncher runs the dev server inside the isolated workspace. The
// host only runs the runtime's client (docker exec), which streams output;
// the server writes its PID to PIDFile so Stop can signal it in place.
type RuntimeLauncher struct {
	Runtime WorkspaceRuntime
	Handle  workspace.Handle
	PIDFile string

	host *ProcessLauncher
}

// NewRuntimeLauncher creates a launcher for the workspace named by handle.
// allowedEnv is passed to the host client, not to the dev server.
func NewRuntimeLauncher(rt WorkspaceRuntime, handle workspace.Handle, allowedEnv []string) *RuntimeLauncher {
	return &RuntimeLauncher{
		Runtime: rt,
		Handle:  handle,
		PIDFile: DefaultPIDFile,
		host:    NewProcessLauncher(allowedEnv),
	}
}

// Launch starts spec inside the workspace.
func (l *RuntimeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrNoCommand
	}

	// $0 is the pid file; exec keeps the recorded PID.
	wrapped := append([]string{"sh", "-c", `echo $$ > "$0" && exec "$@"`, l.PIDFile}, spec.Argv...)
	hostArgv, err := l.Runtime.CommandInWorkspace(l.Handle, wrapped, tactile.ExecOptions{
		WorkingDirectory: spec.WorkingDirectory,
		Env:              spec.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start dev server: %w", err)
	}

	proc, err := l.host.Launch(ctx, LaunchSpec{Argv: hostArgv, OnLine: spec.OnLine})
	if err != nil {
		return nil, err
	}
	logging.Supervisor("Dev server running in workspace %s (pid file %s)", l.Handle, l.PIDFile)
	return &workspaceProcess{Process: proc, launcher: l}, nil
}

// signal delivers sig to the recorded process group, falling back to the
// process itself. A missing pid file means the server never came up.
func (l *RuntimeLauncher) signal(ctx context.Context, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()

	script := `pid=$(cat "$1" 2>/dev/null) || exit 0; kill -s "$0" -- -"$pid" 2>/dev/null || kill -s "$0" "$pid" 2>/dev/null; exit 0`
	res, err := l.Runtime.ExecInWorkspace(ctx, l.Handle, []string{"sh", "-c", script, sig, l.PIDFile}, tactile.ExecOptions{Timeout: signalTimeout})
	if err != nil {
		return fmt.Errorf("failed to send %s in workspace %s: %w", sig, l.Handle, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to send %s in workspace %s: exit %d: %s", sig, l.Handle, res.ExitCode, res.Stderr)
	}
	return nil
}

// workspaceProcess is the host client of a dev server running in the
// workspace. Its PID is the client's.
type workspaceProcess struct {
	Process
	launcher *RuntimeLauncher
}

// Stop signals the in-workspace server (TERM, then KILL after grace) and
// then stops the host client.
func (p *workspaceProcess) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.Done():
		return nil
	default:
	}

	if err := p.launcher.signal(ctx, "TERM"); err != nil {
		logging.SupervisorWarn("%v", err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	logging.SupervisorWarn("Dev server ignored SIGTERM for %s, sending SIGKILL", grace)
	if err := p.launcher.signal(ctx, "KILL"); err != nil {
		logging.SupervisorWarn("%v", err)
	}
	return p.Process.Stop(ctx, grace)
}
