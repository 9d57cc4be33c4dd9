package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbench/internal/tactile"
	"workbench/internal/workspace"
)

// localRuntime stands in for a container: it runs "in-workspace" commands
// as host processes and records what it was asked to do.
type localRuntime struct {
	mu      sync.Mutex
	opts    []tactile.ExecOptions
	signals []string
}

func (r *localRuntime) CommandInWorkspace(handle workspace.Handle, argv []string, opts tactile.ExecOptions) ([]string, error) {
	if handle == "" {
		return nil, tactile.ErrRuntimeUnavailable
	}
	r.mu.Lock()
	r.opts = append(r.opts, opts)
	r.mu.Unlock()
	return append(append([]string{"env"}, opts.Env...), argv...), nil
}

func (r *localRuntime) ExecInWorkspace(ctx context.Context, handle workspace.Handle, argv []string, opts tactile.ExecOptions) (*tactile.RuntimeResult, error) {
	r.mu.Lock()
	r.signals = append(r.signals, argv[3])
	r.mu.Unlock()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return &tactile.RuntimeResult{Stdout: string(out)}, nil
	case errors.As(err, &exitErr):
		return &tactile.RuntimeResult{ExitCode: exitErr.ExitCode(), Stderr: string(out)}, nil
	}
	return nil, err
}

func (r *localRuntime) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signals...)
}

func newLocalLauncher(t *testing.T) (*RuntimeLauncher, *localRuntime) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	rt := &localRuntime{}
	l := NewRuntimeLauncher(rt, "site", []string{"PATH"})
	l.PIDFile = filepath.Join(t.TempDir(), "devserver.pid")
	return l, rt
}

func TestRuntimeLauncher_StreamsAndStops(t *testing.T) {
	l, rt := newLocalLauncher(t)

	var mu sync.Mutex
	var lines []string
	proc, err := l.Launch(context.Background(), LaunchSpec{
		Argv:             []string{"sh", "-c", `echo "mode=$MODE"; sleep 30`},
		WorkingDirectory: "/srv/site",
		Env:              []string{"MODE=dev"},
		OnLine: func(_, text string) {
			mu.Lock()
			lines = append(lines, text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "mode=dev", lines[0])

	data, err := os.ReadFile(l.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(proc.PID()), strings.TrimSpace(string(data)))

	require.Len(t, rt.opts, 1)
	assert.Equal(t, "/srv/site", rt.opts[0].WorkingDirectory)
	assert.Equal(t, []string{"MODE=dev"}, rt.opts[0].Env)

	require.NoError(t, proc.Stop(context.Background(), time.Second))
	assert.Equal(t, []string{"TERM"}, rt.sent())
	assert.False(t, tactile.GroupAlive(proc.PID()))
}

func TestRuntimeLauncher_EscalatesToKill(t *testing.T) {
	l, rt := newLocalLauncher(t)

	proc, err := l.Launch(context.Background(), LaunchSpec{
		Argv: []string{"sh", "-c", `trap "" TERM; echo $$; sleep 30`},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(l.PIDFile)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	require.NoError(t, proc.Stop(context.Background(), 300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, []string{"TERM", "KILL"}, rt.sent())

	select {
	case <-proc.Done():
	default:
		t.Fatal("process still running after Stop")
	}
}

func TestRuntimeLauncher_Errors(t *testing.T) {
	l, _ := newLocalLauncher(t)

	_, err := l.Launch(context.Background(), LaunchSpec{})
	assert.ErrorIs(t, err, ErrNoCommand)

	l.Handle = ""
	_, err = l.Launch(context.Background(), LaunchSpec{Argv: []string{"true"}})
	assert.ErrorIs(t, err, tactile.ErrRuntimeUnavailable)
}

func TestDockerRuntimeSatisfiesWorkspaceRuntime(t *testing.T) {
	var _ WorkspaceRuntime = tactile.NewDockerRuntime("/home/u/ws", "/workspace")
}
