package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"workbench/internal/logging"
	"workbench/internal/tactile"
)

// LaunchSpec describes the dev server process to start.
type LaunchSpec struct {
	Argv             []string
	WorkingDirectory string
	Env              []string

	// OnLine receives each complete output line. It is called from the
	// launcher's output goroutines and must be safe for concurrent use.
	OnLine func(stream, text string)
}

// Process is a running dev server.
type Process interface {
	PID() int
	// Done is closed once the process has exited and its output is flushed.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	// Stop terminates the process group and waits for it to exit.
	Stop(ctx context.Context, grace time.Duration) error
}

// Launcher starts dev server processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ProcessLauncher starts the dev server as a host process in its own process
// group.
type ProcessLauncher struct {
	// AllowedEnv lists host variables passed through to the child.
	AllowedEnv []string
	// WaitDelay bounds how long output from escaped descendants is awaited
	// after the group leader exits.
	WaitDelay time.Duration
}

// NewProcessLauncher creates a launcher passing allowedEnv through.
func NewProcessLauncher(allowedEnv []string) *ProcessLauncher {
	return &ProcessLauncher{AllowedEnv: allowedEnv, WaitDelay: DefaultKillGrace}
}

// Launch starts spec. The returned process is reaped by an internal goroutine
// that finishes when the process exits.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = l.environment(spec.Env)
	cmd.Stdout = &lineWriter{stream: "stdout", emit: spec.OnLine}
	cmd.Stderr = &lineWriter{stream: "stderr", emit: spec.OnLine}
	cmd.WaitDelay = l.WaitDelay
	tactile.SetupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dev server: %w", err)
	}

	p := &hostProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		cmd.Stdout.(*lineWriter).flush()
		cmd.Stderr.(*lineWriter).flush()
		close(p.done)
	}()
	logging.Supervisor("Dev server started: pid=%d argv=%v dir=%s", p.PID(), spec.Argv, spec.WorkingDirectory)
	return p, nil
}

func (l *ProcessLauncher) environment(extra []string) []string {
	env := make([]string, 0, len(l.AllowedEnv)+len(extra))
	for _, key := range l.AllowedEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return append(env, extra...)
}

type hostProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *hostProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *hostProcess) Done() <-chan struct{} { return p.done }

func (p *hostProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *hostProcess) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	tactile.StopGroup(p.cmd, p.done, grace)

	t := time.NewTimer(grace + p.cmd.WaitDelay)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w (pid %d)", ErrStopTimeout, p.PID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lineWriter splits process output into lines for the log buffer.
type lineWriter struct {
	mu      sync.Mutex
	stream  string
	emit    func(stream, text string)
	partial []byte
}

// maxPartialLine caps an unterminated line so a process printing without
// newlines cannot grow memory without bound.
const maxPartialLine = 64 * 1024

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.send(string(data[:i]))
		data = data[i+1:]
	}
	if len(data) > maxPartialLine {
		w.send(string(data))
		data = nil
	}
	w.partial = append(w.partial[:0:0], data...)
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.send(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) send(text string) {
	if w.emit != nil {
		w.emit(w.stream, text)
	}
}
