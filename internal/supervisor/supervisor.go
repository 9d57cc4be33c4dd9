// Package supervisor manages the singleton dev server process of a workspace.
//
// Restarts go through a circuit breaker: a restart is refused while the
// cooldown since the last accepted restart is running, and after MaxRestarts
// accepted restarts until the server is explicitly stopped and started again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"

	"workbench/internal/logging"
	"workbench/internal/metrics"
	"workbench/internal/safety"
	"workbench/internal/workspace"
)

// Options configures a Supervisor.
type Options struct {
	// Command is the dev server command line, e.g. "npm run dev".
	Command string
	// WorkingDirectory is relative to the workspace root.
	WorkingDirectory string
	Env              []string
	// Port is reported until a port is detected in the output.
	Port int

	// Cooldown of zero selects DefaultCooldown; a negative value disables it.
	Cooldown    time.Duration
	MaxRestarts int
	MaxLogLines int
	KillGrace   time.Duration

	// Interceptors process captured output; nil selects DefaultInterceptors.
	Interceptors []Interceptor

	// Now is the clock used by the restart breaker.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Cooldown < 0 {
		o.Cooldown = 0
	} else if o.Cooldown == 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.MaxLogLines <= 0 {
		o.MaxLogLines = DefaultMaxLogLines
	}
	if o.MaxLogLines > MaxLogLinesCeiling {
		o.MaxLogLines = MaxLogLinesCeiling
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.Interceptors == nil {
		o.Interceptors = DefaultInterceptors()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Supervisor owns one dev server process and its RestartState.
type Supervisor struct {
	opts       Options
	key        string
	confiner   *workspace.Confiner
	classifier *safety.Classifier
	launcher   Launcher
	logs       *LogBuffer

	flight singleflight.Group

	// opMu serializes start, stop and restart cycles.
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	proc         Process
	startedAt    time.Time
	port         int
	portDetected bool
	restart      RestartState
	coldStopped  bool
	lastExitErr  error

	// stopping is the process a stop is in progress for; its exit is
	// expected.
	stopping Process

	monitors sync.WaitGroup
}

// New creates a supervisor for the workspace guarded by confiner. Commands
// are checked with classifier before every launch.
func New(confiner *workspace.Confiner, classifier *safety.Classifier, launcher Launcher, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:       opts,
		key:        confiner.Root(),
		confiner:   confiner,
		classifier: classifier,
		launcher:   launcher,
		logs:       NewLogBuffer(opts.MaxLogLines, opts.Interceptors...),
		state:      StateStopped,
		restart: RestartState{
			Cooldown:    opts.Cooldown,
			MaxRestarts: opts.MaxRestarts,
		},
	}
}

// Start launches the dev server unless it is already running. A Start that
// follows an explicit Stop resets the restart breaker.
func (s *Supervisor) Start(ctx context.Context) (StartResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.aliveLocked() {
		res := StartResult{AlreadyRunning: true, PID: s.proc.PID(), Port: s.port}
		s.mu.Unlock()
		return res, nil
	}
	if s.coldStopped {
		s.restart.reset()
		s.coldStopped = false
		logging.SupervisorDebug("Cold start: restart breaker reset")
	}
	s.mu.Unlock()

	return s.start(ctx)
}

// Stop terminates the dev server process group (SIGTERM, then SIGKILL after
// the grace period).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.stop(ctx)
	s.mu.Lock()
	s.coldStopped = true
	s.mu.Unlock()
	return err
}

// Restart stops and starts the dev server if the breaker admits it. The
// admission check stamps RestartState before anything is stopped, so
// concurrent callers cannot slip past the limiter.
func (s *Supervisor) Restart(ctx context.Context, reason string) (RestartResult, error) {
	s.mu.Lock()
	err := s.restart.admit(s.opts.Now())
	count := s.restart.RestartCount
	if err != nil {
		if !s.aliveLocked() {
			s.state = StateCooldownBlocked
		}
		s.mu.Unlock()

		label := "cooldown"
		if errors.Is(err, ErrMaxRestartsExceeded) {
			label = "max_restarts"
		}
		metrics.DevServerRestarts.WithLabelValues(label).Inc()
		logging.SupervisorWarn("Restart refused (%s): %v", reason, err)
		return RestartResult{RestartCount: count}, err
	}
	s.mu.Unlock()

	// Admitted cycles that overlap share one stop+start.
	v, err, shared := s.flight.Do(s.key, func() (interface{}, error) {
		return s.cycle(ctx, reason)
	})
	res, _ := v.(RestartResult)
	res.RestartCount = count
	if shared {
		logging.SupervisorDebug("Restart joined an in-flight cycle")
	}
	if err != nil {
		metrics.DevServerRestarts.WithLabelValues("failed").Inc()
		return res, err
	}
	metrics.DevServerRestarts.WithLabelValues("ok").Inc()
	return res, nil
}

func (s *Supervisor) cycle(ctx context.Context, reason string) (RestartResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setState(StateRestarting)
	logging.Supervisor("Restarting dev server: %s", reason)

	var notes []string
	if err := s.stop(ctx); err != nil {
		// The old process is abandoned; start is attempted regardless.
		logging.SupervisorError("Stop during restart failed: %v", err)
		notes = append(notes, fmt.Sprintf("stop failed: %v", err))
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
		metrics.DevServerRunning.Set(0)
	}

	started, err := s.start(ctx)
	if err != nil {
		notes = append(notes, fmt.Sprintf("start failed: %v", err))
		return RestartResult{Message: strings.Join(notes, "; ")}, fmt.Errorf("restart failed: %w", err)
	}

	msg := "restarted"
	if len(notes) > 0 {
		msg = "restarted with errors: " + strings.Join(notes, "; ")
	}
	return RestartResult{PID: started.PID, Message: msg}, nil
}

// start launches the process; the caller holds opMu.
func (s *Supervisor) start(ctx context.Context) (StartResult, error) {
	argv, dir, err := s.prepare()
	if err != nil {
		s.setState(StateStopped)
		return StartResult{}, err
	}

	s.mu.Lock()
	s.state = StateStarting
	s.port = s.opts.Port
	s.portDetected = false
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		Argv:             argv,
		WorkingDirectory: dir,
		Env:              s.opts.Env,
		OnLine:           s.onLine,
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.lastExitErr = err
		s.mu.Unlock()
		logging.SupervisorError("Dev server failed to start: %v", err)
		return StartResult{}, err
	}

	s.mu.Lock()
	s.proc = proc
	s.state = StateRunning
	s.startedAt = time.Now()
	s.lastExitErr = nil
	port := s.port
	s.mu.Unlock()
	metrics.DevServerRunning.Set(1)

	s.monitors.Add(1)
	go s.monitor(proc)

	return StartResult{PID: proc.PID(), Port: port}, nil
}

// stop terminates the current process; the caller holds opMu. On failure the
// process reference is kept so a later Stop can retry.
func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.stopping = proc
	s.mu.Unlock()

	if proc == nil {
		s.setState(StateStopped)
		return nil
	}

	logging.Supervisor("Stopping dev server pid=%d", proc.PID())
	err := proc.Stop(ctx, s.opts.KillGrace)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = nil
	if err != nil {
		return err
	}
	if s.proc == proc {
		s.proc = nil
	}
	s.state = StateStopped
	metrics.DevServerRunning.Set(0)
	return nil
}

func (s *Supervisor) prepare() ([]string, string, error) {
	command := strings.TrimSpace(s.opts.Command)
	if command == "" {
		return nil, "", ErrNoCommand
	}
	if v := s.classifier.Classify(command); !v.Safe {
		return nil, "", v.Err(command)
	}

	argv, ok := simpleArgv(command)
	if !ok {
		// Lists and pipelines run under a shell; the classifier has already
		// checked every command in them.
		argv = []string{"sh", "-c", command}
	}

	wd := s.opts.WorkingDirectory
	if wd == "" {
		wd = "."
	}
	dir, err := s.confiner.Resolve(wd)
	if err != nil {
		return nil, "", err
	}
	return argv, dir, nil
}

// simpleArgv splits command into argv when it is a single plain command with
// no operators, redirections or assignments.
func simpleArgv(command string) ([]string, bool) {
	f, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil || len(f.Stmts) != 1 {
		return nil, false
	}
	stmt := f.Stmts[0]
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok || stmt.Background || stmt.Negated || len(stmt.Redirs) > 0 || len(call.Assigns) > 0 {
		return nil, false
	}
	argv, err := shell.Fields(command, func(string) string { return "" })
	if err != nil || len(argv) == 0 {
		return nil, false
	}
	return argv, true
}

func (s *Supervisor) monitor(proc Process) {
	defer s.monitors.Done()
	<-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc || s.stopping == proc {
		return
	}
	s.proc = nil
	s.lastExitErr = proc.Err()
	if s.state == StateRunning || s.state == StateStarting {
		s.state = StateStopped
	}
	metrics.DevServerRunning.Set(0)
	logging.SupervisorWarn("Dev server pid=%d exited on its own: %v", proc.PID(), s.lastExitErr)
}

func (s *Supervisor) onLine(stream, text string) {
	line, ok := s.logs.Append(stream, text)
	if !ok {
		return
	}
	port, found := DetectPort(line.Text)
	if !found {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.portDetected {
		s.port = port
		s.portDetected = true
		logging.SupervisorDebug("Detected dev server port %d", port)
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:        s.state,
		Port:         s.port,
		RestartCount: s.restart.RestartCount,
		MaxRestarts:  s.restart.MaxRestarts,
	}
	if s.aliveLocked() {
		st.IsRunning = true
		st.PID = s.proc.PID()
		st.StartedAt = s.startedAt
	}
	if !s.restart.LastRestartAt.IsZero() {
		if elapsed := s.opts.Now().Sub(s.restart.LastRestartAt); elapsed < s.restart.Cooldown {
			st.CooldownRemaining = s.restart.Cooldown - elapsed
		}
	}
	if s.lastExitErr != nil {
		st.LastExitError = s.lastExitErr.Error()
	}
	return st
}

// RestartState returns a copy of the breaker state.
func (s *Supervisor) RestartState() RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart
}

// Logs returns the last n captured output lines.
func (s *Supervisor) Logs(n int) []LogLine {
	return s.logs.Last(n)
}

// Shutdown stops the dev server and waits for its monitor goroutines, or for
// ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.monitors.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) aliveLocked() bool {
	if s.proc == nil {
		return false
	}
	select {
	case <-s.proc.Done():
		return false
	default:
		return true
	}
}
