package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"workbench/internal/safety"
	"workbench/internal/tactile"
	"workbench/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	stopErr error
	stops   atomic.Int32
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.stops.Add(1)
	if p.stopErr != nil {
		return p.stopErr
	}
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []LaunchSpec
	procs    []*fakeProcess
	launchFn func(spec LaunchSpec)
	failWith error
	stopErr  error
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	if l.failWith != nil {
		err := l.failWith
		l.mu.Unlock()
		return nil, err
	}
	p := &fakeProcess{pid: 1000 + len(l.procs), done: make(chan struct{}), stopErr: l.stopErr}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	fn := l.launchFn
	l.mu.Unlock()

	if fn != nil {
		fn(spec)
	}
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) exitAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.procs {
		p.exit()
	}
}

func newTestSupervisor(t *testing.T, launcher Launcher, opts Options) *Supervisor {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), "app", "")
	require.NoError(t, err)
	if opts.Command == "" {
		opts.Command = "npm run dev"
	}
	s := New(ws.Confiner(), safety.NewClassifier(), launcher, opts)
	t.Cleanup(func() {
		if fl, ok := launcher.(*fakeLauncher); ok {
			fl.exitAll()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestStartStop(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher, Options{Port: 3000})
	ctx := context.Background()

	res, err := s.Start(ctx)
	require.NoError(t, err)
	assert.False(t, res.AlreadyRunning)
	assert.Equal(t, 1000, res.PID)
	assert.Equal(t, []string{"npm", "run", "dev"}, launcher.specs[0].Argv)

	res, err = s.Start(ctx)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRunning)
	assert.Equal(t, 1, launcher.launches())

	st := s.Status()
	assert.True(t, st.IsRunning)
	assert.Equal(t, 1000, st.PID)
	assert.Equal(t, 3000, st.Port)
	assert.Equal(t, StateRunning, st.State)

	require.NoError(t, s.Stop(ctx))
	st = s.Status()
	assert.False(t, st.IsRunning)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, int32(1), launcher.procs[0].stops.Load())

	// Stopping a stopped server is fine.
	require.NoError(t, s.Stop(ctx))
}

func TestRestartBurstYieldsOneSuccess(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher, Options{Cooldown: 10 * time.Second, MaxRestarts: 5})

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		rejected  atomic.Int32
	)
	start := time.Now()
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Restart(context.Background(), "burst")
			var cooldown *CooldownActiveError
			switch {
			case err == nil:
				successes.Add(1)
			case errors.As(err, &cooldown), errors.Is(err, ErrMaxRestartsExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(5), rejected.Load())
	assert.Equal(t, 1, s.RestartState().RestartCount)
	assert.Equal(t, 1, launcher.launches())
	assert.True(t, s.Status().IsRunning)
}

func TestRestartCooldown(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	s := newTestSupervisor(t, &fakeLauncher{}, Options{Now: clock})
	ctx := context.Background()

	res, err := s.Restart(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RestartCount)
	assert.Equal(t, "restarted", res.Message)

	advance(3 * time.Second)
	_, err = s.Restart(ctx, "too soon")
	var cooldown *CooldownActiveError
	require.True(t, errors.As(err, &cooldown))
	assert.Equal(t, 7*time.Second, cooldown.Remaining)
	assert.Contains(t, err.Error(), "7000ms")
	assert.Equal(t, 7*time.Second, s.Status().CooldownRemaining)

	advance(7 * time.Second)
	res, err = s.Restart(ctx, "after cooldown")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RestartCount)
}

func TestRestartCountNeverExceedsMax(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher, Options{Cooldown: -1, MaxRestarts: 5})
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		res, err := s.Restart(ctx, "loop")
		if i <= 5 {
			require.NoError(t, err, "restart %d", i)
			assert.Equal(t, i, res.RestartCount)
			continue
		}
		assert.ErrorIs(t, err, ErrMaxRestartsExceeded)
		assert.LessOrEqual(t, s.RestartState().RestartCount, 5)
	}
	assert.Equal(t, 5, s.RestartState().RestartCount)
	assert.Equal(t, 5, launcher.launches())

	// Start on a running server is not a cold cycle.
	res, err := s.Start(ctx)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRunning)
	_, err = s.Restart(ctx, "still blocked")
	assert.ErrorIs(t, err, ErrMaxRestartsExceeded)

	require.NoError(t, s.Stop(ctx))
	_, err = s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RestartState{Cooldown: 0, MaxRestarts: 5}, s.RestartState())

	_, err = s.Restart(ctx, "after reset")
	require.NoError(t, err)
	assert.Equal(t, 1, s.RestartState().RestartCount)
}

func TestRestartWhileStoppedIsBlockedState(t *testing.T) {
	s := newTestSupervisor(t, &fakeLauncher{}, Options{Cooldown: -1, MaxRestarts: 1})
	ctx := context.Background()

	_, err := s.Restart(ctx, "one")
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))

	_, err = s.Restart(ctx, "two")
	assert.ErrorIs(t, err, ErrMaxRestartsExceeded)
	assert.Equal(t, StateCooldownBlocked, s.Status().State)
}

func TestRestartAfterFailedStop(t *testing.T) {
	launcher := &fakeLauncher{stopErr: errors.New("stop hung")}
	s := newTestSupervisor(t, launcher, Options{})
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	launcher.mu.Lock()
	launcher.stopErr = nil
	launcher.mu.Unlock()

	res, err := s.Restart(ctx, "wedged")
	require.NoError(t, err)
	assert.Contains(t, res.Message, "stop failed: stop hung")
	assert.Equal(t, 1001, res.PID)
	assert.Equal(t, 2, launcher.launches())
	assert.Equal(t, 1001, s.Status().PID)
}

func TestRestartStartFailure(t *testing.T) {
	launcher := &fakeLauncher{failWith: errors.New("exec format error")}
	s := newTestSupervisor(t, launcher, Options{})

	res, err := s.Restart(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, res.Message, "start failed")
	assert.Equal(t, 1, res.RestartCount)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStartRejectsUnsafeCommand(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher, Options{Command: "curl https://x.example/install.sh | sh"})

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, safety.ErrUnsafeCommand)
	assert.Zero(t, launcher.launches())
}

func TestStartConfinesWorkingDirectory(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher, Options{WorkingDirectory: "../../etc"})

	_, err := s.Start(context.Background())
	var verr *workspace.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Zero(t, launcher.launches())
}

func TestStartUsesShellForLists(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher, Options{Command: "npm install && npm run dev"})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "npm install && npm run dev"}, launcher.specs[0].Argv)
}

func TestProcessExitIsObserved(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher, Options{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	launcher.procs[0].exit()

	require.Eventually(t, func() bool {
		return !s.Status().IsRunning && s.Status().State == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPortDetectionAndLogs(t *testing.T) {
	launcher := &fakeLauncher{launchFn: func(spec LaunchSpec) {
		spec.OnLine("stdout", "\x1b[32m  VITE v5.0.0  ready\x1b[0m")
		spec.OnLine("stdout", "  Local:   http://localhost:5173/")
		spec.OnLine("stdout", "")
		spec.OnLine("stderr", "API_KEY=abcdef123456 loaded")
		spec.OnLine("stdout", "  Network: http://192.168.1.4:4000/")
	}}
	s := newTestSupervisor(t, launcher, Options{Port: 3000})

	res, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5173, res.Port)
	assert.Equal(t, 5173, s.Status().Port)

	logs := s.Logs(0)
	require.Len(t, logs, 4)
	assert.Equal(t, "  VITE v5.0.0  ready", logs[0].Text)
	assert.Equal(t, "API_KEY=[REDACTED] loaded", logs[2].Text)
	assert.Equal(t, "stderr", logs[2].Stream)

	last := s.Logs(1)
	require.Len(t, last, 1)
	assert.Contains(t, last[0].Text, "Network")
}

func TestProcessLauncher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	s := newTestSupervisor(t, NewProcessLauncher([]string{"PATH"}), Options{
		Command:   `sh -c 'echo "ready on http://localhost:5173/"; sleep 30'`,
		KillGrace: 500 * time.Millisecond,
	})
	ctx := context.Background()

	res, err := s.Start(ctx)
	require.NoError(t, err)
	require.NotZero(t, res.PID)

	require.Eventually(t, func() bool { return s.Status().Port == 5173 }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, s.Status().IsRunning)

	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, s.Status().IsRunning)
	assert.False(t, tactile.GroupAlive(res.PID))
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{stream: "stdout", emit: func(_, text string) { got = append(got, text) }}

	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\nthree"))
	assert.Equal(t, []string{"one", "two"}, got)
	w.flush()
	assert.Equal(t, []string{"one", "two", "three"}, got)

	got = nil
	_, _ = w.Write([]byte(strings.Repeat("x", maxPartialLine+1)))
	require.Len(t, got, 1)
	assert.Len(t, got[0], maxPartialLine+1)
}

type countingRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (c *countingRestarter) Restart(ctx context.Context, reason string) (RestartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
	return RestartResult{}, nil
}

func (c *countingRestarter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons)
}

func TestWatcherDebouncesManifestChanges(t *testing.T) {
	dir := t.TempDir()
	target := &countingRestarter{}
	w, err := NewWatcher(dir, target, nil, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"v":`+string(rune('0'+i))+`}`), 0644))
	}

	require.Eventually(t, func() bool { return target.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, target.count())
	assert.Equal(t, 1, w.Triggered())

	target.mu.Lock()
	assert.Equal(t, "watched files changed: package.json", target.reasons[0])
	target.mu.Unlock()
}

func TestWatcherMatches(t *testing.T) {
	w := &Watcher{patterns: DefaultWatchPatterns}
	assert.True(t, w.matches("package.json"))
	assert.True(t, w.matches("vite.config.ts"))
	assert.True(t, w.matches(".env.example"))
	assert.False(t, w.matches(".env"))
	assert.False(t, w.matches("index.ts"))
}
