package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"workbench/internal/diff"
	"workbench/internal/repair"
	"workbench/internal/supervisor"
	"workbench/internal/tactile"
	"workbench/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDevServer struct {
	startErr   error
	restartErr error
	restarts   int
	stopped    bool
	logs       []supervisor.LogLine
}

func (f *fakeDevServer) Start(ctx context.Context) (supervisor.StartResult, error) {
	if f.startErr != nil {
		return supervisor.StartResult{}, f.startErr
	}
	return supervisor.StartResult{PID: 4242, Port: 5173}, nil
}

func (f *fakeDevServer) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeDevServer) Restart(ctx context.Context, reason string) (supervisor.RestartResult, error) {
	if f.restartErr != nil {
		return supervisor.RestartResult{}, f.restartErr
	}
	f.restarts++
	return supervisor.RestartResult{PID: 4243, RestartCount: f.restarts, Message: reason}, nil
}

func (f *fakeDevServer) Status() supervisor.Status {
	return supervisor.Status{IsRunning: !f.stopped, State: supervisor.StateRunning, RestartCount: f.restarts, MaxRestarts: 5}
}

func (f *fakeDevServer) Logs(n int) []supervisor.LogLine {
	if n > 0 && n < len(f.logs) {
		return f.logs[len(f.logs)-n:]
	}
	return f.logs
}

type fixture struct {
	ws  *workspace.Context
	dev *fakeDevServer
	d   *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), "app", "")
	require.NoError(t, err)

	dev := &fakeDevServer{}
	d := NewDispatcher(Dependencies{
		Files:     workspace.NewFiles(ws.Confiner()),
		Executor:  tactile.NewBoundedExecutor(tactile.NewDirectExecutor(), ws.Confiner(), tactile.Limits{Timeout: 5 * time.Second}),
		DevServer: dev,
	})
	return &fixture{ws: ws, dev: dev, d: d}
}

func (f *fixture) invoke(t *testing.T, tool string, params any) Result {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return f.d.Invoke(context.Background(), Call{Tool: tool, Params: raw})
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestDispatcher_RegistersEveryTool(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, ToolNames(), f.d.Registry().Names())
	assert.Len(t, f.d.Registry().Names(), 11)
}

func TestInvoke_WriteThenRead(t *testing.T) {
	f := newFixture(t)

	res := f.invoke(t, "write_file", map[string]any{"path": "src/App.tsx", "content": "export {}\n"})
	require.True(t, res.Success, res.Message)
	assert.NotEmpty(t, res.RequestID)

	res = f.invoke(t, "read_file", map[string]any{"path": "src/App.tsx"})
	require.True(t, res.Success, res.Message)
	data := res.Data.(map[string]any)
	assert.Equal(t, "export {}\n", data["content"])

	res = f.invoke(t, "list_files", map[string]any{"dir": "src"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"App.tsx"}, res.Data.(map[string]any)["entries"])
}

func TestInvoke_PathEscapeIsValidationError(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"../../../etc/passwd", "/etc/passwd"} {
		res := f.invoke(t, "read_file", map[string]any{"path": path})
		assert.False(t, res.Success)
		assert.Equal(t, CodeValidation, res.Error, path)
		data, ok := res.Data.(map[string]string)
		require.True(t, ok)
		assert.Equal(t, path, data["path"])
	}
}

func TestInvoke_MissingFileIsValidationError(t *testing.T) {
	f := newFixture(t)
	res := f.invoke(t, "read_file", map[string]any{"path": "nope.txt"})
	assert.Equal(t, CodeValidation, res.Error)
}

func TestInvoke_ParameterValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		tool   string
		params string
		want   string
	}{
		{"unknown tool", "format_disk", `{}`, "tool not found"},
		{"missing path", "read_file", `{}`, "path is required"},
		{"unknown field", "read_file", `{"path":"a","mode":"x"}`, "unknown field"},
		{"wrong type", "get_logs", `{"lines":"ten"}`, "cannot unmarshal"},
		{"too many lines", "get_logs", `{"lines":20000}`, "lines must satisfy lte=10000"},
		{"no command", "run_command", `{}`, "command is required when argv is not set"},
		{"both forms", "run_command", `{"command":"ls","argv":["ls"]}`, "cannot be combined"},
		{"output cap too large", "run_command", `{"command":"ls","max_output_bytes":104857601}`, "max_output_bytes must satisfy lte=104857600"},
		{"bad strategy", "run_command", `{"command":"ls","strategy":"magic"}`, "strategy must be one of"},
		{"diff without original", "generate_diff", `{"modified":"x"}`, "original is required when path is not set"},
		{"trailing data", "read_file", `{"path":"a"} {}`, "trailing data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.d.Invoke(context.Background(), Call{Tool: tt.tool, Params: json.RawMessage(tt.params)})
			assert.False(t, res.Success)
			assert.Equal(t, CodeValidation, res.Error)
			assert.Contains(t, res.Message, tt.want)
		})
	}
}

func TestRunCommandOutputCapMatchesCeiling(t *testing.T) {
	require.NoError(t, ValidateParams(&RunCommandParams{Command: "ls", MaxOutputBytes: tactile.MaxOutputBytesCeiling}))
	assert.Error(t, ValidateParams(&RunCommandParams{Command: "ls", MaxOutputBytes: tactile.MaxOutputBytesCeiling + 1}))
}

func TestInvoke_EmptyParams(t *testing.T) {
	f := newFixture(t)
	res := f.d.Invoke(context.Background(), Call{Tool: "dev_server_status"})
	require.True(t, res.Success, res.Message)
	assert.IsType(t, supervisor.Status{}, res.Data)
}

func TestInvoke_RunCommand(t *testing.T) {
	skipOnWindows(t)
	f := newFixture(t)

	res := f.invoke(t, "run_command", map[string]any{"command": "echo hello && echo oops >&2"})
	require.True(t, res.Success, res.Message)
	er := res.Data.(*tactile.ExecutionResult)
	assert.Equal(t, "hello\n", er.Stdout)
	assert.Equal(t, "oops\n", er.Stderr)

	res = f.invoke(t, "run_command", map[string]any{"argv": []string{"pwd"}, "working_directory": "."})
	require.True(t, res.Success, res.Message)
}

func TestInvoke_RunCommandFailures(t *testing.T) {
	skipOnWindows(t)
	f := newFixture(t)

	res := f.invoke(t, "run_command", map[string]any{"command": "rm -rf /"})
	assert.Equal(t, CodeValidation, res.Error)
	assert.Contains(t, res.Message, "unsafe command")

	res = f.invoke(t, "run_command", map[string]any{"argv": []string{"bash", "-c", "rm -rf /"}})
	assert.Equal(t, CodeValidation, res.Error)

	res = f.invoke(t, "run_command", map[string]any{"command": "echo partial; exit 3"})
	assert.Equal(t, CodeProcess, res.Error)
	er, ok := res.Data.(*tactile.ExecutionResult)
	require.True(t, ok)
	assert.Equal(t, 3, er.ExitCode)
	assert.Equal(t, "partial\n", er.Stdout)

	res = f.invoke(t, "run_command", map[string]any{"command": "sleep 30", "timeout_ms": 300})
	assert.Equal(t, CodeTimeout, res.Error)

	res = f.invoke(t, "run_command", map[string]any{"command": "echo x", "working_directory": "../.."})
	assert.Equal(t, CodeValidation, res.Error)
}

func TestInvoke_DevServerTools(t *testing.T) {
	f := newFixture(t)

	res := f.invoke(t, "start_dev_server", struct{}{})
	require.True(t, res.Success)
	assert.Equal(t, 5173, res.Data.(supervisor.StartResult).Port)

	res = f.invoke(t, "restart_dev_server", map[string]any{"reason": "package.json changed"})
	require.True(t, res.Success)
	assert.Equal(t, "package.json changed", res.Data.(supervisor.RestartResult).Message)

	f.dev.restartErr = &supervisor.CooldownActiveError{Remaining: 7 * time.Second}
	res = f.invoke(t, "restart_dev_server", struct{}{})
	assert.Equal(t, CodeCooldownActive, res.Error)
	assert.Equal(t, map[string]int64{"retry_after_ms": 7000}, res.Data)

	f.dev.restartErr = supervisor.ErrMaxRestartsExceeded
	res = f.invoke(t, "restart_dev_server", struct{}{})
	assert.Equal(t, CodeMaxRestartsExceeded, res.Error)
	assert.Contains(t, res.Message, "start it again")

	f.dev.logs = []supervisor.LogLine{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	res = f.invoke(t, "get_logs", map[string]any{"lines": 2})
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Data.(map[string]any)["count"])

	res = f.invoke(t, "stop_dev_server", struct{}{})
	require.True(t, res.Success)
	assert.False(t, res.Data.(supervisor.Status).IsRunning)
}

func TestInvoke_NoDevServer(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), "app", "")
	require.NoError(t, err)
	d := NewDispatcher(Dependencies{Files: workspace.NewFiles(ws.Confiner())})

	res := d.Invoke(context.Background(), Call{Tool: "start_dev_server"})
	assert.Equal(t, CodeValidation, res.Error)
	assert.Contains(t, res.Message, "no dev server")
}

func TestInvoke_GenerateAndApplyDiff(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.ws.Root(), "main.ts")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0644))

	res := f.invoke(t, "generate_diff", map[string]any{"path": "main.ts", "modified": "a\nx\nc\n"})
	require.True(t, res.Success, res.Message)
	gen := res.Data.(*DiffData)
	assert.Contains(t, gen.Diff, "@@ -1,3 +1,3 @@")
	assert.Equal(t, diff.Stats{Additions: 1, Deletions: 1, Hunks: 1}, gen.Stats)

	res = f.invoke(t, "apply_diff", map[string]any{"path": "main.ts", "diff": gen.Diff, "dry_run": true})
	require.True(t, res.Success, res.Message)
	assert.False(t, res.Data.(*DiffData).Written)
	content, _ := os.ReadFile(path)
	assert.Equal(t, "a\nb\nc\n", string(content))

	res = f.invoke(t, "apply_diff", map[string]any{"path": "main.ts", "diff": gen.Diff})
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Data.(*DiffData).Written)
	content, _ = os.ReadFile(path)
	assert.Equal(t, "a\nx\nc\n", string(content))

	// Applying again conflicts and leaves the file alone.
	res = f.invoke(t, "apply_diff", map[string]any{"path": "main.ts", "diff": gen.Diff})
	assert.Equal(t, CodePatchConflict, res.Error)
	content, _ = os.ReadFile(path)
	assert.Equal(t, "a\nx\nc\n", string(content))

	res = f.invoke(t, "apply_diff", map[string]any{"path": "main.ts", "diff": "@@ -1 +1 @@\n?bad\n"})
	assert.Equal(t, CodeApply, res.Error)
}

func TestInvoke_ApplyDiffCreatesFile(t *testing.T) {
	f := newFixture(t)
	original := ""
	res := f.invoke(t, "generate_diff", map[string]any{"original": &original, "modified": "hello\n"})
	require.True(t, res.Success, res.Message)

	res = f.invoke(t, "apply_diff", map[string]any{"path": "new/file.txt", "diff": res.Data.(*DiffData).Diff})
	require.True(t, res.Success, res.Message)
	content, err := os.ReadFile(filepath.Join(f.ws.Root(), "new", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestInvoke_PanicIsInternalError(t *testing.T) {
	f := newFixture(t)
	reg := f.d.Registry()
	tool := reg.tools["read_file"]
	tool.Execute = func(ctx context.Context, params Params) (any, error) {
		panic("boom")
	}
	reg.tools["read_file"] = tool

	res := f.invoke(t, "read_file", map[string]any{"path": "x"})
	assert.False(t, res.Success)
	assert.Equal(t, CodeInternal, res.Error)
	assert.Contains(t, res.Message, "boom")
}

func TestInvokeParams(t *testing.T) {
	f := newFixture(t)

	res := f.d.InvokeParams(context.Background(), &WriteFileParams{Path: "a.txt", Content: "x"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "write_file", res.Tool)

	res = f.d.InvokeParams(context.Background(), &ReadFileParams{})
	assert.Equal(t, CodeValidation, res.Error)

	res = f.d.InvokeParams(context.Background(), nil)
	assert.Equal(t, CodeValidation, res.Error)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&tactile.OutputTooLargeError{Command: "yes"}, CodeOutputTooLarge},
		{&tactile.TimeoutError{Command: "sleep"}, CodeTimeout},
		{&diff.ApplyError{Reason: "x"}, CodeApply},
		{context.Canceled, CodeCanceled},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err).code, tt.err.Error())
	}
	assert.Nil(t, classify(&tactile.ProcessError{Command: "x", Err: errors.New("enoent")}).data)
}

func TestRepairStep(t *testing.T) {
	skipOnWindows(t)
	f := newFixture(t)
	marker := filepath.Join(f.ws.Root(), "fixed")

	plan := func(it repair.Iteration) []Call {
		calls := []Call{{Tool: "run_command", Params: json.RawMessage(`{"command":"test -f fixed || { echo 'Error: not fixed yet'; exit 1; }"}`)}}
		if it.Number == 2 {
			require.NoError(t, os.WriteFile(marker, nil, 0644))
		}
		return calls
	}

	s, err := repair.NewLoop(3).Run(context.Background(), "make the check pass", f.d.RepairStep(plan))
	require.NoError(t, err)
	assert.Equal(t, repair.StatusCompleted, s.Status)
	assert.Equal(t, 2, s.Iterations)
	assert.Contains(t, s.History[0].Issues[0], "tool run_command failed (process_error)")
}

func TestRepairStep_UnsafeCommandEscalates(t *testing.T) {
	f := newFixture(t)
	plan := func(it repair.Iteration) []Call {
		return []Call{{Tool: "run_command", Params: json.RawMessage(`{"command":"rm -rf /"}`)}}
	}

	s, err := repair.NewLoop(3).Run(context.Background(), "clean up", f.d.RepairStep(plan))
	require.NoError(t, err)
	assert.Equal(t, repair.StatusAwaitingUser, s.Status)
	assert.Equal(t, 1, s.Iterations)
}
