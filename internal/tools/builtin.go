package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"workbench/internal/diff"
	"workbench/internal/logging"
	"workbench/internal/tactile"
	"workbench/internal/workspace"
)

// registerBuiltins registers every tool with a parameter type.
func (d *Dispatcher) registerBuiltins() {
	for _, t := range []*Tool{
		// Files
		{Name: "read_file", Description: "Read a file inside the workspace", Category: CategoryFiles, Priority: 80, Execute: d.readFile},
		{Name: "write_file", Description: "Create or replace a file inside the workspace", Category: CategoryFiles, Priority: 70, Mutating: true, Execute: d.writeFile},
		{Name: "list_files", Description: "List a directory inside the workspace", Category: CategoryFiles, Execute: d.listFiles},

		// Commands
		{Name: "run_command", Description: "Run a classified command with a timeout and output cap", Category: CategoryCommand, Priority: 70, Mutating: true, Execute: d.runCommand},

		// Dev server
		{Name: "start_dev_server", Description: "Start the workspace dev server", Category: CategoryDevServer, Mutating: true, Execute: d.startDevServer},
		{Name: "stop_dev_server", Description: "Stop the workspace dev server", Category: CategoryDevServer, Mutating: true, Execute: d.stopDevServer},
		{Name: "restart_dev_server", Description: "Restart the dev server, subject to cooldown and restart limits", Category: CategoryDevServer, Mutating: true, Execute: d.restartDevServer},
		{Name: "dev_server_status", Description: "Report dev server state and restart budget", Category: CategoryDevServer, Priority: 60, Execute: d.devServerStatus},
		{Name: "get_logs", Description: "Return recent dev server log lines", Category: CategoryDevServer, Execute: d.getLogs},

		// Diffs
		{Name: "generate_diff", Description: "Produce a unified diff between two texts", Category: CategoryDiff, Execute: d.generateDiff},
		{Name: "apply_diff", Description: "Apply a unified diff to a file, all or nothing", Category: CategoryDiff, Priority: 70, Mutating: true, Execute: d.applyDiff},
	} {
		d.registry.MustRegister(t)
	}
}

func (d *Dispatcher) readFile(ctx context.Context, params Params) (any, error) {
	p := params.(*ReadFileParams)
	content, err := d.deps.Files.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": p.Path, "content": content, "bytes": len(content)}, nil
}

func (d *Dispatcher) writeFile(ctx context.Context, params Params) (any, error) {
	p := params.(*WriteFileParams)
	return d.deps.Files.WriteFile(p.Path, p.Content)
}

func (d *Dispatcher) listFiles(ctx context.Context, params Params) (any, error) {
	p := params.(*ListFilesParams)
	entries, truncated, err := d.deps.Files.ListFiles(p.Dir, p.Recursive, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "truncated": truncated}, nil
}

func (d *Dispatcher) runCommand(ctx context.Context, params Params) (any, error) {
	p := params.(*RunCommandParams)

	var argv []string
	if p.Command != "" {
		if v := d.deps.Classifier.Classify(p.Command); !v.Safe {
			return nil, v.Err(p.Command)
		}
		argv = []string{"sh", "-c", p.Command}
	} else {
		if v := d.deps.Classifier.ClassifyArgv(p.Argv); !v.Safe {
			return nil, v.Err(tactile.Command{Argv: p.Argv}.String())
		}
		argv = p.Argv
	}

	cmd := tactile.Command{
		Argv:             argv,
		WorkingDirectory: p.WorkingDirectory,
		Strategy:         tactile.Strategy(p.Strategy),
	}
	limits := tactile.Limits{
		Timeout:        time.Duration(p.TimeoutMs) * time.Millisecond,
		MaxOutputBytes: p.MaxOutputBytes,
	}
	return d.deps.Executor.Execute(ctx, cmd, limits)
}

func (d *Dispatcher) devServer() (DevServer, error) {
	if d.deps.DevServer == nil {
		return nil, ErrNoDevServer
	}
	return d.deps.DevServer, nil
}

func (d *Dispatcher) startDevServer(ctx context.Context, params Params) (any, error) {
	ds, err := d.devServer()
	if err != nil {
		return nil, err
	}
	return ds.Start(ctx)
}

func (d *Dispatcher) stopDevServer(ctx context.Context, params Params) (any, error) {
	ds, err := d.devServer()
	if err != nil {
		return nil, err
	}
	if err := ds.Stop(ctx); err != nil {
		return nil, err
	}
	return ds.Status(), nil
}

func (d *Dispatcher) restartDevServer(ctx context.Context, params Params) (any, error) {
	p := params.(*RestartDevServerParams)
	ds, err := d.devServer()
	if err != nil {
		return nil, err
	}
	reason := p.Reason
	if reason == "" {
		reason = "requested by agent"
	}
	return ds.Restart(ctx, reason)
}

func (d *Dispatcher) devServerStatus(ctx context.Context, params Params) (any, error) {
	ds, err := d.devServer()
	if err != nil {
		return nil, err
	}
	return ds.Status(), nil
}

func (d *Dispatcher) getLogs(ctx context.Context, params Params) (any, error) {
	p := params.(*GetLogsParams)
	ds, err := d.devServer()
	if err != nil {
		return nil, err
	}
	lines := ds.Logs(p.Lines)
	return map[string]any{"lines": lines, "count": len(lines)}, nil
}

// DiffData is the payload of generate_diff and apply_diff.
type DiffData struct {
	Path    string                `json:"path,omitempty"`
	Diff    string                `json:"diff,omitempty"`
	Stats   diff.Stats            `json:"stats"`
	Written bool                  `json:"written"`
	File    *workspace.FileResult `json:"file,omitempty"`
}

func (d *Dispatcher) generateDiff(ctx context.Context, params Params) (any, error) {
	p := params.(*GenerateDiffParams)

	var original string
	if p.Original != nil {
		original = *p.Original
	} else {
		current, err := d.readOrEmpty(p.Path)
		if err != nil {
			return nil, err
		}
		original = current
	}

	contextLines := diff.DefaultContext
	if p.Context != nil {
		contextLines = *p.Context
	}
	oldPath, newPath := "original", "modified"
	if p.Path != "" {
		oldPath, newPath = "a/"+p.Path, "b/"+p.Path
	}

	text := d.deps.Diff.GenerateFile(oldPath, newPath, original, p.Modified, contextLines)
	return &DiffData{Path: p.Path, Diff: text, Stats: d.deps.Diff.Stats(text)}, nil
}

func (d *Dispatcher) applyDiff(ctx context.Context, params Params) (any, error) {
	p := params.(*ApplyDiffParams)

	original, err := d.readOrEmpty(p.Path)
	if err != nil {
		return nil, err
	}
	updated, err := d.deps.Diff.Apply(original, p.Diff)
	if err != nil {
		return nil, err
	}

	data := &DiffData{Path: p.Path, Stats: d.deps.Diff.Stats(p.Diff)}
	if p.DryRun {
		return data, nil
	}
	file, err := d.deps.Files.WriteFile(p.Path, updated)
	if err != nil {
		return nil, fmt.Errorf("diff applied but the file could not be written: %w", err)
	}
	data.Written = true
	data.File = file
	logging.Diff("Applied diff to %s (+%d -%d)", p.Path, data.Stats.Additions, data.Stats.Deletions)
	return data, nil
}

// readOrEmpty reads path, treating a missing file as empty so diffs can
// create files.
func (d *Dispatcher) readOrEmpty(path string) (string, error) {
	content, err := d.deps.Files.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return content, err
}
