package main

import (
	"context"
	"fmt"
	"time"

	"workbench/internal/config"
	"workbench/internal/logging"
	"workbench/internal/safety"
	"workbench/internal/supervisor"
	"workbench/internal/tactile"
	"workbench/internal/tools"
	"workbench/internal/workspace"
)

// appRuntime bundles the subsystems for one project workspace.
type appRuntime struct {
	cfg        *config.Config
	ws         *workspace.Context
	supervisor *supervisor.Supervisor
	dispatcher *tools.Dispatcher
}

// newRuntime wires every subsystem for project. The dev server is created
// but not started. extra interceptors run after the default log chain.
func newRuntime(cfg *config.Config, project string, extra ...supervisor.Interceptor) (*appRuntime, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "newRuntime")
	defer timer.Stop()

	ws, err := workspace.New(cfg.WorkspaceRootPattern, project, workspace.Handle(project))
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}

	limits := tactile.Limits{
		Timeout:        cfg.GetDefaultTimeout(),
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		KillGrace:      cfg.GetKillGrace(),
	}
	classifier := safety.NewClassifier()
	inner, launcher := newBackends(cfg, ws, limits)
	executor := tactile.NewBoundedExecutor(inner, ws.Confiner(), limits)

	sup := supervisor.New(ws.Confiner(), classifier, launcher, supervisor.Options{
		Command:      cfg.DevServer.Command,
		Port:         cfg.DevServer.Port,
		Cooldown:     devServerCooldown(cfg),
		MaxRestarts:  cfg.DevServer.MaxRestarts,
		MaxLogLines:  cfg.DevServer.MaxLogLines,
		KillGrace:    cfg.GetKillGrace(),
		Interceptors: append(supervisor.DefaultInterceptors(), extra...),
	})

	files := workspace.NewFiles(ws.Confiner())
	files.SetAuditCallback(logFileEvent)
	dispatcher := tools.NewDispatcher(tools.Dependencies{
		Files:      files,
		Executor:   executor,
		Classifier: classifier,
		DevServer:  sup,
	})

	logging.Boot("Runtime ready: project=%s root=%s tools=%d", project, ws.Root(), dispatcher.Registry().Count())
	return &appRuntime{
		cfg:        cfg,
		ws:         ws,
		supervisor: sup,
		dispatcher: dispatcher,
	}, nil
}

// newBackends picks the configured runtime for both commands and the dev
// server. The docker runtime runs them in the container named by the
// workspace handle.
func newBackends(cfg *config.Config, ws *workspace.Context, limits tactile.Limits) (tactile.Executor, supervisor.Launcher) {
	if cfg.Execution.Runtime == config.RuntimeDocker {
		rt := tactile.NewDockerRuntime(ws.Root(), cfg.Execution.ContainerRoot)
		rt.MaxOutputBytes = limits.MaxOutputBytes
		isolated := tactile.NewIsolatedExecutor(rt, ws.Handle(), limits)
		isolated.SetAuditCallback(tactile.LogAuditEvent)
		return isolated, supervisor.NewRuntimeLauncher(rt, ws.Handle(), cfg.Execution.AllowedEnvVars)
	}
	direct := tactile.NewDirectExecutorWithLimits(limits, cfg.Execution.AllowedEnvVars)
	direct.SetAuditCallback(tactile.LogAuditEvent)
	return direct, supervisor.NewProcessLauncher(cfg.Execution.AllowedEnvVars)
}

func logFileEvent(e workspace.FileAuditEvent) {
	if !e.Success {
		logging.WorkspaceWarn("%s %s failed: %s", e.Type, e.Path, e.Error)
		return
	}
	if e.Type == workspace.FileOpWrite {
		logging.Workspace("write %s %s -> %s", e.Path, shortHash(e.OldHash), shortHash(e.NewHash))
	}
}

func shortHash(h string) string {
	if h == "" {
		return "new"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// devServerCooldown maps a configured zero cooldown onto "disabled".
func devServerCooldown(cfg *config.Config) time.Duration {
	if cfg.DevServer.CooldownMs == 0 {
		return -1
	}
	return cfg.GetCooldown()
}

// watch starts the manifest watcher when any patterns are configured.
func (r *appRuntime) watch(ctx context.Context) (*supervisor.Watcher, error) {
	if len(r.cfg.DevServer.Watch) == 0 {
		return nil, nil
	}
	w, err := supervisor.NewWatcher(r.ws.Root(), r.supervisor, r.cfg.DevServer.Watch, r.cfg.GetWatchDebounce())
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}

// close stops the dev server and waits for its goroutines.
func (r *appRuntime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*r.cfg.GetKillGrace()+time.Second)
	defer cancel()
	if err := r.supervisor.Shutdown(ctx); err != nil {
		logging.SupervisorWarn("Shutdown: %v", err)
	}
}
