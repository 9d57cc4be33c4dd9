package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"workbench/internal/api"
	"workbench/internal/logging"
	"workbench/internal/repair"
	"workbench/internal/supervisor"
	"workbench/internal/tools"
)

var (
	listenAddr     string
	startDevServer bool

	repairChecks      []string
	repairMaxAttempts int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tool boundary over HTTP",
	Long: `Starts the HTTP tool boundary for one project workspace. Agents POST tool
parameters to /v1/tools/<name>; Prometheus metrics are served on /metrics.`,
	RunE: runServe,
}

var devServerCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the supervised dev server in the foreground",
	Long: `Starts the configured dev server, restarts it when watched manifest files
change, and prints its log lines until interrupted.`,
	RunE: runDevServer,
}

var repairCmd = &cobra.Command{
	Use:   "repair [task]",
	Short: "Run check commands in a bounded repair loop",
	Long: `Runs the --check commands on every iteration and inspects their output.
The session completes when every check passes cleanly, stops for a human on a
high-risk result, and fails once the attempt budget is spent.

Example:
  workbench repair -p site "make the build pass" --check "npm run build"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRepair,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default: api.listen)")
	serveCmd.Flags().BoolVar(&startDevServer, "start-devserver", false, "Start the dev server on boot")

	repairCmd.Flags().StringArrayVar(&repairChecks, "check", nil, "Check command (repeatable)")
	repairCmd.Flags().IntVar(&repairMaxAttempts, "max-attempts", 0, "Repair attempts (default: repair.max_attempts)")
	_ = repairCmd.MarkFlagRequired("check")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(cfg, project)
	if err != nil {
		return err
	}
	defer rt.close()

	if startDevServer {
		if _, err := rt.supervisor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dev server: %w", err)
		}
	}
	w, err := rt.watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch workspace: %w", err)
	}
	if w != nil {
		defer w.Stop()
	}

	addr := listenAddr
	if addr == "" {
		addr = cfg.API.Listen
	}
	srv := api.NewServer(rt.dispatcher, rt.supervisor, api.Options{RepairMaxAttempts: cfg.Repair.MaxAttempts})
	return srv.Run(ctx, addr)
}

func runDevServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	var outMu sync.Mutex
	tee := func(l supervisor.LogLine) (supervisor.LogLine, bool) {
		outMu.Lock()
		fmt.Fprintf(out, "[%s] %s\n", l.Stream, l.Text)
		outMu.Unlock()
		return l, true
	}

	rt, err := newRuntime(cfg, project, tee)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.supervisor.Start(ctx)
	if err != nil {
		return err
	}
	outMu.Lock()
	fmt.Fprintf(out, "dev server started: pid=%d port=%d\n", res.PID, res.Port)
	outMu.Unlock()

	w, err := rt.watch(ctx)
	if err != nil {
		return err
	}
	if w != nil {
		defer w.Stop()
	}

	<-ctx.Done()
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(cfg, project)
	if err != nil {
		return err
	}
	defer rt.close()

	maxAttempts := repairMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.Repair.MaxAttempts
	}
	plan := func(it repair.Iteration) []tools.Call {
		logging.RepairDebug("Iteration %d instruction:\n%s", it.Number, it.Instruction)
		calls := make([]tools.Call, 0, len(repairChecks))
		for _, check := range repairChecks {
			calls = append(calls, tools.Call{
				Tool:   "run_command",
				Params: mustJSON(map[string]string{"command": check}),
			})
		}
		return calls
	}

	session, err := repair.NewLoop(maxAttempts).Run(ctx, strings.Join(args, " "), rt.dispatcher.RepairStep(plan))
	if session != nil {
		if perr := printJSON(cmd.OutOrStdout(), session); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if session.Status != repair.StatusCompleted {
		return fmt.Errorf("repair session %s: %s", session.Status, session.Reason)
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
