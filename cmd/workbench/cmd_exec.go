package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"workbench/internal/safety"
	"workbench/internal/tools"
	"workbench/internal/workspace"
)

var (
	execStrategy  string
	execTimeoutMs int64
	execMaxBytes  int64
	execWorkDir   string

	toolParams string
)

var execCmd = &cobra.Command{
	Use:   "exec [command]",
	Short: "Classify and run a shell command inside the workspace",
	Long: `Runs a command through the run_command tool: the command is classified,
then executed under the configured timeout and output cap.

Example:
  workbench exec -p site "npm run build"
  workbench exec --strategy streaming --timeout-ms 60000 "npm test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var classifyCmd = &cobra.Command{
	Use:   "classify [command]",
	Short: "Report whether a shell command is safe to run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		v := safety.NewClassifier().Classify(command)
		if err := printJSON(cmd.OutOrStdout(), v); err != nil {
			return err
		}
		if !v.Safe {
			return v.Err(command)
		}
		return nil
	},
}

var validatePathCmd = &cobra.Command{
	Use:   "validate-path [path]",
	Short: "Check a path against workspace confinement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.New(cfg.WorkspaceRootPattern, project, workspace.Handle(project))
		if err != nil {
			return err
		}
		v := ws.Confiner().Validate(args[0])
		if err := printJSON(cmd.OutOrStdout(), v); err != nil {
			return err
		}
		return v.Err(args[0])
	},
}

var toolCmd = &cobra.Command{
	Use:   "tool [name]",
	Short: "Invoke a tool with JSON parameters",
	Long: `Invokes one tool exactly as an agent would and prints the structured result.
Parameters come from --params, or from stdin when --params is "-".

Example:
  workbench tool list_files --params '{"recursive":true}'
  echo '{"path":"src/App.tsx"}' | workbench tool read_file --params -`,
	Args: cobra.ExactArgs(1),
	RunE: runTool,
}

func init() {
	execCmd.Flags().StringVar(&execStrategy, "strategy", "", "buffered or streaming (default: by heuristic)")
	execCmd.Flags().Int64Var(&execTimeoutMs, "timeout-ms", 0, "Command timeout (0 = config default)")
	execCmd.Flags().Int64Var(&execMaxBytes, "max-output-bytes", 0, "Output cap (0 = config default)")
	execCmd.Flags().StringVar(&execWorkDir, "dir", "", "Working directory relative to the workspace root")

	toolCmd.Flags().StringVar(&toolParams, "params", "", `JSON parameters, or "-" for stdin`)
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(cfg, project)
	if err != nil {
		return err
	}
	defer rt.close()

	res := rt.dispatcher.InvokeParams(ctx, &tools.RunCommandParams{
		Command:          strings.Join(args, " "),
		WorkingDirectory: execWorkDir,
		TimeoutMs:        execTimeoutMs,
		MaxOutputBytes:   execMaxBytes,
		Strategy:         execStrategy,
	})
	return reportResult(cmd.OutOrStdout(), res)
}

func runTool(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	raw := []byte(toolParams)
	if toolParams == "-" {
		var err error
		raw, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read parameters: %w", err)
		}
	}

	rt, err := newRuntime(cfg, project)
	if err != nil {
		return err
	}
	defer rt.close()

	res := rt.dispatcher.Invoke(ctx, tools.Call{Tool: args[0], Params: raw})
	return reportResult(cmd.OutOrStdout(), res)
}

// reportResult prints res and turns a failed result into a command error.
func reportResult(w io.Writer, res tools.Result) error {
	if err := printJSON(w, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s failed (%s): %s", res.Tool, res.Error, res.Message)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
