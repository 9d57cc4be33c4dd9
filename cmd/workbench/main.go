package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"workbench/internal/config"
	"workbench/internal/logging"
)

var (
	// Global flags
	configPath string
	project    string
	rootDir    string
	verbose    bool
	jsonLogs   bool
	timeout    time.Duration

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "workbench",
	Short: "Sandboxed execution workbench for coding agents",
	Long: `workbench confines an agent's file edits, shell commands and dev server
to a single project workspace.

Every command is classified before it runs, executes under a timeout and an
output cap, and is killed with its whole process group when a limit trips.
The dev server is supervised with a restart circuit breaker, edits travel as
unified diffs, and a bounded repair loop retries failing checks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if rootDir != "" {
			cfg.WorkspaceRootPattern = rootDir
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if err := logging.Initialize(logging.Options{
			Level:      level,
			JSON:       jsonLogs || cfg.Logging.Format == "json",
			Output:     cmd.ErrOrStderr(),
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.BootDebug("Loaded config from %s (root=%s)", configPath, cfg.WorkspaceRootPattern)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "workbench.yaml", "Config file (missing file selects defaults)")
	rootCmd.PersistentFlags().StringVarP(&project, "project", "p", "default", "Project name under the workspace root")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Override workspace_root_pattern")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall operation timeout")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(validatePathCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(devServerCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(toolCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled by SIGINT, SIGTERM or the
// --timeout flag.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}
