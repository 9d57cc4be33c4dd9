// Package metrics holds the Prometheus collectors shared by the workbench
// components. Collectors register on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsClassified counts classifier verdicts by result (safe|unsafe).
	CommandsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_commands_classified_total",
		Help: "Commands classified by the safety classifier, by result",
	}, []string{"result"})

	// PathsRejected counts rejected workspace paths.
	PathsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_paths_rejected_total",
		Help: "Paths rejected by workspace confinement",
	})

	// Executions counts finished command executions by strategy and outcome.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_executions_total",
		Help: "Command executions by strategy and outcome",
	}, []string{"strategy", "outcome"})

	// ExecutionDuration tracks wall-clock execution time.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workbench_execution_duration_seconds",
		Help:    "Command execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	}, []string{"strategy"})

	// ExecutionOutputBytes tracks captured output size per execution.
	ExecutionOutputBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workbench_execution_output_bytes",
		Help:    "Captured stdout+stderr bytes per execution",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	})

	// DevServerRestarts counts restart attempts by result
	// (ok|cooldown_active|max_restarts_exceeded|partial).
	DevServerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_devserver_restarts_total",
		Help: "Dev server restart attempts by result",
	}, []string{"result"})

	// DevServerRunning is 1 while the dev server process is alive.
	DevServerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workbench_devserver_running",
		Help: "Whether the dev server process is running",
	})

	// DiffApplies counts diff applications by result (ok|conflict|error).
	DiffApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_diff_applies_total",
		Help: "Unified diff applications by result",
	}, []string{"result"})

	// RepairSessions counts finished repair sessions by terminal status.
	RepairSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_repair_sessions_total",
		Help: "Auto-repair sessions by terminal status",
	}, []string{"status"})

	// RepairIterations tracks iterations used per repair session.
	RepairIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workbench_repair_iterations",
		Help:    "Iterations used per auto-repair session",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})

	// ToolCalls counts dispatched tool calls by tool and error code ("" on success).
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_tool_calls_total",
		Help: "Tool calls by tool name and error code",
	}, []string{"tool", "code"})
)
