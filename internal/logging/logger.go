// Package logging provides categorized structured logging for workbench.
// Every subsystem logs through its own category so operators can filter the
// executor, supervisor, and repair loop independently.
// Logging is a silent no-op until Initialize is called.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem; each gets its own named zap logger.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config loading
	CategoryWorkspace  Category = "workspace"  // Path confinement decisions
	CategorySafety     Category = "safety"     // Command classification
	CategoryTactile    Category = "tactile"    // Bounded command execution
	CategorySupervisor Category = "supervisor" // Dev server lifecycle
	CategoryDiff       Category = "diff"       // Diff generation and application
	CategoryRepair     Category = "repair"     // Auto-repair loop
	CategoryTools      Category = "tools"      // Tool dispatch
	CategoryAPI        Category = "api"        // HTTP tool boundary
)

// Options configures the zap backend.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// JSON switches to the production JSON encoder.
	JSON bool

	// Output receives encoded entries. Defaults to stderr.
	Output io.Writer

	// Categories optionally disables categories (missing = enabled).
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers    = make(map[Category]*Logger)
	loggersMu  sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	baseMu     sync.RWMutex
)

// Initialize builds the zap core. Safe to call more than once; the last call wins.
func Initialize(opts Options) error {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)

	baseMu.Lock()
	base = zap.New(core)
	categories = opts.Categories
	baseMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	Get(CategoryBoot).Debug("logging initialized: level=%s json=%v", level, opts.JSON)
	return nil
}

// Zap returns the underlying zap logger, e.g. for libraries that want one.
func Zap() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// IsCategoryEnabled reports whether category is enabled. Categories missing
// from Options.Categories are enabled.
func IsCategoryEnabled(category Category) bool {
	baseMu.RLock()
	defer baseMu.RUnlock()

	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{
		category: category,
		sugar:    Zap().Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries.
func Sync() {
	_ = Zap().Sync()
}

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Workspace logs to the workspace category
func Workspace(format string, args ...interface{}) {
	Get(CategoryWorkspace).Info(format, args...)
}

// WorkspaceWarn logs a warning to the workspace category
func WorkspaceWarn(format string, args ...interface{}) {
	Get(CategoryWorkspace).Warn(format, args...)
}

// Safety logs to the safety category
func Safety(format string, args ...interface{}) {
	Get(CategorySafety).Info(format, args...)
}

// SafetyDebug logs debug to the safety category
func SafetyDebug(format string, args ...interface{}) {
	Get(CategorySafety).Debug(format, args...)
}

// SafetyWarn logs a warning to the safety category
func SafetyWarn(format string, args ...interface{}) {
	Get(CategorySafety).Warn(format, args...)
}

// Tactile logs to the tactile category
func Tactile(format string, args ...interface{}) {
	Get(CategoryTactile).Info(format, args...)
}

// TactileDebug logs debug to the tactile category
func TactileDebug(format string, args ...interface{}) {
	Get(CategoryTactile).Debug(format, args...)
}

// TactileWarn logs a warning to the tactile category
func TactileWarn(format string, args ...interface{}) {
	Get(CategoryTactile).Warn(format, args...)
}

// TactileError logs an error to the tactile category
func TactileError(format string, args ...interface{}) {
	Get(CategoryTactile).Error(format, args...)
}

// Supervisor logs to the supervisor category
func Supervisor(format string, args ...interface{}) {
	Get(CategorySupervisor).Info(format, args...)
}

// SupervisorDebug logs debug to the supervisor category
func SupervisorDebug(format string, args ...interface{}) {
	Get(CategorySupervisor).Debug(format, args...)
}

// SupervisorWarn logs a warning to the supervisor category
func SupervisorWarn(format string, args ...interface{}) {
	Get(CategorySupervisor).Warn(format, args...)
}

// SupervisorError logs an error to the supervisor category
func SupervisorError(format string, args ...interface{}) {
	Get(CategorySupervisor).Error(format, args...)
}

// Diff logs to the diff category
func Diff(format string, args ...interface{}) {
	Get(CategoryDiff).Info(format, args...)
}

// DiffDebug logs debug to the diff category
func DiffDebug(format string, args ...interface{}) {
	Get(CategoryDiff).Debug(format, args...)
}

// Repair logs to the repair category
func Repair(format string, args ...interface{}) {
	Get(CategoryRepair).Info(format, args...)
}

// RepairDebug logs debug to the repair category
func RepairDebug(format string, args ...interface{}) {
	Get(CategoryRepair).Debug(format, args...)
}

// RepairWarn logs a warning to the repair category
func RepairWarn(format string, args ...interface{}) {
	Get(CategoryRepair).Warn(format, args...)
}

// Tools logs to the tools category
func Tools(format string, args ...interface{}) {
	Get(CategoryTools).Info(format, args...)
}

// ToolsDebug logs debug to the tools category
func ToolsDebug(format string, args ...interface{}) {
	Get(CategoryTools).Debug(format, args...)
}

// ToolsError logs an error to the tools category
func ToolsError(format string, args ...interface{}) {
	Get(CategoryTools).Error(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// Timer measures one operation and logs its duration with structured fields.
type Timer struct {
	log   *Logger
	op    string
	start time.Time
}

// StartTimer begins timing operation under category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{log: Get(category), op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.log.sugar.Debugw("timed", "op", t.op, "elapsed", d)
	return d
}

// StopWithThreshold is Stop, but logs a warning when the elapsed time
// exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	d := time.Since(t.start)
	if d > threshold {
		t.log.sugar.Warnw("slow operation", "op", t.op, "elapsed", d, "threshold", threshold)
		return d
	}
	t.log.sugar.Debugw("timed", "op", t.op, "elapsed", d)
	return d
}
