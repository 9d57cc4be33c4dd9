package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"workbench/internal/diff"
	"workbench/internal/logging"
	"workbench/internal/metrics"
	"workbench/internal/repair"
	"workbench/internal/safety"
	"workbench/internal/supervisor"
	"workbench/internal/tactile"
	"workbench/internal/workspace"
)

// DevServer is the part of *supervisor.Supervisor the dev server tools use.
type DevServer interface {
	Start(ctx context.Context) (supervisor.StartResult, error)
	Stop(ctx context.Context) error
	Restart(ctx context.Context, reason string) (supervisor.RestartResult, error)
	Status() supervisor.Status
	Logs(n int) []supervisor.LogLine
}

// Dependencies are the subsystems tools act through. Files and Executor are
// required; a nil DevServer makes the dev server tools fail validation.
type Dependencies struct {
	Files      *workspace.Files
	Executor   tactile.Executor
	Classifier *safety.Classifier
	DevServer  DevServer
	Diff       *diff.Engine
}

// Dispatcher decodes, validates and runs tool calls.
type Dispatcher struct {
	registry *Registry
	deps     Dependencies
}

// NewDispatcher creates a dispatcher with every built-in tool registered.
func NewDispatcher(deps Dependencies) *Dispatcher {
	if deps.Classifier == nil {
		deps.Classifier = safety.NewClassifier()
	}
	if deps.Diff == nil {
		deps.Diff = diff.DefaultEngine
	}
	d := &Dispatcher{registry: NewRegistry(), deps: deps}
	d.registerBuiltins()
	return d
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Invoke runs one call. It never returns an error: decoding, validation and
// execution failures are all reported in the Result.
func (d *Dispatcher) Invoke(ctx context.Context, call Call) Result {
	requestID := call.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	params, err := DecodeParams(call.Tool, call.Params)
	if err != nil {
		return d.fail(call.Tool, requestID, time.Now(), err)
	}
	return d.run(ctx, call.Tool, requestID, params)
}

// InvokeParams runs a call whose parameters are already typed.
func (d *Dispatcher) InvokeParams(ctx context.Context, params Params) Result {
	requestID := uuid.NewString()
	if params == nil {
		return d.fail("", requestID, time.Now(), &ParamsError{Reason: "nil parameters"})
	}
	name := params.toolName()
	if err := ValidateParams(params); err != nil {
		return d.fail(name, requestID, time.Now(), err)
	}
	return d.run(ctx, name, requestID, params)
}

func (d *Dispatcher) run(ctx context.Context, name, requestID string, params Params) (res Result) {
	start := time.Now()
	tool := d.registry.Get(name)
	if tool == nil {
		return d.fail(name, requestID, start, fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}

	defer func() {
		if r := recover(); r != nil {
			logging.ToolsError("Tool %s panicked: %v\n%s", name, r, debug.Stack())
			res = d.finish(name, requestID, start, failure{
				code:    CodeInternal,
				message: fmt.Sprintf("internal error in %s: %v", name, r),
			})
		}
	}()

	logging.ToolsDebug("Executing tool: %s (request=%s)", name, requestID)
	data, err := tool.Execute(ctx, params)
	if err != nil {
		return d.fail(name, requestID, start, err)
	}

	res = Result{Success: true, Data: data, Tool: name, RequestID: requestID}
	res.DurationMs = time.Since(start).Milliseconds()
	metrics.ToolCalls.WithLabelValues(name, "").Inc()
	logging.ToolsDebug("Tool %s completed in %dms", name, res.DurationMs)
	return res
}

func (d *Dispatcher) fail(name, requestID string, start time.Time, err error) Result {
	return d.finish(name, requestID, start, classify(err))
}

func (d *Dispatcher) finish(name, requestID string, start time.Time, f failure) Result {
	label := name
	if !d.registry.Has(name) {
		label = "unknown"
	}
	metrics.ToolCalls.WithLabelValues(label, f.code).Inc()
	if f.code == CodeInternal {
		logging.ToolsError("Tool %s failed: %s", name, f.message)
	} else {
		logging.ToolsDebug("Tool %s failed (%s): %s", name, f.code, f.message)
	}
	return Result{
		Success:    false,
		Data:       f.data,
		Error:      f.code,
		Message:    f.message,
		Tool:       name,
		RequestID:  requestID,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// PlanFunc chooses the calls to make for one repair iteration.
type PlanFunc func(it repair.Iteration) []Call

// RepairStep adapts dispatcher calls into a repair step. Each iteration runs
// the planned calls in order, stopping at the first failure. Output gathers
// command output and failure messages for inspection. A refused restart
// budget or an unsafe command escalates to high risk; a patch conflict is
// medium.
func (d *Dispatcher) RepairStep(plan PlanFunc) repair.StepFunc {
	return func(ctx context.Context, it repair.Iteration) (repair.StepResult, error) {
		var (
			step repair.StepResult
			out  strings.Builder
		)
		step.Risk = repair.RiskLow

		for _, call := range plan(it) {
			res := d.Invoke(ctx, call)
			step.ToolResults = append(step.ToolResults, repair.ToolOutcome{
				Tool:    res.Tool,
				Success: res.Success,
				Code:    res.Error,
				Message: res.Message,
			})
			if er, ok := res.Data.(*tactile.ExecutionResult); ok && er != nil {
				out.WriteString(er.Output())
				out.WriteByte('\n')
			}
			if res.Success {
				continue
			}

			switch risk := riskFor(res); {
			case risk == repair.RiskHigh:
				step.Risk = repair.RiskHigh
			case risk == repair.RiskMedium && step.Risk == repair.RiskLow:
				step.Risk = repair.RiskMedium
			}
			break
		}
		step.Output = out.String()
		return step, nil
	}
}

func riskFor(res Result) repair.RiskLevel {
	switch res.Error {
	case CodeMaxRestartsExceeded:
		return repair.RiskHigh
	case CodeValidation:
		if strings.HasPrefix(res.Message, "unsafe command") {
			return repair.RiskHigh
		}
	case CodePatchConflict:
		return repair.RiskMedium
	}
	return repair.RiskLow
}
