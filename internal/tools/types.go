// Package tools is the tool-call boundary: every effect the agent can cause
// is a named tool with typed, validated parameters, dispatched through a
// Registry and reported back as a structured Result.
//
// Architecture:
//
//	Call{Tool, Params JSON} → DecodeParams → validate → Registry.Get() → Tool.Execute() → Result
package tools

import (
	"context"
	"encoding/json"
)

// ToolCategory groups tools by the subsystem they drive.
type ToolCategory string

const (
	// CategoryFiles covers confined file reads, writes and listings.
	CategoryFiles ToolCategory = "/files"

	// CategoryCommand covers bounded command execution.
	CategoryCommand ToolCategory = "/command"

	// CategoryDevServer covers the supervised dev server.
	CategoryDevServer ToolCategory = "/devserver"

	// CategoryDiff covers diff generation and application.
	CategoryDiff ToolCategory = "/diff"
)

// ExecuteFunc runs a tool. params is always the concrete Params type the
// tool is registered for and has already passed validation.
type ExecuteFunc func(ctx context.Context, params Params) (any, error)

// Tool defines one dispatchable tool.
type Tool struct {
	// Name is the unique identifier callers use.
	Name string

	// Description explains what the tool does.
	Description string

	// Category groups the tool for listings.
	Category ToolCategory

	// Execute runs the tool.
	Execute ExecuteFunc

	// Priority orders tools within a category (default 50).
	Priority int

	// Mutating marks tools that change workspace or process state.
	Mutating bool
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	if _, ok := paramFactories[t.Name]; !ok {
		return ErrToolParamsUnknown
	}
	return nil
}

// Call is one tool invocation as it arrives from the agent.
type Call struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Result is what crosses the boundary back to the agent. Failures are
// reported here with a machine-readable Error code, never as Go errors.
type Result struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	Tool       string `json:"tool"`
	RequestID  string `json:"request_id"`
	DurationMs int64  `json:"duration_ms"`
}

// Descriptor is the public listing entry for a registered tool.
type Descriptor struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Mutating    bool         `json:"mutating"`
	Params      []ParamField `json:"params"`
}

// ParamField describes one JSON parameter of a tool.
type ParamField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Rules    string `json:"rules,omitempty"`
}
