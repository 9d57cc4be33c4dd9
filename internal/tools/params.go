package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxContentBytes bounds file content and diff text accepted in parameters.
const MaxContentBytes = 5 * 1024 * 1024

// Params is the closed set of per-tool parameter records. Only pointers to
// the record types in this package implement it.
type Params interface {
	toolName() string
}

// ReadFileParams reads one file inside the workspace.
type ReadFileParams struct {
	Path string `json:"path" validate:"required"`
}

// WriteFileParams creates or replaces one file inside the workspace.
type WriteFileParams struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content" validate:"maxbytes"`
}

// ListFilesParams lists a directory inside the workspace.
type ListFilesParams struct {
	Dir       string `json:"dir"`
	Recursive bool   `json:"recursive"`
	Limit     int    `json:"limit" validate:"gte=0,lte=10000"`
}

// RunCommandParams runs one command. Either Command (a shell command line)
// or Argv must be set.
type RunCommandParams struct {
	Command          string   `json:"command" validate:"required_without=Argv,excluded_with=Argv"`
	Argv             []string `json:"argv" validate:"required_without=Command,dive,required"`
	WorkingDirectory string   `json:"working_directory"`
	TimeoutMs        int64    `json:"timeout_ms" validate:"gte=0,lte=3600000"`
	MaxOutputBytes   int64    `json:"max_output_bytes" validate:"gte=0,lte=104857600"`
	Strategy         string   `json:"strategy" validate:"omitempty,oneof=buffered streaming"`
}

// StartDevServerParams starts the workspace dev server.
type StartDevServerParams struct{}

// StopDevServerParams stops the workspace dev server.
type StopDevServerParams struct{}

// RestartDevServerParams restarts the dev server through its circuit breaker.
type RestartDevServerParams struct {
	Reason string `json:"reason" validate:"max=500"`
}

// DevServerStatusParams reports the dev server state.
type DevServerStatusParams struct{}

// GetLogsParams returns the most recent dev server log lines.
type GetLogsParams struct {
	Lines int `json:"lines" validate:"gte=0,lte=10000"`
}

// GenerateDiffParams diffs two texts. When Path is set and Original is nil
// the current file content is used as the original.
type GenerateDiffParams struct {
	Path     string  `json:"path"`
	Original *string `json:"original" validate:"required_without=Path"`
	Modified string  `json:"modified" validate:"maxbytes"`
	Context  *int    `json:"context" validate:"omitempty,gte=0,lte=100"`
}

// ApplyDiffParams applies a unified diff to one file. DryRun reports the
// result without writing it.
type ApplyDiffParams struct {
	Path   string `json:"path" validate:"required"`
	Diff   string `json:"diff" validate:"required,maxbytes"`
	DryRun bool   `json:"dry_run"`
}

func (*ReadFileParams) toolName() string         { return "read_file" }
func (*WriteFileParams) toolName() string        { return "write_file" }
func (*ListFilesParams) toolName() string        { return "list_files" }
func (*RunCommandParams) toolName() string       { return "run_command" }
func (*StartDevServerParams) toolName() string   { return "start_dev_server" }
func (*StopDevServerParams) toolName() string    { return "stop_dev_server" }
func (*RestartDevServerParams) toolName() string { return "restart_dev_server" }
func (*DevServerStatusParams) toolName() string  { return "dev_server_status" }
func (*GetLogsParams) toolName() string          { return "get_logs" }
func (*GenerateDiffParams) toolName() string     { return "generate_diff" }
func (*ApplyDiffParams) toolName() string        { return "apply_diff" }

// paramFactories maps every known tool name to a constructor for its
// parameter record.
var paramFactories = map[string]func() Params{
	"read_file":          func() Params { return &ReadFileParams{} },
	"write_file":         func() Params { return &WriteFileParams{} },
	"list_files":         func() Params { return &ListFilesParams{} },
	"run_command":        func() Params { return &RunCommandParams{} },
	"start_dev_server":   func() Params { return &StartDevServerParams{} },
	"stop_dev_server":    func() Params { return &StopDevServerParams{} },
	"restart_dev_server": func() Params { return &RestartDevServerParams{} },
	"dev_server_status":  func() Params { return &DevServerStatusParams{} },
	"get_logs":           func() Params { return &GetLogsParams{} },
	"generate_diff":      func() Params { return &GenerateDiffParams{} },
	"apply_diff":         func() Params { return &ApplyDiffParams{} },
}

// ToolNames returns every tool name that has a parameter type.
func ToolNames() []string {
	names := make([]string, 0, len(paramFactories))
	for name := range paramFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// paramsValidate is shared by all decodes.
var paramsValidate *validator.Validate

func init() {
	paramsValidate = validator.New()
	paramsValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = paramsValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes bounds a string field by MaxContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxContentBytes
}

// DecodeParams decodes raw JSON into the parameter record for tool and
// validates it. Unknown fields are rejected. Empty input decodes to the zero
// record.
func DecodeParams(tool string, raw json.RawMessage) (Params, error) {
	factory, ok := paramFactories[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}
	p := factory()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return nil, &ParamsError{Tool: tool, Reason: err.Error()}
		}
		if dec.More() {
			return nil, &ParamsError{Tool: tool, Reason: "trailing data after parameters"}
		}
	}

	if err := ValidateParams(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidateParams runs struct validation on p.
func ValidateParams(p Params) error {
	if p == nil {
		return &ParamsError{Reason: "nil parameters"}
	}
	err := paramsValidate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ParamsError{Tool: p.toolName(), Reason: err.Error()}
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, describeFieldError(fe))
	}
	return &ParamsError{Tool: p.toolName(), Reason: strings.Join(reasons, "; ")}
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_without":
		return fmt.Sprintf("%s is required when %s is not set", field, strings.ToLower(fe.Param()))
	case "excluded_with":
		return fmt.Sprintf("%s cannot be combined with %s", field, strings.ToLower(fe.Param()))
	case "maxbytes":
		return fmt.Sprintf("%s exceeds %d bytes", field, MaxContentBytes)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte", "lte", "max":
		return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
