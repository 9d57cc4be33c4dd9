package tools

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"workbench/internal/logging"
)

// defaultPriority is assigned to tools registered without one.
const defaultPriority = 50

// Registry maps tool names to their definitions. Tools are copied on
// registration, so later changes to the caller's *Tool have no effect.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register validates tool and adds it. Names are unique.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil {
		return ErrToolNameEmpty
	}
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool %q: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[tool.Name]; dup {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}

	t := *tool
	if t.Priority == 0 {
		t.Priority = defaultPriority
	}
	r.tools[t.Name] = t

	logging.ToolsDebug("Registered %s in %s (priority %d, mutating=%v)", t.Name, t.Category, t.Priority, t.Mutating)
	return nil
}

// MustRegister is Register for built-in tables; it panics on error.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a copy of the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return &t
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// GetByCategory returns the tools in category, highest priority first and
// by name within a priority.
func (r *Registry) GetByCategory(category ToolCategory) []*Tool {
	r.mu.RLock()
	var out []*Tool
	for _, t := range r.tools {
		if t.Category == category {
			t := t
			out = append(out, &t)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Describe lists every tool with its parameter schema, sorted by name.
func (r *Registry) Describe() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		t := r.Get(name)
		if t == nil {
			continue
		}
		out = append(out, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Mutating:    t.Mutating,
			Params:      paramFields(name),
		})
	}
	return out
}

// paramFields derives the parameter schema from the tool's record type.
func paramFields(tool string) []ParamField {
	factory, ok := paramFactories[tool]
	if !ok {
		return nil
	}
	rt := reflect.TypeOf(factory()).Elem()

	fields := make([]ParamField, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		rules := f.Tag.Get("validate")
		fields = append(fields, ParamField{
			Name:     name,
			Type:     jsonType(f.Type),
			Required: hasRule(rules, "required"),
			Rules:    rules,
		})
	}
	return fields
}

func hasRule(rules, rule string) bool {
	for _, r := range strings.Split(rules, ",") {
		if r == rule {
			return true
		}
	}
	return false
}

func jsonType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Slice:
		return "array"
	}
	return "object"
}
