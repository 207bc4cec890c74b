// Package tools provides the tool registry and the built-in tool
// catalog agents call during their tool loop: file access, sandboxed
// commands, git, memory, deep search, web push, and platform
// introspection.
//
// A tool is a plain record with a function pointer rather than an
// interface hierarchy. Execution never surfaces Go errors to the
// model: failures are folded into the returned string so the LLM can
// read them and recover.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/macaron-dev/macaron/pkg/llm"
)

// Env carries the per-call execution environment a tool may need.
// ProjectPath is the workspace root used to resolve relative paths and
// as the default cwd for subprocesses.
type Env struct {
	ProjectPath string
	ProjectID   string
	SessionID   string
	AgentID     string
}

// Tool is one callable capability exposed to the LLM.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON-schema "parameters" object of the OpenAI
	// function-calling format.
	Parameters map[string]any
	Execute    func(ctx context.Context, args map[string]any, env Env) (string, error)
}

// Registry indexes tools by name and serves filtered schema catalogs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	schemaOnce sync.Once
	schemas    map[string]llm.ToolSchema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the LLM tool schemas for the allowed names, in
// allowlist order. Names without a registered tool are skipped. The
// schema catalog is built once on first use.
func (r *Registry) Schemas(allowed []string) []llm.ToolSchema {
	r.schemaOnce.Do(r.buildSchemas)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(allowed))
	for _, name := range allowed {
		if s, ok := r.schemas[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) buildSchemas() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = make(map[string]llm.ToolSchema, len(r.tools))
	for name, t := range r.tools {
		r.schemas[name] = llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
}

// Execute runs the named tool and returns its result as a string. An
// unknown name and any execution error are folded into the result so
// the caller can feed it straight back to the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, env Env) string {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool '%s'", name)
	}
	out, err := t.Execute(ctx, args, env)
	if err != nil {
		return fmt.Sprintf("Tool '%s' error: %v", name, err)
	}
	return out
}

// stringArg extracts a string argument, tolerating missing keys.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// intArg extracts an integer argument. JSON decoding yields float64
// for numbers, so both forms are accepted.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
