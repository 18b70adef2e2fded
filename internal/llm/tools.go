package llm

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Tool describes a callable external tool.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolRegistry stores tools by name for execution.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Spec().Name] = tool
}

func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// AllSpecs returns the specs for all registered tools, sorted by name so a
// request body is stable across runs.
func (r *ToolRegistry) AllSpecs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// FuncTool adapts a plain function to the Tool interface. Hosts use it to
// register tools without defining a type per tool.
type FuncTool struct {
	ToolSpec ToolSpec
	Fn       func(ctx context.Context, args json.RawMessage) (string, error)
}

// NewFuncTool wraps fn as a tool described by spec.
func NewFuncTool(spec ToolSpec, fn func(ctx context.Context, args json.RawMessage) (string, error)) FuncTool {
	return FuncTool{ToolSpec: spec, Fn: fn}
}

func (t FuncTool) Spec() ToolSpec { return t.ToolSpec }

func (t FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}
