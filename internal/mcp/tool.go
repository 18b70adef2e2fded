package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/owui-pipes/responses/internal/llm"
)

// MCPTool exposes one namespaced MCP server tool as an llm.Tool.
type MCPTool struct {
	manager *Manager
	server  string
	spec    ToolSpec
}

func (t *MCPTool) Spec() llm.ToolSpec {
	params := t.spec.Schema
	if len(params) == 0 {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSpec{
		Name:        fmt.Sprintf("%s_%s", t.server, t.spec.Name),
		Description: t.spec.Description,
		Parameters:  params,
	}
}

func (t *MCPTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.manager.CallTool(ctx, fmt.Sprintf("%s_%s", t.server, t.spec.Name), args)
}

// RegisterTools adds every running server's tools to the registry.
func RegisterTools(manager *Manager, registry *llm.ToolRegistry) {
	for _, nt := range manager.AllTools() {
		registry.Register(&MCPTool{manager: manager, server: nt.server, spec: nt.spec})
	}
}
