package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Manager owns the configured MCP server connections and routes tool calls
// to the right server. Tool names are exposed as "<server>_<tool>" so two
// servers can advertise the same tool without colliding.
type Manager struct {
	config  *Config
	clients map[string]*Client
	mu      sync.RWMutex
	Log     zerolog.Logger
}

func NewManager(cfg *Config) *Manager {
	return &Manager{
		config:  cfg,
		clients: make(map[string]*Client),
	}
}

// StartAll connects every configured server. Servers start concurrently; a
// server that fails to start is logged and skipped so one broken config
// entry never takes down the rest.
func (m *Manager) StartAll(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(4)
	for _, name := range m.config.ServerNames() {
		name := name
		p.Go(func() {
			client := NewClient(name, m.config.Servers[name])
			if err := client.Start(ctx); err != nil {
				m.Log.Warn().Err(err).Str("server", name).Msg("MCP server failed to start")
				return
			}
			m.mu.Lock()
			m.clients[name] = client
			m.mu.Unlock()
			m.Log.Debug().Str("server", name).Int("tools", len(client.Tools())).
				Msg("MCP server ready")
		})
	}
	p.Wait()
}

// StopAll disconnects every running server.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		if err := client.Stop(); err != nil {
			m.Log.Warn().Err(err).Str("server", name).Msg("MCP server stop failed")
		}
		delete(m.clients, name)
	}
}

// RunningServers returns connected server names.
func (m *Manager) RunningServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// namespacedTool is one exposed tool with its owning server.
type namespacedTool struct {
	server string
	spec   ToolSpec
}

// AllTools lists every exposed tool across running servers, namespaced.
func (m *Manager) AllTools() []namespacedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tools []namespacedTool
	for name, client := range m.clients {
		for _, spec := range client.Tools() {
			tools = append(tools, namespacedTool{server: name, spec: spec})
		}
	}
	return tools
}

// CallTool routes a namespaced call to its server.
func (m *Manager) CallTool(ctx context.Context, namespaced string, args json.RawMessage) (string, error) {
	server, tool, ok := strings.Cut(namespaced, "_")
	if !ok {
		return "", fmt.Errorf("malformed MCP tool name %q", namespaced)
	}
	m.mu.RLock()
	client := m.clients[server]
	m.mu.RUnlock()
	if client == nil {
		return "", fmt.Errorf("MCP server %s is not running", server)
	}
	return client.CallTool(ctx, tool, args)
}
