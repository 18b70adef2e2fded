package mcp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("servers = %+v", cfg.Servers)
	}
}

func TestLoadConfigParsesServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.yaml")
	err := os.WriteFile(path, []byte(`
servers:
  files:
    command: mcp-files
    args: ["--root", "/tmp"]
    tools: ["read", "list"]
  web:
    command: mcp-web
    env:
      API_KEY: secret
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	names := cfg.ServerNames()
	if len(names) != 2 || names[0] != "files" || names[1] != "web" {
		t.Errorf("names = %v", names)
	}
	files := cfg.Servers["files"]
	if files.Command != "mcp-files" || len(files.Args) != 2 || len(files.Tools) != 2 {
		t.Errorf("files = %+v", files)
	}
	if cfg.Servers["web"].Env["API_KEY"] != "secret" {
		t.Errorf("web env = %+v", cfg.Servers["web"].Env)
	}
}

func TestLoadConfigRejectsMissingCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.yaml")
	if err := os.WriteFile(path, []byte("servers:\n  broken: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestClientToolFiltering(t *testing.T) {
	c := NewClient("files", ServerConfig{Command: "x", Tools: []string{"read"}})
	c.tools = []ToolSpec{{Name: "read"}, {Name: "write"}}
	if len(c.config.Tools) == 0 {
		t.Fatal("filter not configured")
	}
	got := c.Tools()
	if len(got) != 1 || got[0].Name != "read" {
		t.Errorf("tools = %+v", got)
	}
}
