package mcp

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the mcp.yaml servers file.
type Config struct {
	Servers map[string]ServerConfig `yaml:"servers"`
}

// ServerConfig describes one MCP server launched over stdio.
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Tools restricts which of the server's tools are exposed. Empty
	// means all.
	Tools []string `yaml:"tools,omitempty"`
}

func (c *ServerConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("server requires a command")
	}
	return nil
}

// LoadConfig reads the servers file. A missing file is an empty config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Servers: make(map[string]ServerConfig)}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	for name, server := range cfg.Servers {
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
	}
	return &cfg, nil
}

// ServerNames returns configured server names, sorted.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
