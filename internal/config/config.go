package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/owui-pipes/responses/internal/tools"
)

type Config struct {
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Models   []ModelConfig  `mapstructure:"models"`
	Store    StoreConfig    `mapstructure:"store"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Log      LogConfig      `mapstructure:"log"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// EndpointConfig points at the Responses endpoint.
type EndpointConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"` // falls back to $OPENAI_API_KEY
	Headers map[string]string `mapstructure:"headers"` // extra request headers
}

// ModelConfig is one exposed model endpoint.
type ModelConfig struct {
	ID              string   `mapstructure:"id"`   // provider model name
	Name            string   `mapstructure:"name"` // display name, defaults to ID
	Instructions    string   `mapstructure:"instructions"`
	ReasoningEffort string   `mapstructure:"reasoning_effort"` // minimal, low, medium, high
	WebSearch       bool     `mapstructure:"web_search"`
	Temperature     *float64 `mapstructure:"temperature"`
	TopP            *float64 `mapstructure:"top_p"`
	MaxOutputTokens int      `mapstructure:"max_output_tokens"`
}

// StoreConfig configures item and chat persistence.
type StoreConfig struct {
	Path        string `mapstructure:"path"`         // sqlite file, empty = in-memory
	ServerState bool   `mapstructure:"server_state"` // use provider continuation handles
	Truncation  string `mapstructure:"truncation"`   // "auto" or "disabled"
}

// ToolsConfig bounds the tool-call loop and declares local script tools.
type ToolsConfig struct {
	MaxTurns       int                `mapstructure:"max_turns"`
	MaxParallel    int                `mapstructure:"max_parallel"`
	Parallel       bool               `mapstructure:"parallel"`
	TimeoutSeconds int                `mapstructure:"timeout_seconds"`
	Allowed        []string           `mapstructure:"allowed"` // glob patterns, empty = all
	Custom         []tools.Definition `mapstructure:"custom"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // trace, debug, info, warn, error
}

// MCPConfig points at the MCP servers file.
type MCPConfig struct {
	ConfigPath string `mapstructure:"config_path"`
	Enabled    bool   `mapstructure:"enabled"`
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetDefault("endpoint.base_url", "https://api.openai.com/v1/responses")
	viper.SetDefault("store.server_state", true)
	viper.SetDefault("store.truncation", "auto")
	viper.SetDefault("tools.max_turns", 25)
	viper.SetDefault("tools.max_parallel", 4)
	viper.SetDefault("tools.parallel", true)
	viper.SetDefault("tools.timeout_seconds", 120)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("mcp.enabled", true)

	// Config file is optional; env and defaults carry a bare setup.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Endpoint.APIKey == "" {
		cfg.Endpoint.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configPath, "items.db")
	}
	if cfg.MCP.ConfigPath == "" {
		cfg.MCP.ConfigPath = filepath.Join(configPath, "mcp.yaml")
	}
	for i := range cfg.Models {
		if cfg.Models[i].Name == "" {
			cfg.Models[i].Name = cfg.Models[i].ID
		}
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []ModelConfig{{ID: "gpt-5.2", Name: "gpt-5.2", WebSearch: true}}
	}
	return &cfg, nil
}

// Model returns the model config matching id or name, or nil.
func (c *Config) Model(name string) *ModelConfig {
	for i := range c.Models {
		if c.Models[i].ID == name || c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}
	switch c.Store.Truncation {
	case "", "auto", "disabled":
	default:
		return fmt.Errorf("store.truncation must be auto or disabled, got %q", c.Store.Truncation)
	}
	seen := map[string]bool{}
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model entries need an id")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model name %q", m.Name)
		}
		seen[m.Name] = true
		switch m.ReasoningEffort {
		case "", "minimal", "low", "medium", "high":
		default:
			return fmt.Errorf("model %s: invalid reasoning_effort %q", m.ID, m.ReasoningEffort)
		}
	}
	for _, d := range c.Tools.Custom {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func GetConfigDir() (string, error) {
	if dir := os.Getenv("OWUI_RESPONSES_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "owui-responses"), nil
}

// LevelFromString maps a config level to zerolog's naming, tolerating case.
func LevelFromString(level string) string {
	return strings.ToLower(strings.TrimSpace(level))
}
