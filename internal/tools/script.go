// Package tools provides script-backed function tools declared in the
// config file. Each tool is an executable that receives the model's JSON
// arguments on stdin and writes its result to stdout.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/owui-pipes/responses/internal/llm"
)

var validToolNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const (
	defaultTimeoutSeconds = 30
	maxTimeoutSeconds     = 300
	maxOutputBytes        = 64 * 1024
)

// Definition declares one script tool in config.
type Definition struct {
	Name           string            `mapstructure:"name" yaml:"name"`
	Description    string            `mapstructure:"description" yaml:"description"`
	Command        string            `mapstructure:"command" yaml:"command"`
	Input          map[string]any    `mapstructure:"input" yaml:"input"` // JSON schema
	Env            map[string]string `mapstructure:"env" yaml:"env"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

func (d *Definition) Validate() error {
	if !validToolNameRE.MatchString(d.Name) {
		return fmt.Errorf("invalid tool name %q: must be lowercase identifier", d.Name)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("tool %s: command is required", d.Name)
	}
	return nil
}

// ScriptTool runs a declared command as an llm.Tool.
type ScriptTool struct {
	def Definition
}

func NewScriptTool(def Definition) (*ScriptTool, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &ScriptTool{def: def}, nil
}

func (t *ScriptTool) Spec() llm.ToolSpec {
	schema := t.def.Input
	if schema == nil {
		schema = map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		}
	}
	return llm.ToolSpec{
		Name:        t.def.Name,
		Description: t.def.Description,
		Parameters:  schema,
	}
}

func (t *ScriptTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	timeout := t.def.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	if timeout > maxTimeoutSeconds {
		timeout = maxTimeoutSeconds
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	cmd := exec.CommandContext(execCtx, detectShell(), "-c", t.def.Command)
	cmd.Stdin = bytes.NewReader(args)

	env := os.Environ()
	env = append(env, fmt.Sprintf("PIPE_TOOL_NAME=%s", t.def.Name))
	for k, v := range t.def.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tool %s timed out after %ds", t.def.Name, timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("tool %s failed: %s", t.def.Name, detail)
	}

	out := stdout.Bytes()
	if len(out) > maxOutputBytes {
		out = append(out[:maxOutputBytes], []byte("\n[output truncated]")...)
	}
	return string(out), nil
}

// Register validates the definitions and adds them to the registry.
func Register(registry *llm.ToolRegistry, defs []Definition) error {
	for _, def := range defs {
		tool, err := NewScriptTool(def)
		if err != nil {
			return err
		}
		registry.Register(tool)
	}
	return nil
}

func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}
