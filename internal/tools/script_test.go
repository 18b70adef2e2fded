package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/owui-pipes/responses/internal/llm"
)

func TestDefinitionValidation(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{"valid", Definition{Name: "fetch_page", Command: "cat"}, true},
		{"uppercase", Definition{Name: "FetchPage", Command: "cat"}, false},
		{"leading digit", Definition{Name: "1tool", Command: "cat"}, false},
		{"no command", Definition{Name: "fetch_page"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestScriptToolEchoesStdin(t *testing.T) {
	tool, err := NewScriptTool(Definition{Name: "echo_args", Command: "cat"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"q":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"q":"hello"}` {
		t.Errorf("out = %q", out)
	}
}

func TestScriptToolFailureIncludesStderr(t *testing.T) {
	tool, err := NewScriptTool(Definition{Name: "boom", Command: "echo nope >&2; exit 1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = tool.Execute(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err = %v", err)
	}
}

func TestScriptToolEnv(t *testing.T) {
	tool, err := NewScriptTool(Definition{
		Name:    "show_env",
		Command: `printf "%s %s" "$PIPE_TOOL_NAME" "$EXTRA"`,
		Env:     map[string]string{"EXTRA": "v1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "show_env v1" {
		t.Errorf("out = %q", out)
	}
}

func TestScriptToolDefaultSchema(t *testing.T) {
	tool, err := NewScriptTool(Definition{Name: "bare", Command: "true"})
	if err != nil {
		t.Fatal(err)
	}
	spec := tool.Spec()
	if spec.Parameters["type"] != "object" {
		t.Errorf("schema = %+v", spec.Parameters)
	}
}

func TestRegister(t *testing.T) {
	registry := llm.NewToolRegistry()
	err := Register(registry, []Definition{
		{Name: "a_tool", Command: "true"},
		{Name: "b_tool", Command: "true"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if specs := registry.AllSpecs(); len(specs) != 2 {
		t.Errorf("specs = %+v", specs)
	}

	if err := Register(registry, []Definition{{Name: "Bad"}}); err == nil {
		t.Error("invalid definition accepted")
	}
}
