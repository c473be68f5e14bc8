package agent

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/jrvs-ai/gateway/internal/mcp"
)

var testCatalog = []mcp.ToolDescriptor{
	{
		Server:      "filesystem",
		Name:        "read_file",
		Description: "Read a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	},
	{
		Server:      "memory",
		Name:        "store",
		Description: "Store a note",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	},
}

func TestValidatePlan_DropsUnknownTool(t *testing.T) {
	plan := &Plan{
		NeedsTools: true,
		ToolCalls: []ToolCall{
			{Server: "filesystem", Tool: "read_file", Parameters: map[string]any{"path": "/tmp/x"}},
			{Server: "filesystem", Tool: "delete_everything", Parameters: map[string]any{}},
			{Server: "nope", Tool: "read_file", Parameters: map[string]any{}},
		},
	}

	valid := validatePlan(plan, testCatalog, slog.Default())
	if len(valid) != 1 {
		t.Fatalf("expected 1 valid call, got %d", len(valid))
	}
	if valid[0].Tool != "read_file" {
		t.Errorf("wrong call survived: %+v", valid[0])
	}
}

func TestValidatePlan_DropsMissingRequiredParam(t *testing.T) {
	plan := &Plan{
		NeedsTools: true,
		ToolCalls: []ToolCall{
			{Server: "filesystem", Tool: "read_file", Parameters: map[string]any{}},
		},
	}

	if valid := validatePlan(plan, testCatalog, slog.Default()); len(valid) != 0 {
		t.Errorf("expected call dropped for missing required param, got %+v", valid)
	}
}

func TestValidatePlan_WrongTypeDropped(t *testing.T) {
	plan := &Plan{
		NeedsTools: true,
		ToolCalls: []ToolCall{
			{Server: "filesystem", Tool: "read_file", Parameters: map[string]any{"path": 42}},
		},
	}

	if valid := validatePlan(plan, testCatalog, slog.Default()); len(valid) != 0 {
		t.Errorf("expected call dropped for wrong type, got %+v", valid)
	}
}

func TestValidateArguments_PermissiveSchemas(t *testing.T) {
	// Empty schema accepts anything.
	td := mcp.ToolDescriptor{Server: "a", Name: "b"}
	if err := validateArguments(td, map[string]any{"whatever": true}); err != nil {
		t.Errorf("empty schema rejected args: %v", err)
	}

	// Uncompilable schema accepts anything rather than blocking the call.
	td.InputSchema = json.RawMessage(`{"type": 42}`)
	if err := validateArguments(td, map[string]any{}); err != nil {
		t.Errorf("broken schema rejected args: %v", err)
	}

	// Nil parameters validate as an empty object.
	td.InputSchema = json.RawMessage(`{"type":"object"}`)
	if err := validateArguments(td, nil); err != nil {
		t.Errorf("nil params rejected: %v", err)
	}
}
