package agent

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jrvs-ai/gateway/internal/mcp"
)

// validatePlan filters proposed tool calls against the live catalog:
// the (server, tool) pair must exist and the parameters must satisfy
// the tool's declared input schema. Invalid entries are dropped with a
// warning; the remainder proceeds.
func validatePlan(plan *Plan, catalog []mcp.ToolDescriptor, logger *slog.Logger) []ToolCall {
	byKey := make(map[string]mcp.ToolDescriptor, len(catalog))
	for _, td := range catalog {
		byKey[td.Server+"."+td.Name] = td
	}

	valid := make([]ToolCall, 0, len(plan.ToolCalls))
	for _, call := range plan.ToolCalls {
		td, ok := byKey[call.Server+"."+call.Tool]
		if !ok {
			logger.Warn("dropping tool call for unknown tool",
				"server", call.Server, "tool", call.Tool)
			continue
		}

		if err := validateArguments(td, call.Parameters); err != nil {
			logger.Warn("dropping tool call with invalid arguments",
				"server", call.Server, "tool", call.Tool, "error", err)
			continue
		}

		valid = append(valid, call)
	}
	return valid
}

// validateArguments checks parameters against the tool's input schema.
// A missing or empty schema accepts everything; an uncompilable schema
// is treated the same, since rejecting the call would punish the tool
// author's mistake on the caller.
func validateArguments(td mcp.ToolDescriptor, params map[string]any) error {
	if len(td.InputSchema) == 0 || bytes.Equal(td.InputSchema, []byte("null")) {
		return nil
	}

	schema, err := jsonschema.CompileString(td.Server+"."+td.Name, string(td.InputSchema))
	if err != nil {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	// Round-trip through JSON so numbers and nested values take the
	// shapes the validator expects.
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	return schema.Validate(doc)
}
