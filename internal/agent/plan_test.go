package agent

import (
	"testing"
)

func TestExtractPlan_Direct(t *testing.T) {
	plan, err := ExtractPlan(`{"needs_tools": true, "tool_calls": [{"server": "filesystem", "tool": "read_file", "parameters": {"path": "/tmp/x"}, "purpose": "read the file"}], "reasoning": "user asked for file contents"}`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !plan.NeedsTools || len(plan.ToolCalls) != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	call := plan.ToolCalls[0]
	if call.Server != "filesystem" || call.Tool != "read_file" {
		t.Errorf("unexpected call %+v", call)
	}
	if call.Parameters["path"] != "/tmp/x" {
		t.Errorf("unexpected parameters %+v", call.Parameters)
	}
}

func TestExtractPlan_Fenced(t *testing.T) {
	plan, err := ExtractPlan("Sure! Here's my analysis:\n```json\n{\"needs_tools\": false, \"tool_calls\": [], \"reasoning\": \"general knowledge\"}\n```\nLet me know if you need more.")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if plan.NeedsTools {
		t.Errorf("unexpected plan %+v", plan)
	}
	if plan.Reasoning != "general knowledge" {
		t.Errorf("unexpected reasoning %q", plan.Reasoning)
	}
}

func TestExtractPlan_BracketScan(t *testing.T) {
	plan, err := ExtractPlan(`Based on the request I think {"needs_tools": true, "tool_calls": [{"server": "a", "tool": "b", "parameters": {"nested": {"x": 1}}}], "reasoning": "braces {inside strings} should not confuse it"} and that's all.`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !plan.NeedsTools || len(plan.ToolCalls) != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestExtractPlan_EscapedQuotes(t *testing.T) {
	plan, err := ExtractPlan(`prefix {"needs_tools": false, "tool_calls": [], "reasoning": "she said \"no tools\" here"} suffix`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if plan.Reasoning != `she said "no tools" here` {
		t.Errorf("unexpected reasoning %q", plan.Reasoning)
	}
}

func TestExtractPlan_Unparseable(t *testing.T) {
	for _, input := range []string{
		"",
		"I don't think any tools are needed here.",
		"```json\nnot json\n```",
		"{unbalanced",
	} {
		if _, err := ExtractPlan(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}
