package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCall is one proposed tool invocation from the analysis step.
type ToolCall struct {
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Purpose    string         `json:"purpose,omitempty"`
}

// Plan is the analysis result: whether tools are needed and which
// calls to make.
type Plan struct {
	NeedsTools bool       `json:"needs_tools"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// ExtractPlan parses a plan out of LLM output. Models wrap JSON in
// prose and code fences, so three strategies run in order: direct
// parse, first ```json fence, then a bracket-depth scan from the first
// opening brace.
func ExtractPlan(text string) (*Plan, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty analysis output")
	}

	if plan, ok := tryParsePlan(text); ok {
		return plan, nil
	}

	if fenced := extractFencedJSON(text); fenced != "" {
		if plan, ok := tryParsePlan(fenced); ok {
			return plan, nil
		}
	}

	if candidate := extractBalancedObject(text); candidate != "" {
		if plan, ok := tryParsePlan(candidate); ok {
			return plan, nil
		}
	}

	return nil, fmt.Errorf("no parseable plan in analysis output")
}

func tryParsePlan(s string) (*Plan, bool) {
	var plan Plan
	if err := json.Unmarshal([]byte(s), &plan); err != nil {
		return nil, false
	}
	return &plan, true
}

// extractFencedJSON returns the body of the first ```json code fence.
func extractFencedJSON(text string) string {
	start := strings.Index(text, "```json")
	if start < 0 {
		return ""
	}
	rest := text[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalancedObject scans from the first '{' to its matching close
// brace, tracking strings and escapes.
func extractBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
