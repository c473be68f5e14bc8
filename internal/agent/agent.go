// Package agent implements the single-turn planning controller: given
// a user message and the live tool catalog, decide which tools to use,
// execute the plan, and synthesize the final answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrvs-ai/gateway/internal/llm"
	"github.com/jrvs-ai/gateway/internal/mcp"
)

// synthesisResultCap bounds one tool result inside the synthesis
// prompt so a verbose tool cannot blow the context window.
const synthesisResultCap = 4096

// ToolCaller is the registry surface the agent needs.
type ToolCaller interface {
	ListTools(server string) ([]mcp.ToolDescriptor, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (*mcp.ToolResult, error)
}

// Generator is the LLM surface the agent needs.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// ContextRetriever supplies retrieved context for the synthesis prompt.
// A nil retriever means no retrieved context.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// Config configures an agent.
type Config struct {
	// ToolTimeout bounds one tool call (0 = 60s).
	ToolTimeout time.Duration
	// SystemPrompt overrides the synthesis preamble.
	SystemPrompt string
}

// Agent is the per-session turn controller.
type Agent struct {
	tools     ToolCaller
	gen       Generator
	retriever ContextRetriever
	log       *ActivityLog
	logger    *slog.Logger

	toolTimeout  time.Duration
	systemPrompt string
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Answer  string
	Actions []AgentAction
}

// New creates an agent with a fresh activity log.
func New(cfg Config, tools ToolCaller, gen Generator, retriever ContextRetriever, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	toolTimeout := cfg.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 60 * time.Second
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant with access to local tools. Answer directly and concisely."
	}

	return &Agent{
		tools:        tools,
		gen:          gen,
		retriever:    retriever,
		log:          NewActivityLog(),
		logger:       logger.With("component", "agent"),
		toolTimeout:  toolTimeout,
		systemPrompt: systemPrompt,
	}
}

// Activity returns the session activity log.
func (a *Agent) Activity() *ActivityLog { return a.log }

// ProcessTurn runs one full turn: analyze, validate, execute, log,
// synthesize. If analysis fails the agent degrades to a plain answer
// with no tool results.
func (a *Agent) ProcessTurn(ctx context.Context, userMsg string) (*TurnResult, error) {
	catalog, err := a.tools.ListTools("")
	if err != nil {
		a.logger.Warn("catalog unavailable", "error", err)
	}

	calls := a.analyze(ctx, userMsg, catalog)
	outcomes := a.execute(ctx, calls)

	retrieved := a.retrieve(ctx, userMsg)
	answer, err := a.synthesize(ctx, userMsg, retrieved, outcomes)
	if err != nil {
		return nil, err
	}

	return &TurnResult{Answer: answer, Actions: a.log.Actions()}, nil
}

// analyze asks the LLM for a tool plan and validates it against the
// catalog. Any failure degrades to an empty plan.
func (a *Agent) analyze(ctx context.Context, userMsg string, catalog []mcp.ToolDescriptor) []ToolCall {
	if len(catalog) == 0 {
		return nil
	}

	start := time.Now()
	raw, err := a.gen.Generate(ctx, llm.GenerateRequest{
		System: analysisSystemPrompt(catalog),
		Prompt: userMsg,
	})
	if err != nil {
		a.logger.Warn("analysis generation failed, degrading to plain answer", "error", err)
		a.log.Append(AgentAction{
			Kind:       ActionAnalysis,
			Success:    false,
			Error:      err.Error(),
			DurationMS: msSince(start),
		})
		return nil
	}

	plan, err := ExtractPlan(raw)
	if err != nil {
		a.logger.Warn("unparseable analysis output, degrading to plain answer", "error", err)
		a.log.Append(AgentAction{
			Kind:       ActionAnalysis,
			Success:    false,
			Error:      err.Error(),
			Result:     raw,
			DurationMS: msSince(start),
		})
		return nil
	}

	a.log.Append(AgentAction{
		Kind:       ActionAnalysis,
		Success:    true,
		Purpose:    plan.Reasoning,
		Result:     raw,
		DurationMS: msSince(start),
	})

	if !plan.NeedsTools {
		return nil
	}
	return validatePlan(plan, catalog, a.logger)
}

// toolOutcome pairs a call with its resolution. Every executed call
// resolves exactly once.
type toolOutcome struct {
	call   ToolCall
	result string
	err    error
}

// execute runs the validated calls concurrently; calls within one turn
// are independent.
func (a *Agent) execute(ctx context.Context, calls []ToolCall) []toolOutcome {
	if len(calls) == 0 {
		return nil
	}

	outcomes := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()

			start := time.Now()
			result, err := a.tools.CallTool(ctx, call.Server, call.Tool, call.Parameters, a.toolTimeout)

			action := AgentAction{
				Kind:       ActionToolCall,
				Server:     call.Server,
				Tool:       call.Tool,
				Parameters: call.Parameters,
				Purpose:    call.Purpose,
				DurationMS: msSince(start),
			}

			outcome := toolOutcome{call: call}
			switch {
			case err != nil:
				action.Error = err.Error()
				outcome.err = err
			case result.IsError:
				action.Error = result.Text()
				outcome.err = fmt.Errorf("tool reported error: %s", truncate(result.Text(), 200))
			default:
				action.Success = true
				action.Result = result.Text()
				outcome.result = result.Text()
			}

			a.log.Append(action)
			outcomes[i] = outcome
		}(i, call)
	}
	wg.Wait()
	return outcomes
}

func (a *Agent) retrieve(ctx context.Context, query string) string {
	if a.retriever == nil {
		return ""
	}
	retrieved, err := a.retriever.Retrieve(ctx, query)
	if err != nil {
		a.logger.Warn("context retrieval failed", "error", err)
		return ""
	}
	return retrieved
}

// synthesize composes the final generation prompt from the retrieved
// context, the tool-result summaries, and the user message.
func (a *Agent) synthesize(ctx context.Context, userMsg, retrieved string, outcomes []toolOutcome) (string, error) {
	var b strings.Builder
	var failures []toolOutcome
	for _, o := range outcomes {
		if o.err != nil {
			failures = append(failures, o)
			continue
		}
		fmt.Fprintf(&b, "Result from %s.%s:\n%s\n\n", o.call.Server, o.call.Tool, truncate(o.result, synthesisResultCap))
	}
	if len(failures) > 0 {
		b.WriteString("Note: some tool calls failed:\n")
		for _, o := range failures {
			fmt.Fprintf(&b, "- %s.%s: %v\n", o.call.Server, o.call.Tool, o.err)
		}
		b.WriteString("\n")
	}
	b.WriteString(userMsg)

	start := time.Now()
	answer, err := a.gen.Generate(ctx, llm.GenerateRequest{
		System:  a.systemPrompt,
		Context: retrieved,
		Prompt:  b.String(),
	})

	action := AgentAction{
		Kind:       ActionSynthesis,
		Success:    err == nil,
		Result:     answer,
		DurationMS: msSince(start),
	}
	if err != nil {
		action.Error = err.Error()
	}
	a.log.Append(action)

	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return answer, nil
}

// analysisSystemPrompt enumerates the catalog and demands the exact
// plan JSON shape.
func analysisSystemPrompt(catalog []mcp.ToolDescriptor) string {
	var b strings.Builder
	b.WriteString("You decide whether the user's request needs local tools.\n\n")
	b.WriteString("Available tools:\n")
	for _, td := range catalog {
		fmt.Fprintf(&b, "- %s.%s: %s", td.Server, td.Name, td.Description)
		if summary := schemaSummary(td.InputSchema); summary != "" {
			fmt.Fprintf(&b, " (parameters: %s)", summary)
		}
		b.WriteByte('\n')
	}
	b.WriteString(`
Respond with ONLY a JSON object of this exact shape:
{"needs_tools": bool, "tool_calls": [{"server": str, "tool": str, "parameters": object, "purpose": str}], "reasoning": str}

If no tools are needed, return {"needs_tools": false, "tool_calls": [], "reasoning": "..."}.`)
	return b.String()
}

// schemaSummary renders a short parameter summary from a JSON schema:
// property names, with required ones marked.
func schemaSummary(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}

	var parsed struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || len(parsed.Properties) == 0 {
		return ""
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, r := range parsed.Required {
		required[r] = true
	}

	parts := make([]string, 0, len(parsed.Properties))
	for name, prop := range parsed.Properties {
		part := name
		if prop.Type != "" {
			part += ":" + prop.Type
		}
		if required[name] {
			part += "*"
		}
		parts = append(parts, part)
	}
	// Stable order keeps prompts reproducible.
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
