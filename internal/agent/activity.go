package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action kinds. A failure is recorded on the action that failed, via
// Success and Error, rather than as a separate error action; the step
// and its outcome stay in one record.
const (
	ActionAnalysis  = "analysis"
	ActionToolCall  = "tool_call"
	ActionSynthesis = "synthesis"
)

// resultExcerptLen bounds result content kept in the log.
const resultExcerptLen = 500

// AgentAction records one step the agent took. Result content is
// truncated so a long session stays bounded in memory.
type AgentAction struct {
	Kind       string         `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	Server     string         `json:"server,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Purpose    string         `json:"purpose,omitempty"`
	Success    bool           `json:"success"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS float64        `json:"duration_ms"`
}

// ActivityLog accumulates the actions of one session and persists them
// as a structured JSON file and a human-readable report.
type ActivityLog struct {
	sessionID string
	startedAt time.Time

	mu      sync.Mutex
	actions []AgentAction
}

// NewActivityLog starts a log with a fresh short session id.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{
		sessionID: uuid.NewString()[:8],
		startedAt: time.Now(),
	}
}

// SessionID returns the short session identifier.
func (l *ActivityLog) SessionID() string { return l.sessionID }

// Append records one action, truncating its result excerpt.
func (l *ActivityLog) Append(action AgentAction) {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	action.Result = truncate(action.Result, resultExcerptLen)

	l.mu.Lock()
	l.actions = append(l.actions, action)
	l.mu.Unlock()
}

// Actions returns a copy of the recorded actions.
func (l *ActivityLog) Actions() []AgentAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AgentAction, len(l.actions))
	copy(out, l.actions)
	return out
}

// SaveJSON writes the structured session file into dir and returns its
// path. The write is atomic: temp file then rename.
func (l *ActivityLog) SaveJSON(dir string) (string, error) {
	payload := struct {
		SessionID string        `json:"session_id"`
		StartedAt time.Time     `json:"started_at"`
		SavedAt   time.Time     `json:"saved_at"`
		Actions   []AgentAction `json:"actions"`
	}{
		SessionID: l.sessionID,
		StartedAt: l.startedAt,
		SavedAt:   time.Now(),
		Actions:   l.Actions(),
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	name := fmt.Sprintf("session_%s_%s.json", l.sessionID, l.startedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// SaveReport writes the human-readable report into dir and returns its
// path.
func (l *ActivityLog) SaveReport(dir string) (string, error) {
	name := fmt.Sprintf("report_session_%s_%s.txt", l.sessionID, l.startedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := atomicWrite(path, []byte(l.Report())); err != nil {
		return "", err
	}
	return path, nil
}

// Report renders the session summary and per-action detail.
func (l *ActivityLog) Report() string {
	actions := l.Actions()

	var toolCalls, toolOK, toolFailed int
	for _, a := range actions {
		if a.Kind == ActionToolCall {
			toolCalls++
			if a.Success {
				toolOK++
			} else {
				toolFailed++
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== SESSION REPORT ===\n")
	fmt.Fprintf(&b, "Session:   %s\n", l.sessionID)
	fmt.Fprintf(&b, "Started:   %s\n", l.startedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().Format(time.RFC3339))

	fmt.Fprintf(&b, "SUMMARY\n-------\n")
	fmt.Fprintf(&b, "Total actions: %d\n", len(actions))
	fmt.Fprintf(&b, "Tool calls:    %d (%d succeeded, %d failed)\n\n", toolCalls, toolOK, toolFailed)

	fmt.Fprintf(&b, "DETAILED ACTIONS\n----------------\n")
	for i, a := range actions {
		fmt.Fprintf(&b, "[%d] %s %s", i+1, a.Timestamp.Format("15:04:05"), a.Kind)
		if a.Kind == ActionToolCall {
			fmt.Fprintf(&b, " %s.%s", a.Server, a.Tool)
		}
		b.WriteByte('\n')

		if a.Purpose != "" {
			fmt.Fprintf(&b, "    purpose: %s\n", a.Purpose)
		}
		status := "success"
		if !a.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "    status: %s (%.0fms)\n", status, a.DurationMS)
		if a.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", a.Error)
		}
		if a.Result != "" {
			fmt.Fprintf(&b, "    result: %s\n", a.Result)
		}
	}

	fmt.Fprintf(&b, "\n=== END OF REPORT ===\n")
	return b.String()
}

// atomicWrite writes via a temp file in the target directory, then
// renames into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
