package audit

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PromptKind names a prompt-log entry.
type PromptKind string

const (
	KindPrompt                 PromptKind = "PROMPT"
	KindResponse               PromptKind = "RESPONSE"
	KindFixPrompt              PromptKind = "FIX_PROMPT"
	KindClarificationPrompt    PromptKind = "CLARIFICATION_PROMPT"
	KindInterrogationPrompt    PromptKind = "INTERROGATION_PROMPT"
	KindInterrogationResponse  PromptKind = "INTERROGATION_RESPONSE"
	KindHelperAgentPrompt      PromptKind = "HELPER_AGENT_PROMPT"
	KindHelperAgentResponse    PromptKind = "HELPER_AGENT_RESPONSE"
	KindGoalCompletionCheck    PromptKind = "GOAL_COMPLETION_CHECK"
	KindGoalCompletionResponse PromptKind = "GOAL_COMPLETION_RESPONSE"
)

// TruncateLimit is the maximum stored content size. Larger content is cut
// and flagged; the original length is preserved in metadata.
const TruncateLimit = 100 * 1024

// PromptMeta carries provenance and truncation flags for one entry.
type PromptMeta struct {
	Truncated      bool   `json:"truncated,omitempty"`
	OriginalLength int    `json:"original_length,omitempty"`
	Provider       string `json:"provider,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Round          int    `json:"round,omitempty"`
}

// PromptEntry is one line of logs/prompts.log.jsonl.
type PromptEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Kind      PromptKind `json:"kind"`
	TaskID    string     `json:"task_id,omitempty"`
	Iteration int        `json:"iteration"`
	Content   string     `json:"content"`
	Metadata  PromptMeta `json:"metadata"`
}

// PromptLogger appends to <sandbox_root>/<project_id>/logs/prompts.log.jsonl.
type PromptLogger struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// NewPromptLogger returns a prompt logger for one project sandbox.
func NewPromptLogger(sandboxRoot, projectID string, log *zap.Logger) *PromptLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &PromptLogger{
		path: filepath.Join(sandboxRoot, projectID, "logs", "prompts.log.jsonl"),
		log:  log,
	}
}

// Append records one prompt or response, truncating oversized content.
// Failures are logged and swallowed.
func (l *PromptLogger) Append(entry PromptEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Content, entry.Metadata.Truncated, entry.Metadata.OriginalLength = Truncate(entry.Content)

	if err := appendLine(&l.mu, l.path, entry); err != nil {
		l.log.Warn("prompt log append failed", zap.String("path", l.path), zap.Error(err))
	}
}

// Path exposes the log location for inspection tooling.
func (l *PromptLogger) Path() string { return l.path }

// Truncate cuts content beyond TruncateLimit, appending the literal
// marker required by the log format. It returns the stored content, the
// truncated flag, and the original byte length (zero when untouched).
func Truncate(content string) (string, bool, int) {
	if len(content) <= TruncateLimit {
		return content, false, 0
	}
	n := len(content)
	marker := fmt.Sprintf("\n\n[TRUNCATED: %d bytes total]", n)
	return content[:TruncateLimit] + marker, true, n
}
