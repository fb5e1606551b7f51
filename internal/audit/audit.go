// Package audit writes the two append-only JSON-line logs of a project
// sandbox: audit.log.jsonl (one entry per state-changing iteration event)
// and logs/prompts.log.jsonl (full prompt/response capture). Entries are
// never rewritten or compacted; append atomicity relies on O_APPEND
// single-line writes. Logging failures must never stall an iteration, so
// every append degrades to a zap warning on error.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names an audit event.
type EventType string

const (
	EventTaskCompleted   EventType = "TASK_COMPLETED"
	EventTaskBlocked     EventType = "TASK_BLOCKED"
	EventHalt            EventType = "HALT"
	EventQueueExhausted  EventType = "QUEUE_EXHAUSTED"
	EventStateTransition EventType = "STATE_TRANSITION"
)

// PreviewLimit bounds prompt/response previews embedded in audit entries.
const PreviewLimit = 500

// Entry is one audit record. StateDiff holds the shallow before/after
// values of top-level state fields that changed during the iteration.
type Entry struct {
	Timestamp         time.Time                 `json:"timestamp"`
	Iteration         int                       `json:"iteration"`
	Event             EventType                 `json:"event"`
	TaskID            string                    `json:"task_id,omitempty"`
	Tool              string                    `json:"tool,omitempty"`
	TaskSource        string                    `json:"task_source,omitempty"`
	StateDiff         map[string]FieldDiff      `json:"state_diff,omitempty"`
	ValidationSummary string                    `json:"validation_summary,omitempty"`
	PromptPreview     string                    `json:"prompt_preview,omitempty"`
	PromptLength      int                       `json:"prompt_length,omitempty"`
	ResponsePreview   string                    `json:"response_preview,omitempty"`
	ResponseLength    int                       `json:"response_length,omitempty"`
	DurationSeconds   float64                   `json:"duration_seconds,omitempty"`
	Details           map[string]any            `json:"details,omitempty"`
}

// FieldDiff is a before/after pair for one top-level state field.
type FieldDiff struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Logger appends to <sandbox_root>/<project_id>/audit.log.jsonl. The file
// is created on first append; absence is not an error.
type Logger struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// NewLogger returns an audit logger for one project sandbox.
func NewLogger(sandboxRoot, projectID string, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{
		path: filepath.Join(sandboxRoot, projectID, "audit.log.jsonl"),
		log:  log,
	}
}

// Append writes one entry as a single JSON line. Failures are logged and
// swallowed: audit IO must not block the iteration.
func (l *Logger) Append(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.PromptPreview = Preview(entry.PromptPreview)
	entry.ResponsePreview = Preview(entry.ResponsePreview)

	if err := appendLine(&l.mu, l.path, entry); err != nil {
		l.log.Warn("audit append failed", zap.String("path", l.path), zap.Error(err))
	}
}

// Path exposes the log location for inspection tooling.
func (l *Logger) Path() string { return l.path }

// Preview truncates s to PreviewLimit characters.
func Preview(s string) string {
	if len(s) <= PreviewLimit {
		return s
	}
	return s[:PreviewLimit]
}

// DiffStates computes the shallow top-level diff between two state
// snapshots via their JSON representations. Values are compared by
// re-encoded bytes, so nested changes surface as a change of their
// top-level field.
func DiffStates(before, after any) map[string]FieldDiff {
	b := toMap(before)
	a := toMap(after)
	diff := map[string]FieldDiff{}
	for k, bv := range b {
		av, ok := a[k]
		if !ok {
			diff[k] = FieldDiff{Before: bv, After: nil}
			continue
		}
		if !jsonEqual(bv, av) {
			diff[k] = FieldDiff{Before: bv, After: av}
		}
	}
	for k, av := range a {
		if _, ok := b[k]; !ok {
			diff[k] = FieldDiff{Before: nil, After: av}
		}
	}
	return diff
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// appendLine opens path in append mode, writes one JSON line, and closes.
// Opening per append keeps the file usable by external tail readers and
// avoids holding descriptors across long idle sleeps.
func appendLine(mu *sync.Mutex, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
