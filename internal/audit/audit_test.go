package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"overseer/internal/types"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024), 4*1024*1024)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), "each line must be one JSON object")
		entries = append(entries, m)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestAuditAppendCreatesJSONLines(t *testing.T) {
	root := t.TempDir()
	l := NewLogger(root, "demo", zap.NewNop())

	l.Append(Entry{
		Iteration: 1,
		Event:     EventTaskCompleted,
		TaskID:    "t-001",
		Tool:      "claude",
	})
	l.Append(Entry{
		Iteration: 2,
		Event:     EventTaskBlocked,
		TaskID:    "t-002",
	})

	entries := readLines(t, filepath.Join(root, "demo", "audit.log.jsonl"))
	require.Len(t, entries, 2)
	assert.Equal(t, "TASK_COMPLETED", entries[0]["event"])
	assert.Equal(t, "t-001", entries[0]["task_id"])
	assert.Equal(t, "TASK_BLOCKED", entries[1]["event"])
}

func TestAuditPreviewsCapped(t *testing.T) {
	root := t.TempDir()
	l := NewLogger(root, "demo", zap.NewNop())

	long := strings.Repeat("p", 2000)
	l.Append(Entry{
		Iteration:       1,
		Event:           EventTaskCompleted,
		PromptPreview:   long,
		PromptLength:    len(long),
		ResponsePreview: long,
		ResponseLength:  len(long),
	})

	entries := readLines(t, filepath.Join(root, "demo", "audit.log.jsonl"))
	require.Len(t, entries, 1)
	assert.Len(t, entries[0]["prompt_preview"], PreviewLimit)
	assert.Len(t, entries[0]["response_preview"], PreviewLimit)
	assert.EqualValues(t, 2000, entries[0]["prompt_length"])
}

func TestPromptLogTruncationMarker(t *testing.T) {
	root := t.TempDir()
	l := NewPromptLogger(root, "demo", zap.NewNop())

	big := strings.Repeat("x", TruncateLimit+5000)
	l.Append(PromptEntry{Kind: KindResponse, TaskID: "t-001", Content: big})

	entries := readLines(t, filepath.Join(root, "demo", "logs", "prompts.log.jsonl"))
	require.Len(t, entries, 1)

	content := entries[0]["content"].(string)
	meta := entries[0]["metadata"].(map[string]any)
	marker := fmt.Sprintf("[TRUNCATED: %d bytes total]", len(big))
	assert.True(t, strings.HasSuffix(content, marker), "content must end with the literal marker")
	assert.Equal(t, true, meta["truncated"])
	assert.EqualValues(t, len(big), meta["original_length"])
}

func TestPromptLogSmallContentUntouched(t *testing.T) {
	root := t.TempDir()
	l := NewPromptLogger(root, "demo", zap.NewNop())

	l.Append(PromptEntry{Kind: KindPrompt, Content: "hello"})

	entries := readLines(t, filepath.Join(root, "demo", "logs", "prompts.log.jsonl"))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0]["content"])
	meta := entries[0]["metadata"].(map[string]any)
	_, truncated := meta["truncated"]
	assert.False(t, truncated, "truncated flag must be absent for small content")
}

func TestAppendOnlyAcrossLoggers(t *testing.T) {
	// Re-opening the same sandbox must append, not rewrite.
	root := t.TempDir()
	NewLogger(root, "demo", zap.NewNop()).Append(Entry{Iteration: 1, Event: EventStateTransition})
	NewLogger(root, "demo", zap.NewNop()).Append(Entry{Iteration: 2, Event: EventStateTransition})

	entries := readLines(t, filepath.Join(root, "demo", "audit.log.jsonl"))
	assert.Len(t, entries, 2)
}

func TestDiffStatesShallow(t *testing.T) {
	before := types.NewState(types.ModeAuto)
	before.Goal = types.Goal{ProjectID: "demo", Description: "v1"}

	after := types.NewState(types.ModeAuto)
	after.Goal = types.Goal{ProjectID: "demo", Description: "v2"}
	after.Supervisor.Iteration = 1

	diff := DiffStates(before, after)
	assert.Contains(t, diff, "goal")
	assert.Contains(t, diff, "supervisor")
	assert.NotContains(t, diff, "execution_mode")
	assert.NotContains(t, diff, "blocked_tasks")
}

func TestTruncateBoundary(t *testing.T) {
	exact := strings.Repeat("a", TruncateLimit)
	got, truncated, n := Truncate(exact)
	assert.Equal(t, exact, got)
	assert.False(t, truncated)
	assert.Zero(t, n)
}
