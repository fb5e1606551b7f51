package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/types"
)

func sampleTask() *types.Task {
	return &types.Task{
		TaskID:             "t-001",
		Intent:             "Create utils file",
		Tool:               "claude",
		TaskType:           types.TaskTypeCoding,
		Instructions:       "Create src/utils.ts with helper functions",
		AcceptanceCriteria: []string{"file src/utils.ts exists"},
		Status:             "pending",
	}
}

func sampleSnapshot() Snapshot {
	return Snapshot{
		ProjectID:  "demo",
		WorkingDir: "/sandbox/demo",
		Goal:       "ship the demo",
		LastTaskID: "t-000",
		Completed: []CompletedBrief{
			{TaskID: "t-000", CompletedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), Intent: "Bootstrap repo", Success: true},
		},
		Blockers: []BlockerBrief{
			{TaskID: "t-bad", BlockedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Reason: "tests never pass"},
		},
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	b := NewBuilder()
	task := sampleTask()
	snap := sampleSnapshot()

	first := b.Build(task, snap)
	second := b.Build(task, snap)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("prompt not byte-identical (-first +second):\n%s", diff)
	}
}

func TestBuildAlwaysIncludesBaseContext(t *testing.T) {
	out := NewBuilder().Build(sampleTask(), sampleSnapshot())

	assert.Contains(t, out, "task_id: t-001")
	assert.Contains(t, out, "project: demo")
	assert.Contains(t, out, "working_directory: /sandbox/demo")
	assert.Contains(t, out, "t-000 (2026-03-01T10:00:00Z) success=true: Bootstrap repo")
	assert.Contains(t, out, "- t-bad (2026-03-02T09:00:00Z)")
	// Gated sections stay out without their keywords.
	assert.NotContains(t, out, "goal: ship the demo")
	assert.NotContains(t, out, "last_task_id")
	assert.NotContains(t, out, "tests never pass")
}

func TestBuildKeywordGates(t *testing.T) {
	task := sampleTask()
	task.Instructions = "Extend the goal work from the last task and unblock the blocked tests"
	out := NewBuilder().Build(task, sampleSnapshot())

	assert.Contains(t, out, "goal: ship the demo")
	assert.Contains(t, out, "last_task_id: t-000")
	assert.Contains(t, out, "continue_from: Bootstrap repo")
	assert.Contains(t, out, "tests never pass")
}

func TestBuildOutputContracts(t *testing.T) {
	snap := sampleSnapshot()
	b := NewBuilder()

	coding := sampleTask()
	assert.Contains(t, b.Build(coding, snap), `"files_created"`)

	behavioral := sampleTask()
	behavioral.TaskType = types.TaskTypeBehavioral
	assert.Contains(t, b.Build(behavioral, snap), `"response"`)

	verification := sampleTask()
	verification.TaskType = types.TaskTypeVerification
	out := b.Build(verification, snap)
	assert.Contains(t, out, `"verdict"`)
	assert.Contains(t, out, "Inspect, never modify.")
}

func TestDetectTaskType(t *testing.T) {
	tests := []struct {
		text string
		want types.TaskType
	}{
		{"add unit tests for the parser", types.TaskTypeTesting},
		{"update env setup for CI", types.TaskTypeConfiguration},
		{"write the readme", types.TaskTypeDocumentation},
		{"refactor the session layer", types.TaskTypeRefactoring},
		{"improve naming throughout", types.TaskTypeRefactoring},
		{"say hello to the user", types.TaskTypeBehavioral},
		{"verify the build output", types.TaskTypeVerification},
		{"audit the dependency tree", types.TaskTypeVerification},
		{"wire the new endpoint", types.TaskTypeCoding},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectTaskType(tt.text), "text: %s", tt.text)
	}
}

func TestEffectiveTaskTypePrefersExplicit(t *testing.T) {
	task := sampleTask()
	task.TaskType = types.TaskTypeBehavioral
	task.Intent = "verify everything" // would detect verification
	assert.Equal(t, types.TaskTypeBehavioral, EffectiveTaskType(task))
}

func TestSanitizePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "ok.ts"), []byte("x"), 0o644))

	in := []string{
		"src/ok.ts",
		"/etc/passwd",
		"../escape.ts",
		"~/home.ts",
		"src/../src/ok.ts", // contains ".."
		"missing.ts",
		"src", // directory, not file
	}
	assert.Equal(t, []string{"src/ok.ts"}, SanitizePaths(dir, in))
}

func TestBuildSnapshotLimitsAndFlags(t *testing.T) {
	st := types.NewState(types.ModeAuto)
	st.Goal = types.Goal{ProjectID: "demo", Description: "g"}
	for i := 0; i < 8; i++ {
		st.CompletedTasks = append(st.CompletedTasks, types.CompletedTask{
			TaskID:          string(rune('a' + i)),
			Intent:          "task",
			Summary:         "Completed: task",
			RequiresContext: true,
		})
	}
	// A failed entry and a no-context entry.
	st.CompletedTasks = append(st.CompletedTasks,
		types.CompletedTask{TaskID: "fail", Intent: "broken", Summary: "Failed: nope", RequiresContext: true},
		types.CompletedTask{TaskID: "legacy", Intent: "[Legacy] legacy", RequiresContext: false},
	)

	snap := BuildSnapshot(st, "/wd")
	require.Len(t, snap.Completed, RecentCompletedLimit)
	last := snap.Completed[len(snap.Completed)-1]
	assert.Equal(t, "fail", last.TaskID)
	assert.False(t, last.Success, "Failed: summaries mark success=false")
	for _, c := range snap.Completed {
		assert.NotEqual(t, "legacy", c.TaskID, "requires_context=false entries are excluded")
	}
}

func TestFixPromptEmbedsReportAndPreviews(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("line\n", 80)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.ts"), []byte(content), 0o644))

	task := sampleTask()
	report := &types.ValidationReport{
		Valid:          false,
		Reason:         "file broken.ts does not satisfy criteria",
		FailedCriteria: []string{"file broken.ts exists and exports helper"},
	}
	out := NewBuilder().BuildFixPrompt(task, report, dir)

	assert.Contains(t, out, "FIX REQUIRED")
	assert.Contains(t, out, "file broken.ts does not satisfy criteria")
	assert.Contains(t, out, "## File: broken.ts (first 50 lines)")
	// A path named in both the reason and a criterion previews once.
	assert.Equal(t, 1, strings.Count(out, "## File: broken.ts"))
	// Preview must be capped at 50 lines.
	previewStart := strings.Index(out, "## File: broken.ts")
	assert.LessOrEqual(t, strings.Count(out[previewStart:], "line"), 51)
}

func TestAuxPromptsContainContracts(t *testing.T) {
	b := NewBuilder()
	task := sampleTask()

	clar := b.BuildClarificationPrompt(task, types.HaltAmbiguity, "hedged answer")
	assert.Contains(t, clar, "needs_clarification")
	assert.Contains(t, clar, "AMBIGUITY")

	goal := b.BuildGoalCompletionPrompt(types.Goal{ProjectID: "demo", Description: "ship"}, sampleSnapshot())
	assert.Contains(t, goal, `"complete"`)

	inter := b.BuildInterrogationPrompt(task, []string{"c1", "c2"}, 2)
	assert.Contains(t, inter, "round: 2")
	assert.Contains(t, inter, "1. c1")

	analysis := b.BuildInterrogationAnalysisPrompt([]string{"c1"}, "it is done, see src/a.ts")
	assert.Contains(t, analysis, "COMPLETE|INCOMPLETE|UNCERTAIN")

	helper := b.BuildHelperPrompt(task, []string{"c1"}, []string{"src/a.ts"})
	assert.Contains(t, helper, `"commands"`)
	assert.Contains(t, helper, "- src/a.ts")
}
