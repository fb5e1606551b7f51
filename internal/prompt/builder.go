// Package prompt assembles agent prompts deterministically. A prompt is
// a pure function of (task, snapshot): identical inputs produce
// byte-identical output. Prompts present context as data, not
// instructions; the only imperative content is the per-task-type output
// contract the agent must emit.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"overseer/internal/types"
)

// RecentCompletedLimit caps how many completed tasks a snapshot carries.
const RecentCompletedLimit = 5

// CompletedBrief is the per-completed-task slice of context included in
// prompts.
type CompletedBrief struct {
	TaskID      string
	CompletedAt time.Time
	Intent      string
	Success     bool
}

// BlockerBrief is the per-blocker slice of context included in prompts.
type BlockerBrief struct {
	TaskID    string
	BlockedAt time.Time
	Reason    string
}

// Snapshot is the minimal deterministic state extract a prompt may draw
// from. Conditional sections gate on task keywords, not on snapshot
// content, so the same (task, snapshot) pair always renders identically.
type Snapshot struct {
	ProjectID  string
	WorkingDir string
	Goal       string
	LastTaskID string
	Completed  []CompletedBrief
	Blockers   []BlockerBrief
}

// BuildSnapshot extracts a Snapshot from the supervisor state. The
// completed list is the most recent RecentCompletedLimit entries that
// require context, newest last.
func BuildSnapshot(state *types.SupervisorState, workingDir string) Snapshot {
	snap := Snapshot{
		ProjectID:  state.Goal.ProjectID,
		WorkingDir: workingDir,
		Goal:       state.Goal.Description,
		LastTaskID: state.Supervisor.LastTaskID,
	}

	var eligible []types.CompletedTask
	for _, ct := range state.CompletedTasks {
		if ct.RequiresContext {
			eligible = append(eligible, ct)
		}
	}
	if len(eligible) > RecentCompletedLimit {
		eligible = eligible[len(eligible)-RecentCompletedLimit:]
	}
	for _, ct := range eligible {
		snap.Completed = append(snap.Completed, CompletedBrief{
			TaskID:      ct.TaskID,
			CompletedAt: ct.CompletedAt,
			Intent:      ct.Intent,
			Success:     !strings.HasPrefix(ct.Summary, "Failed:"),
		})
	}

	for _, bt := range state.BlockedTasks {
		snap.Blockers = append(snap.Blockers, BlockerBrief{
			TaskID:    bt.TaskID,
			BlockedAt: bt.BlockedAt,
			Reason:    bt.Reason,
		})
	}
	return snap
}

// Builder renders prompts. It is stateless; all inputs arrive per call.
type Builder struct{}

// NewBuilder returns a prompt builder.
func NewBuilder() *Builder { return &Builder{} }

// taskText is the lowercase haystack keyword gates match against.
func taskText(task *types.Task) string {
	parts := []string{task.Intent, task.Instructions}
	parts = append(parts, task.AcceptanceCriteria...)
	return strings.ToLower(strings.Join(parts, "\n"))
}

func containsAny(haystack string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}

// Build produces the full agent prompt for a task.
func (b *Builder) Build(task *types.Task, snap Snapshot) string {
	strat := strategyFor(EffectiveTaskType(task))
	text := taskText(task)

	var sb strings.Builder

	sb.WriteString("# TASK\n")
	fmt.Fprintf(&sb, "task_id: %s\n", task.TaskID)
	fmt.Fprintf(&sb, "intent: %s\n", task.Intent)
	fmt.Fprintf(&sb, "type: %s\n", EffectiveTaskType(task))
	sb.WriteString("\n## Instructions\n")
	sb.WriteString(task.Instructions)
	sb.WriteString("\n\n## Acceptance Criteria\n")
	for i, c := range task.AcceptanceCriteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}

	sb.WriteString("\n# CONTEXT\n")
	fmt.Fprintf(&sb, "project: %s\n", snap.ProjectID)
	fmt.Fprintf(&sb, "working_directory: %s\n", snap.WorkingDir)

	if containsAny(text, "goal") && snap.Goal != "" {
		fmt.Fprintf(&sb, "goal: %s\n", snap.Goal)
	}
	if containsAny(text, "last task", "previous task") && snap.LastTaskID != "" {
		fmt.Fprintf(&sb, "last_task_id: %s\n", snap.LastTaskID)
	}

	if len(snap.Completed) > 0 {
		extended := containsAny(text, "extend", "build on")
		sb.WriteString("\n## Recently Completed\n")
		for _, ct := range snap.Completed {
			fmt.Fprintf(&sb, "- %s (%s) success=%t: %s\n",
				ct.TaskID, ct.CompletedAt.UTC().Format(time.RFC3339), ct.Success, ct.Intent)
			if extended {
				// The extended form repeats the intent as continuation
				// context so "build on" tasks see what they extend.
				fmt.Fprintf(&sb, "  continue_from: %s\n", ct.Intent)
			}
		}
	}

	if len(snap.Blockers) > 0 {
		withDetail := containsAny(text, "unblock", "blocked")
		sb.WriteString("\n## Active Blockers\n")
		for _, bl := range snap.Blockers {
			fmt.Fprintf(&sb, "- %s (%s)", bl.TaskID, bl.BlockedAt.UTC().Format(time.RFC3339))
			if withDetail {
				fmt.Fprintf(&sb, ": %s", bl.Reason)
			}
			sb.WriteString("\n")
		}
	}

	if len(strat.Rules) > 0 {
		sb.WriteString("\n# RULES\n")
		for _, r := range strat.Rules {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	if len(strat.Guidelines) > 0 {
		sb.WriteString("\n# GUIDELINES\n")
		for _, g := range strat.Guidelines {
			fmt.Fprintf(&sb, "- %s\n", g)
		}
	}

	sb.WriteString("\n# OUTPUT FORMAT\n")
	sb.WriteString("Respond with exactly one JSON object:\n")
	sb.WriteString(strat.OutputContract)
	sb.WriteString("\n")

	return sb.String()
}

