package supervisor

import (
	"context"
	"strings"

	"overseer/internal/audit"
	"overseer/internal/types"
)

// summaryLimit caps the intent excerpt embedded in completed-task
// summaries.
const summaryLimit = 60

// finalize commits a validated task: iteration bump, completed-task
// record, prune, clear in-flight slots, persist, audit. The state is
// mutated in memory and written in one snapshot so a crash leaves either
// the old state or the fully committed one.
func (d *Driver) finalize(ctx context.Context, state, before *types.SupervisorState, task *types.Task, report *types.ValidationReport, promptText, response string, duration float64, source string) error {
	state.Supervisor.Iteration++
	state.Supervisor.LastTaskID = task.TaskID
	state.Supervisor.LastValidation = report

	record := types.CompletedTask{
		TaskID:          task.TaskID,
		CompletedAt:     d.now().UTC(),
		Intent:          task.Intent,
		Summary:         successSummary(task.Intent),
		RequiresContext: true,
		Validation:      report,
		DurationSeconds: duration,
	}
	state.CompletedTasks = appendPruned(state.CompletedTasks, record)

	state.CurrentTask = nil
	clearRetryBookkeeping(state, task.TaskID)
	if state.Supervisor.ResourceExhaustedRetry != nil && state.Supervisor.HaltReason == types.HaltResourceExhausted {
		state.Supervisor.ResourceExhaustedRetry = nil
		state.Supervisor.HaltReason = ""
		state.Supervisor.HaltDetails = ""
	}

	if err := d.saveState(ctx, state); err != nil {
		return err
	}
	d.appendAudit(audit.Entry{
		Iteration:         state.Supervisor.Iteration,
		Event:             audit.EventTaskCompleted,
		TaskID:            task.TaskID,
		Tool:              task.Tool,
		TaskSource:        source,
		StateDiff:         audit.DiffStates(before, state),
		ValidationSummary: report.Summary(),
		PromptPreview:     audit.Preview(promptText),
		PromptLength:      len(promptText),
		ResponsePreview:   audit.Preview(response),
		ResponseLength:    len(response),
		DurationSeconds:   duration,
	})
	return nil
}

// successSummary is "Completed: " plus the first sentence of the intent,
// truncated to summaryLimit chars with a "..." suffix when cut.
func successSummary(intent string) string {
	return "Completed: " + firstSentence(intent, summaryLimit)
}

// failureSummary mirrors successSummary for blocked tasks.
func failureSummary(reason string) string {
	if strings.TrimSpace(reason) == "" {
		reason = "Unknown reason"
	}
	return "Failed: " + reason
}

func firstSentence(text string, limit int) string {
	s := strings.TrimSpace(text)
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// appendPruned appends and drops the oldest entries past the cap. The
// tail, where the newest records live, is never discarded.
func appendPruned(list []types.CompletedTask, record types.CompletedTask) []types.CompletedTask {
	list = append(list, record)
	if overflow := len(list) - types.CompletedTasksCap; overflow > 0 {
		list = append([]types.CompletedTask(nil), list[overflow:]...)
	}
	return list
}

func clearRetryBookkeeping(state *types.SupervisorState, taskID string) {
	delete(state.Supervisor.RetryCounts, taskID)
	delete(state.Supervisor.LastFailureReason, taskID)
	delete(state.Supervisor.FailureStreak, taskID)
	delete(state.Supervisor.StrictTasks, taskID)
}
