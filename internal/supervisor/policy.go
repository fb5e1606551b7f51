package supervisor

import (
	"context"
	"fmt"
	"time"

	"overseer/internal/audit"
	"overseer/internal/dispatch"
	"overseer/internal/types"
)

// Resource-exhaustion backoff: doubles per consecutive quota hit,
// bounded so an overnight quota reset is not overshot.
const (
	backoffBase = 5 * time.Minute
	backoffCap  = 2 * time.Hour
)

// applyFailure routes a failing iteration: ambiguity and questions halt,
// a remaining retry budget schedules the retry slot, exhaustion blocks.
func (d *Driver) applyFailure(ctx context.Context, state, before *types.SupervisorState, task *types.Task, report *types.ValidationReport, promptText, response string, duration float64) error {
	state.Supervisor.LastValidation = report
	state.Supervisor.LastTaskID = task.TaskID

	if report.Ambiguous || report.AskedQuestion {
		reason := types.HaltAmbiguity
		if report.AskedQuestion {
			reason = types.HaltAskedQuestion
		}
		state.Halt(reason, report.Reason)
		if err := d.saveState(ctx, state); err != nil {
			return err
		}
		d.auditHalt(state, before, task, "")
		// A clarification prompt is logged so the operator can relay it
		// verbatim when resolving the halt.
		clarification := d.prompts.BuildClarificationPrompt(task, reason, report.Reason)
		d.logPrompt(audit.KindClarificationPrompt, task.TaskID, state.Supervisor.Iteration, clarification, audit.PromptMeta{})
		return nil
	}

	reason := report.Reason
	if reason == "" {
		reason = "validation failed"
	}
	escalate := d.trackFailureStreak(state, task.TaskID, reason)

	maxRetries := d.cfg.Loop.DefaultMaxRetries
	if task.RetryPolicy != nil {
		maxRetries = task.RetryPolicy.MaxRetries
	}
	count := state.Supervisor.RetryCounts[task.TaskID]

	if escalate || count >= maxRetries {
		return d.block(ctx, state, before, task, report, reason, promptText, response, duration)
	}

	state.Supervisor.RetryCounts[task.TaskID] = count + 1
	state.RetrySlot = task
	state.CurrentTask = nil
	if err := d.saveState(ctx, state); err != nil {
		return err
	}
	d.appendAudit(audit.Entry{
		Iteration:         state.Supervisor.Iteration,
		Event:             audit.EventStateTransition,
		TaskID:            task.TaskID,
		Tool:              task.Tool,
		StateDiff:         audit.DiffStates(before, state),
		ValidationSummary: report.Summary(),
		PromptPreview:     audit.Preview(promptText),
		PromptLength:      len(promptText),
		ResponsePreview:   audit.Preview(response),
		ResponseLength:    len(response),
		DurationSeconds:   duration,
		Details: map[string]any{
			"transition": "retry scheduled",
			"attempt":    count + 1,
			"max":        maxRetries,
			"strict":     state.Supervisor.StrictTasks[task.TaskID],
		},
	})
	return nil
}

// trackFailureStreak counts consecutive identical failure reasons. At
// the configured threshold the task is marked strict; a strict task that
// fails again escalates straight to blocked.
func (d *Driver) trackFailureStreak(state *types.SupervisorState, taskID, reason string) (escalate bool) {
	sup := &state.Supervisor
	if sup.LastFailureReason[taskID] == reason {
		sup.FailureStreak[taskID]++
	} else {
		sup.FailureStreak[taskID] = 1
		sup.LastFailureReason[taskID] = reason
	}
	if sup.FailureStreak[taskID] < d.cfg.Loop.RepeatedFailureThreshold {
		return false
	}
	if sup.StrictTasks[taskID] {
		return true
	}
	sup.StrictTasks[taskID] = true
	return false
}

// block moves the task to blocked_tasks and records a failure entry in
// completed_tasks so future prompts can reference it.
func (d *Driver) block(ctx context.Context, state, before *types.SupervisorState, task *types.Task, report *types.ValidationReport, reason, promptText, response string, duration float64) error {
	state.Supervisor.Iteration++
	state.BlockedTasks = append(state.BlockedTasks, types.BlockedTask{
		TaskID:    task.TaskID,
		BlockedAt: d.now().UTC(),
		Reason:    reason,
	})
	state.CompletedTasks = appendPruned(state.CompletedTasks, types.CompletedTask{
		TaskID:          task.TaskID,
		CompletedAt:     d.now().UTC(),
		Intent:          task.Intent,
		Summary:         failureSummary(reason),
		RequiresContext: true,
		Validation:      report,
		DurationSeconds: duration,
	})
	state.CurrentTask = nil
	state.RetrySlot = nil
	clearRetryBookkeeping(state, task.TaskID)

	if err := d.saveState(ctx, state); err != nil {
		return err
	}
	d.appendAudit(audit.Entry{
		Iteration:         state.Supervisor.Iteration,
		Event:             audit.EventTaskBlocked,
		TaskID:            task.TaskID,
		Tool:              task.Tool,
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

// scheduleResourceRetry records a provider quota signal: the attempt
// counter grows, the next retry time backs off exponentially, and the
// halt reason marks the condition without halting the status. The task
// stays bound to current_task and replays after the schedule time.
func (d *Driver) scheduleResourceRetry(ctx context.Context, state, before *types.SupervisorState, task *types.Task, quota *dispatch.QuotaExhaustedError) error {
	attempt := 1
	if prev := state.Supervisor.ResourceExhaustedRetry; prev != nil {
		attempt = prev.Attempt + 1
	}
	now := d.now().UTC()
	delay := quota.RetryAfter
	if delay <= 0 {
		delay = backoff(attempt)
	}
	state.Supervisor.ResourceExhaustedRetry = &types.ResourceExhaustedRetry{
		Attempt:       attempt,
		LastAttemptAt: now,
		NextRetryAt:   now.Add(delay),
	}
	state.Supervisor.HaltReason = types.HaltResourceExhausted
	state.Supervisor.HaltDetails = fmt.Sprintf("provider %s quota exhausted", quota.Provider)

	if err := d.saveState(ctx, state); err != nil {
		return err
	}
	d.appendAudit(audit.Entry{
		Iteration: state.Supervisor.Iteration,
		Event:     audit.EventStateTransition,
		TaskID:    task.TaskID,
		Tool:      task.Tool,
		StateDiff: audit.DiffStates(before, state),
		Details: map[string]any{
			"transition":    "resource exhausted",
			"attempt":       attempt,
			"next_retry_at": state.Supervisor.ResourceExhaustedRetry.NextRetryAt,
		},
	})
	return nil
}

func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func (d *Driver) auditHalt(state, before *types.SupervisorState, task *types.Task, source string) {
	entry := audit.Entry{
		Iteration:  state.Supervisor.Iteration,
		Event:      audit.EventHalt,
		TaskSource: source,
		StateDiff:  audit.DiffStates(before, state),
		Details: map[string]any{
			"halt_reason":  string(state.Supervisor.HaltReason),
			"halt_details": state.Supervisor.HaltDetails,
		},
	}
	if task != nil {
		entry.TaskID = task.TaskID
		entry.Tool = task.Tool
	}
	d.appendAudit(entry)
}
