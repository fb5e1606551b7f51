package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"overseer/internal/audit"
	"overseer/internal/dispatch"
	"overseer/internal/prompt"
	"overseer/internal/session"
	"overseer/internal/types"
	"overseer/internal/validation"
)

// processTask drives one task end to end: prompt, dispatch, validate,
// commit or retry. Side effects follow the fixed order prompt log,
// provider call, response log, validation, state write, audit append.
func (d *Driver) processTask(ctx context.Context, state *types.SupervisorState, task *types.Task, source string) error {
	before := snapshotJSON(state)
	attempt := state.Supervisor.RetryCounts[task.TaskID]
	strict := state.Supervisor.StrictTasks[task.TaskID]
	workingDir := task.WorkingDirectory
	if workingDir == "" {
		workingDir = d.projectDir(state)
	}

	promptText, kind := d.buildTaskPrompt(state, task, attempt, workingDir)

	providerName, err := d.pickProvider(task.Tool)
	if err != nil {
		// All circuits open; wait for one to half-open.
		d.log.Warn("no provider available", zap.String("task_id", task.TaskID), zap.Error(err))
		return nil
	}

	res := d.sessions.Resolve(ctx, state, task, providerName, workingDir)
	toSend := session.TagPrompt(res, promptText)
	d.logPrompt(kind, task.TaskID, state.Supervisor.Iteration, toSend, audit.PromptMeta{
		Provider:  providerName,
		SessionID: res.SessionID,
	})

	start := d.now()
	result, usedName, dispatchErr := d.registry.Dispatch(ctx, providerName, dispatch.Request{
		Prompt:     toSend,
		WorkingDir: workingDir,
		AgentMode:  task.AgentMode,
		SessionID:  res.SessionID,
		FeatureID:  res.FeatureID,
	})
	duration := d.now().Sub(start).Seconds()

	if dispatchErr != nil {
		return d.handleDispatchError(ctx, state, before, task, res.FeatureID, toSend, duration, dispatchErr)
	}

	d.logPrompt(audit.KindResponse, task.TaskID, state.Supervisor.Iteration, result.Output, audit.PromptMeta{
		Provider:  usedName,
		SessionID: result.SessionID,
	})

	if result.Status != dispatch.StatusSuccess {
		d.sessions.RecordError(state, res.FeatureID)
		report := &types.ValidationReport{
			Valid:      false,
			Reason:     dispatchFailureReason(result),
			Confidence: types.ConfidenceHigh,
		}
		return d.applyFailure(ctx, state, before, task, report, toSend, result.Output, duration)
	}

	d.sessions.RecordSuccess(state, res, usedName, result.SessionID, toSend, result.Output, result.Usage)

	sessionID := result.SessionID
	if sessionID == "" {
		sessionID = res.SessionID
	}
	pipeline, err := validation.NewPipeline(validation.Config{
		Catalog:   d.catalog,
		Prompts:   d.prompts,
		PromptLog: d.plog,
		Runner:    d.runner,
		Helper:    d.completer(d.helperProvider(task.Tool), workingDir, ""),
		MaxRounds: d.cfg.Validation.InterrogationMaxRounds,
		PersistFlag: func(ctx context.Context, key string) error {
			state.Supervisor.InterrogationPerformed[key] = true
			return d.saveState(ctx, state)
		},
		Logger: d.log,
	})
	if err != nil {
		return err
	}

	report, _, err := pipeline.Validate(ctx, &validation.Input{
		Task:              task,
		Response:          result.Output,
		Attempt:           attempt,
		Iteration:         state.Supervisor.Iteration,
		Strict:            strict,
		WorkingDir:        workingDir,
		Agent:             d.completer(usedName, workingDir, sessionID),
		InterrogationDone: state.Supervisor.InterrogationPerformed[validation.InterrogationKey(task.TaskID, attempt)],
	})
	if err != nil {
		// Flag persistence failed; the store is unreachable mid-task.
		state.Halt(types.HaltInternalError, fmt.Sprintf("interrogation flag persistence: %v", err))
		if saveErr := d.saveState(ctx, state); saveErr != nil {
			return saveErr
		}
		d.auditHalt(state, before, task, source)
		return nil
	}

	if report.Valid {
		return d.finalize(ctx, state, before, task, report, toSend, result.Output, duration, source)
	}
	return d.applyFailure(ctx, state, before, task, report, toSend, result.Output, duration)
}

// buildTaskPrompt selects the base prompt for the first attempt and a
// fix prompt carrying the previous validation report for retries.
func (d *Driver) buildTaskPrompt(state *types.SupervisorState, task *types.Task, attempt int, workingDir string) (string, audit.PromptKind) {
	if attempt > 0 && state.Supervisor.LastValidation != nil && state.Supervisor.LastTaskID == task.TaskID {
		return d.prompts.BuildFixPrompt(task, state.Supervisor.LastValidation, workingDir), audit.KindFixPrompt
	}
	snap := prompt.BuildSnapshot(state, workingDir)
	return d.prompts.Build(task, snap), audit.KindPrompt
}

// pickProvider honors the task's preferred tool, then the configured
// priority order, skipping open circuits.
func (d *Driver) pickProvider(preferred string) (string, error) {
	if preferred != "" && d.registry.Available(preferred) {
		return preferred, nil
	}
	for _, name := range d.cfg.Dispatch.ProviderPriority {
		if d.registry.Available(name) {
			return name, nil
		}
	}
	return "", dispatch.ErrNoProviderAvailable
}

// handleDispatchError classifies provider errors: quota exhaustion
// schedules a timed retry, a bad working directory is fatal, anything
// else is a transient provider failure charged against the task's retry
// budget so a persistently broken binary eventually blocks the task.
func (d *Driver) handleDispatchError(ctx context.Context, state, before *types.SupervisorState, task *types.Task, feature, promptText string, duration float64, err error) error {
	var quota *dispatch.QuotaExhaustedError
	if errors.As(err, &quota) {
		return d.scheduleResourceRetry(ctx, state, before, task, quota)
	}

	var wde *dispatch.WorkingDirError
	if errors.As(err, &wde) {
		state.Halt(types.HaltInternalError, wde.Error())
		if saveErr := d.saveState(ctx, state); saveErr != nil {
			return saveErr
		}
		d.auditHalt(state, before, task, "")
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown, not a provider fault; replay on restart.
		return err
	}

	d.log.Warn("provider dispatch failed",
		zap.String("task_id", task.TaskID), zap.Error(err))
	d.sessions.RecordError(state, feature)
	report := &types.ValidationReport{
		Valid:      false,
		Reason:     "provider invocation failed: " + firstLineOf(err.Error()),
		Confidence: types.ConfidenceHigh,
	}
	return d.applyFailure(ctx, state, before, task, report, promptText, "", duration)
}

func dispatchFailureReason(result *dispatch.Result) string {
	if result.ExitCode == -1 {
		return "agent invocation timed out"
	}
	reason := fmt.Sprintf("agent exited with code %d", result.ExitCode)
	if out := firstLineOf(result.Output); out != "" {
		reason += ": " + out
	}
	return reason
}

// completer adapts the registry to the validation pipeline's Completer.
// An empty sessionID makes stateless calls (helper agent); otherwise the
// call continues the task's conversation.
func (d *Driver) completer(providerName, workingDir, sessionID string) validation.Completer {
	return completerFunc(func(ctx context.Context, promptText string) (string, error) {
		res, _, err := d.registry.Dispatch(ctx, providerName, dispatch.Request{
			Prompt:     promptText,
			WorkingDir: workingDir,
			SessionID:  sessionID,
		})
		if err != nil {
			return "", err
		}
		if res.Status != dispatch.StatusSuccess {
			return "", fmt.Errorf("agent call failed with exit code %d", res.ExitCode)
		}
		return res.Output, nil
	})
}

type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func firstLineOf(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
