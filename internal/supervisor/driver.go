// Package supervisor contains the control loop driver: one task per
// iteration, loaded from a persisted snapshot, dispatched to an agent
// provider, validated, and committed or retried. Every iteration ends
// with exactly one state write and at most one audit append.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"overseer/internal/audit"
	"overseer/internal/config"
	"overseer/internal/dispatch"
	"overseer/internal/prompt"
	"overseer/internal/session"
	"overseer/internal/store"
	"overseer/internal/types"
	"overseer/internal/validation"
)

// Task sources recorded in the audit log, in retrieval precedence order.
const (
	SourceCurrentTask = "current_task"
	SourceRetrySlot   = "retry_slot"
	SourceQueue       = "queue"
)

// Config wires the driver's collaborators. All fields except Clock are
// required.
type Config struct {
	Store    store.Store
	Registry *dispatch.Registry
	Sessions *session.Manager
	Prompts  *prompt.Builder
	Catalog  *validation.Catalog
	Audit    *audit.Logger
	Prompt   *audit.PromptLogger
	Runner   validation.CommandRunner
	Settings *config.Config
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Driver executes the control loop. It is single-threaded: Run owns the
// loop and nothing else touches the state key while it runs.
type Driver struct {
	store    store.Store
	registry *dispatch.Registry
	sessions *session.Manager
	prompts  *prompt.Builder
	catalog  *validation.Catalog
	audit    *audit.Logger
	plog     *audit.PromptLogger
	runner   validation.CommandRunner
	cfg      *config.Config
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg Config) (*Driver, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("supervisor: store is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("supervisor: provider registry is required")
	case cfg.Settings == nil:
		return nil, fmt.Errorf("supervisor: settings are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(cfg.Settings.Session, cfg.Registry, cfg.Logger)
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompt.NewBuilder()
	}
	if cfg.Catalog == nil {
		catalog, err := validation.LoadCatalog(cfg.Settings.Validation.RuleCatalogPath)
		if err != nil {
			return nil, err
		}
		cfg.Catalog = catalog
	}
	if cfg.Runner == nil {
		cfg.Runner = validation.ShellRunner{Timeout: cfg.Settings.Dispatch.CommandTimeout()}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Driver{
		store:    cfg.Store,
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		prompts:  cfg.Prompts,
		catalog:  cfg.Catalog,
		audit:    cfg.Audit,
		plog:     cfg.Prompt,
		runner:   cfg.Runner,
		cfg:      cfg.Settings,
		log:      cfg.Logger,
		now:      cfg.Clock,
	}, nil
}

// Run executes iterations until the context is cancelled, the state
// reaches HALTED or COMPLETED, or a manual-mode task commits. Errors
// inside an iteration are logged and the loop continues; only load
// failures and cancellation end the loop with an error.
func (d *Driver) Run(ctx context.Context) error {
	interval := d.cfg.Loop.PollInterval()
	for {
		stop, err := d.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, store.ErrStateNotFound) {
				return err
			}
			var integrity *store.IntegrityError
			if errors.As(err, &integrity) {
				return err
			}
			// Recoverable: state is as last persisted, next iteration
			// resumes.
			d.log.Error("iteration failed", zap.Error(err))
		}
		if stop {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunOnce performs a single iteration. The returned bool asks the caller
// to stop looping (halted, completed, or manual-mode single step).
func (d *Driver) RunOnce(ctx context.Context) (bool, error) {
	state, err := d.store.LoadState(ctx)
	if err != nil {
		return true, fmt.Errorf("loading state: %w", err)
	}

	switch state.Supervisor.Status {
	case types.StatusHalted:
		d.log.Info("supervisor halted, exiting loop",
			zap.String("reason", string(state.Supervisor.HaltReason)))
		return true, nil
	case types.StatusCompleted:
		d.log.Info("goal completed, exiting loop")
		return true, nil
	case types.StatusBlocked:
		return false, nil
	}

	if retry := state.Supervisor.ResourceExhaustedRetry; retry != nil {
		if d.now().Before(retry.NextRetryAt) {
			d.log.Debug("waiting out resource exhaustion",
				zap.Time("next_retry_at", retry.NextRetryAt))
			return false, nil
		}
	}

	task, source, err := d.retrieve(ctx, state)
	if err != nil {
		return false, err
	}
	if task == nil {
		return d.handleQueueExhausted(ctx, state)
	}

	if err := d.processTask(ctx, state, task, source); err != nil {
		return false, err
	}
	if state.ExecutionMode == types.ModeManual && state.Supervisor.Status == types.StatusRunning {
		// Manual mode steps one task at a time; the operator restarts
		// the loop to continue.
		d.log.Info("manual mode: stopping after one task", zap.String("task_id", task.TaskID))
		return true, nil
	}
	return state.Supervisor.Status != types.StatusRunning, nil
}

// retrieve selects the next task with strict precedence: in-flight
// recovery, then the retry slot, then the queue head. Tasks taken from
// the retry slot or the queue are bound to current_task and persisted
// before dispatch so a crash replays them.
func (d *Driver) retrieve(ctx context.Context, state *types.SupervisorState) (*types.Task, string, error) {
	if state.CurrentTask != nil {
		return state.CurrentTask, SourceCurrentTask, nil
	}
	if state.RetrySlot != nil {
		task := state.RetrySlot
		state.RetrySlot = nil
		state.CurrentTask = task
		if err := d.saveState(ctx, state); err != nil {
			return nil, "", err
		}
		return task, SourceRetrySlot, nil
	}
	task, err := d.store.PopTask(ctx)
	if errors.Is(err, store.ErrQueueEmpty) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("dequeuing task: %w", err)
	}
	state.CurrentTask = task
	state.QueueExhausted = false
	if err := d.saveState(ctx, state); err != nil {
		return nil, "", err
	}
	return task, SourceQueue, nil
}

// handleQueueExhausted marks exhaustion once, audits it, and optionally
// asks an agent whether the goal is complete. The completion check runs
// only on the transition into exhaustion, not on every idle poll.
func (d *Driver) handleQueueExhausted(ctx context.Context, state *types.SupervisorState) (bool, error) {
	if state.QueueExhausted {
		return false, nil
	}
	before := snapshotJSON(state)
	state.QueueExhausted = true
	if err := d.saveState(ctx, state); err != nil {
		return false, err
	}
	d.appendAudit(audit.Entry{
		Iteration: state.Supervisor.Iteration,
		Event:     audit.EventQueueExhausted,
		StateDiff: audit.DiffStates(before, state),
	})

	if !d.cfg.Loop.GoalCompletionCheck || state.Goal.Description == "" || state.Goal.Completed {
		return false, nil
	}
	complete, err := d.checkGoalCompletion(ctx, state)
	if err != nil {
		d.log.Warn("goal completion check failed", zap.Error(err))
		return false, nil
	}
	if !complete {
		return false, nil
	}
	before = snapshotJSON(state)
	state.Goal.Completed = true
	state.Supervisor.Status = types.StatusCompleted
	if err := d.saveState(ctx, state); err != nil {
		return false, err
	}
	d.appendAudit(audit.Entry{
		Iteration: state.Supervisor.Iteration,
		Event:     audit.EventStateTransition,
		StateDiff: audit.DiffStates(before, state),
		Details:   map[string]any{"transition": "goal completed"},
	})
	return true, nil
}

// checkGoalCompletion asks the helper provider to judge the goal from
// state-derived context only.
func (d *Driver) checkGoalCompletion(ctx context.Context, state *types.SupervisorState) (bool, error) {
	snap := prompt.BuildSnapshot(state, d.projectDir(state))
	question := d.prompts.BuildGoalCompletionPrompt(state.Goal, snap)
	d.logPrompt(audit.KindGoalCompletionCheck, "", state.Supervisor.Iteration, question, audit.PromptMeta{})

	res, used, err := d.registry.Dispatch(ctx, d.helperProvider(""), dispatch.Request{
		Prompt:     question,
		WorkingDir: d.projectDir(state),
	})
	if err != nil {
		return false, err
	}
	d.logPrompt(audit.KindGoalCompletionResponse, "", state.Supervisor.Iteration, res.Output, audit.PromptMeta{Provider: used})

	var verdict struct {
		Complete  bool   `json:"complete"`
		Reasoning string `json:"reasoning"`
	}
	if err := validation.Decode(res.Output, &verdict); err != nil {
		return false, fmt.Errorf("parsing goal verdict: %w", err)
	}
	return verdict.Complete, nil
}

// projectDir is the default working directory for tasks without an
// override.
func (d *Driver) projectDir(state *types.SupervisorState) string {
	return filepath.Join(d.cfg.SandboxRoot, state.Goal.ProjectID)
}

// helperProvider picks the provider for helper and goal-completion
// calls: the configured helper model, falling back to the task's tool.
func (d *Driver) helperProvider(taskTool string) string {
	if d.cfg.Dispatch.HelperModel != "" {
		return d.cfg.Dispatch.HelperModel
	}
	return taskTool
}

// saveState persists the full snapshot, retrying once on I/O failure.
func (d *Driver) saveState(ctx context.Context, state *types.SupervisorState) error {
	if err := d.store.SaveState(ctx, state); err != nil {
		d.log.Warn("state save failed, retrying once", zap.Error(err))
		if err := d.store.SaveState(ctx, state); err != nil {
			return fmt.Errorf("persisting state: %w", err)
		}
	}
	return nil
}

// appendAudit stamps and appends an entry; audit failures never block
// the iteration.
func (d *Driver) appendAudit(entry audit.Entry) {
	if d.audit == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = d.now().UTC()
	}
	d.audit.Append(entry)
}

func (d *Driver) logPrompt(kind audit.PromptKind, taskID string, iteration int, content string, meta audit.PromptMeta) {
	if d.plog == nil {
		return
	}
	// Append owns truncation and the metadata flags.
	d.plog.Append(audit.PromptEntry{
		Kind:      kind,
		TaskID:    taskID,
		Iteration: iteration,
		Content:   content,
		Metadata:  meta,
	})
}

// snapshotJSON deep-copies a state for later diffing.
func snapshotJSON(state *types.SupervisorState) *types.SupervisorState {
	raw, err := json.Marshal(state)
	if err != nil {
		return state
	}
	var clone types.SupervisorState
	if err := json.Unmarshal(raw, &clone); err != nil {
		return state
	}
	return &clone
}
