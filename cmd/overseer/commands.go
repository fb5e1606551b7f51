package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"overseer/internal/audit"
	"overseer/internal/config"
	"overseer/internal/store"
	"overseer/internal/supervisor"
	"overseer/internal/types"
)

// openStore loads configuration and connects both store namespaces.
func openStore() (*config.Config, *store.RedisStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st := store.NewRedisStore(cfg.Store, logger)
	return cfg, st, nil
}

func runInitState(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("execution-mode")
	execMode := types.ExecutionMode(strings.ToUpper(mode))
	if execMode != types.ModeAuto && execMode != types.ModeManual {
		return fmt.Errorf("invalid execution mode %q: want AUTO or MANUAL", mode)
	}

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.InitState(cmd.Context(), types.NewState(execMode)); err != nil {
		return err
	}
	fmt.Printf("State initialized in %s mode.\n", execMode)
	return nil
}

func runSetGoal(cmd *cobra.Command, args []string) error {
	projectID, _ := cmd.Flags().GetString("project-id")
	description, _ := cmd.Flags().GetString("description")

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	state, err := st.LoadState(ctx)
	if err != nil {
		return err
	}
	state.Goal = types.Goal{ProjectID: projectID, Description: description}
	if err := st.SaveState(ctx, state); err != nil {
		return err
	}
	fmt.Printf("Goal set for project %s.\n", projectID)
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("task-file")
	tasks, err := readTaskFile(path)
	if err != nil {
		return err
	}

	// Validate everything before pushing anything.
	seen := map[string]bool{}
	for i := range tasks {
		if tasks[i].TaskID == "" {
			tasks[i].TaskID = uuid.NewString()
		}
		if tasks[i].Status == "" {
			tasks[i].Status = "pending"
		}
		if err := tasks[i].Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if seen[tasks[i].TaskID] {
			return fmt.Errorf("duplicate task_id %q in file", tasks[i].TaskID)
		}
		seen[tasks[i].TaskID] = true
	}

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PushTasks(cmd.Context(), tasks); err != nil {
		return err
	}
	fmt.Printf("Enqueued %d task(s).\n", len(tasks))
	return nil
}

// readTaskFile accepts either a JSON array of task records or a single
// record.
func readTaskFile(path string) ([]types.Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var tasks []types.Task
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, fmt.Errorf("parsing task file: %w", err)
		}
		return tasks, nil
	}
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	return []types.Task{task}, nil
}

func runHalt(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	state, err := st.LoadState(ctx)
	if err != nil {
		return err
	}
	state.Halt(types.HaltOperator, reason)
	if err := st.SaveState(ctx, state); err != nil {
		return err
	}
	fmt.Println("Supervisor halted.")
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	state, err := st.LoadState(ctx)
	if err != nil {
		return err
	}
	if state.Supervisor.Status != types.StatusHalted {
		return fmt.Errorf("supervisor is %s, not HALTED", state.Supervisor.Status)
	}
	if retry := state.Supervisor.ResourceExhaustedRetry; retry != nil && time.Now().Before(retry.NextRetryAt) {
		return fmt.Errorf("provider quota retry scheduled for %s; cannot resume before then",
			retry.NextRetryAt.Format(time.RFC3339))
	}

	state.Supervisor.Status = types.StatusRunning
	state.Supervisor.HaltReason = ""
	state.Supervisor.HaltDetails = ""
	if err := st.SaveState(ctx, state); err != nil {
		return err
	}
	fmt.Println("Supervisor resumed.")
	return nil
}

func runUnblock(cmd *cobra.Command, args []string) error {
	taskID, _ := cmd.Flags().GetString("task-id")

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	state, err := st.LoadState(ctx)
	if err != nil {
		return err
	}

	kept := state.BlockedTasks[:0]
	found := false
	for _, b := range state.BlockedTasks {
		if b.TaskID == taskID {
			found = true
			continue
		}
		kept = append(kept, b)
	}
	if !found {
		return fmt.Errorf("task %q is not in blocked_tasks", taskID)
	}
	state.BlockedTasks = kept
	delete(state.Supervisor.RetryCounts, taskID)
	delete(state.Supervisor.LastFailureReason, taskID)
	delete(state.Supervisor.FailureStreak, taskID)
	delete(state.Supervisor.StrictTasks, taskID)

	if err := st.SaveState(ctx, state); err != nil {
		return err
	}
	fmt.Printf("Task %s unblocked; re-enqueue it to retry.\n", taskID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	state, err := st.LoadState(ctx)
	if err != nil {
		return err
	}
	queueLen, err := st.QueueLength(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Status:          %s\n", state.Supervisor.Status)
	if state.Supervisor.HaltReason != "" {
		fmt.Printf("Halt reason:     %s\n", state.Supervisor.HaltReason)
		if state.Supervisor.HaltDetails != "" {
			fmt.Printf("Halt details:    %s\n", state.Supervisor.HaltDetails)
		}
	}
	fmt.Printf("Execution mode:  %s\n", state.ExecutionMode)
	fmt.Printf("Iteration:       %d\n", state.Supervisor.Iteration)
	fmt.Printf("Goal:            [%s] %s (completed=%t)\n",
		state.Goal.ProjectID, state.Goal.Description, state.Goal.Completed)
	fmt.Printf("Queue length:    %d\n", queueLen)
	if next, err := st.PeekQueue(ctx); err == nil && next != nil {
		fmt.Printf("Next queued:     %s (%s)\n", next.TaskID, next.Intent)
	}
	fmt.Printf("Completed:       %d\n", len(state.CompletedTasks))
	fmt.Printf("Blocked:         %d\n", len(state.BlockedTasks))
	if state.CurrentTask != nil {
		fmt.Printf("In flight:       %s (%s)\n", state.CurrentTask.TaskID, state.CurrentTask.Intent)
	}
	if state.RetrySlot != nil {
		fmt.Printf("Retry slot:      %s (attempt %d)\n",
			state.RetrySlot.TaskID, state.Supervisor.RetryCounts[state.RetrySlot.TaskID])
	}
	if retry := state.Supervisor.ResourceExhaustedRetry; retry != nil {
		fmt.Printf("Quota retry:     attempt %d, next at %s\n",
			retry.Attempt, retry.NextRetryAt.Format(time.RFC3339))
	}

	if len(state.ActiveSessions) > 0 {
		fmt.Println("Active sessions:")
		features := make([]string, 0, len(state.ActiveSessions))
		for f := range state.ActiveSessions {
			features = append(features, f)
		}
		sort.Strings(features)
		for _, f := range features {
			s := state.ActiveSessions[f]
			fmt.Printf("  %-20s %s on %s (tokens~%d, errors=%d, last used %s)\n",
				f, s.SessionID, s.Provider, s.TokenEstimate, s.ErrorCount,
				s.LastUsed.Format(time.RFC3339))
		}
	}
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	state, err := st.LoadState(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Iteration:  %d\n", state.Supervisor.Iteration)
	fmt.Printf("Completed:  %d\n", len(state.CompletedTasks))
	fmt.Printf("Blocked:    %d\n", len(state.BlockedTasks))

	durations, err := taskDurations(cfg.SandboxRoot, state.Goal.ProjectID)
	if err != nil {
		// The audit log is optional; absence only limits the report.
		fmt.Printf("Durations:  unavailable (%v)\n", err)
		return nil
	}
	if len(durations) == 0 {
		return nil
	}
	fmt.Println("Per-task durations:")
	ids := make([]string, 0, len(durations))
	for id := range durations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var total float64
	for _, id := range ids {
		fmt.Printf("  %-24s %.1fs\n", id, durations[id])
		total += durations[id]
	}
	fmt.Printf("Mean:       %.1fs\n", total/float64(len(durations)))
	return nil
}

// taskDurations aggregates TASK_COMPLETED durations from the audit log.
func taskDurations(sandboxRoot, projectID string) (map[string]float64, error) {
	path := filepath.Join(sandboxRoot, projectID, "audit.log.jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]float64{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var entry audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Event == audit.EventTaskCompleted && entry.TaskID != "" {
			out[entry.TaskID] = entry.DurationSeconds
		}
	}
	return out, sc.Err()
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	state, err := st.LoadState(ctx)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	driver, err := supervisor.New(supervisor.Config{
		Store:    st,
		Registry: registry,
		Settings: cfg,
		Audit:    audit.NewLogger(cfg.SandboxRoot, state.Goal.ProjectID, logger),
		Prompt:   audit.NewPromptLogger(cfg.SandboxRoot, state.Goal.ProjectID, logger),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Starting control loop for project %s (poll %s). Ctrl-C to stop.\n",
		state.Goal.ProjectID, cfg.Loop.PollInterval())
	if err := driver.Run(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Println("Interrupted; state persisted.")
			return nil
		}
		return err
	}
	fmt.Println("Control loop finished.")
	return nil
}
