package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "overseer - deterministic agent supervisor",
	Long: `overseer drives external code-generation agents through a queue of
operator-defined tasks toward a stated goal.

It dequeues one task per iteration, builds a deterministic prompt,
dispatches it to a CLI agent provider with session continuity, validates
the result against the task's acceptance criteria, and commits, retries,
or halts. Every state change is persisted as a full snapshot and
recorded in an append-only audit log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var initStateCmd = &cobra.Command{
	Use:   "init-state",
	Short: "Create a fresh supervisor state snapshot",
	Long: `Creates the supervisor state at the configured state key.
Fails if a snapshot already exists; an existing deployment is never
silently overwritten.`,
	RunE: runInitState,
}

var setGoalCmd = &cobra.Command{
	Use:   "set-goal",
	Short: "Replace the operator goal",
	RunE:  runSetGoal,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Validate and enqueue tasks from a JSON file",
	Long: `Reads a task file (a JSON array of task records, or a single
record) and pushes every task in order. All records are validated
first; one invalid record rejects the whole file and nothing is
enqueued.`,
	RunE: runEnqueue,
}

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Halt the supervisor with an operator reason",
	RunE:  runHalt,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a halted supervisor",
	Long: `Transitions HALTED back to RUNNING. Refuses while blocker
conditions remain, such as a resource-exhaustion schedule that has not
elapsed yet.`,
	RunE: runResume,
}

var unblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Clear a blocked task's record and retry bookkeeping",
	Long: `Removes the task from blocked_tasks and resets its retry
counters so it can be enqueued again. The task record itself is not
re-enqueued; use enqueue with the original task file.`,
	RunE: runUnblock,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a human-readable summary of the supervisor state",
	RunE:  runStatus,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print aggregated counts and per-task durations",
	RunE:  runMetrics,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the control loop in the foreground",
	Long: `Runs iterations until the goal completes, the supervisor halts,
or the process receives SIGINT/SIGTERM. A signal finishes the current
iteration before exiting; state is never left mid-commit.`,
	RunE: runStart,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	initStateCmd.Flags().String("execution-mode", "AUTO", "Execution mode: AUTO or MANUAL")

	setGoalCmd.Flags().String("project-id", "", "Project identifier (required)")
	setGoalCmd.Flags().String("description", "", "Goal description (required)")
	_ = setGoalCmd.MarkFlagRequired("project-id")
	_ = setGoalCmd.MarkFlagRequired("description")

	enqueueCmd.Flags().String("task-file", "", "Path to a JSON task file (required)")
	_ = enqueueCmd.MarkFlagRequired("task-file")

	haltCmd.Flags().String("reason", "", "Operator-supplied halt reason (required)")
	_ = haltCmd.MarkFlagRequired("reason")

	unblockCmd.Flags().String("task-id", "", "Blocked task identifier (required)")
	_ = unblockCmd.MarkFlagRequired("task-id")

	rootCmd.AddCommand(initStateCmd)
	rootCmd.AddCommand(setGoalCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(startCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
