// Package types defines the shared data model of the supervisor: tasks,
// goals, sessions, validation reports, and the single persisted
// SupervisorState snapshot. JSON tags on these structs are the persisted
// wire format; changing a tag is a storage migration.
package types

import (
	"fmt"
	"strings"
	"time"
)

// TaskType classifies a task and selects its prompt strategy and
// validation behavior.
type TaskType string

const (
	TaskTypeCoding         TaskType = "coding"
	TaskTypeBehavioral     TaskType = "behavioral"
	TaskTypeVerification   TaskType = "verification"
	TaskTypeResearch       TaskType = "research"
	TaskTypeTesting        TaskType = "testing"
	TaskTypeOrchestration  TaskType = "orchestration"
	TaskTypeConfiguration  TaskType = "configuration"
	TaskTypeDocumentation  TaskType = "documentation"
	TaskTypeImplementation TaskType = "implementation"
	TaskTypeRefactoring    TaskType = "refactoring"
)

// validTaskTypes is the closed set accepted at enqueue time.
var validTaskTypes = map[TaskType]bool{
	TaskTypeCoding:         true,
	TaskTypeBehavioral:     true,
	TaskTypeVerification:   true,
	TaskTypeResearch:       true,
	TaskTypeTesting:        true,
	TaskTypeOrchestration:  true,
	TaskTypeConfiguration:  true,
	TaskTypeDocumentation:  true,
	TaskTypeImplementation: true,
	TaskTypeRefactoring:    true,
}

// IsCodingFamily reports whether the task type produces file artifacts and
// therefore shares the coding output contract and file-existence checks.
func (t TaskType) IsCodingFamily() bool {
	switch t {
	case TaskTypeCoding, TaskTypeConfiguration, TaskTypeDocumentation,
		TaskTypeTesting, TaskTypeRefactoring, TaskTypeImplementation:
		return true
	}
	return false
}

// SupervisorStatus is the top-level run state of the supervisor.
type SupervisorStatus string

const (
	StatusRunning   SupervisorStatus = "RUNNING"
	StatusBlocked   SupervisorStatus = "BLOCKED"
	StatusHalted    SupervisorStatus = "HALTED"
	StatusCompleted SupervisorStatus = "COMPLETED"
)

// ExecutionMode controls whether the loop advances on its own or waits for
// operator confirmation between iterations.
type ExecutionMode string

const (
	ModeAuto   ExecutionMode = "AUTO"
	ModeManual ExecutionMode = "MANUAL"
)

// HaltReason classifies why the supervisor stopped and requires operator
// intervention. The supervisor never clears a halt on its own.
type HaltReason string

const (
	HaltAmbiguity         HaltReason = "AMBIGUITY"
	HaltAskedQuestion     HaltReason = "ASKED_QUESTION"
	HaltResourceExhausted HaltReason = "RESOURCE_EXHAUSTED"
	HaltInternalError     HaltReason = "INTERNAL_ERROR"
	HaltOperator          HaltReason = "OPERATOR"
)

// Confidence rates how reliable a validation outcome is.
type Confidence string

const (
	ConfidenceHigh      Confidence = "HIGH"
	ConfidenceMedium    Confidence = "MEDIUM"
	ConfidenceLow       Confidence = "LOW"
	ConfidenceUncertain Confidence = "UNCERTAIN"
)

// Goal is the operator-defined objective. The supervisor reads it and
// reports against it but never modifies it.
type Goal struct {
	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// RetryPolicy overrides the configured default retry budget for one task.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
}

// TaskMeta carries optional session routing hints.
type TaskMeta struct {
	SessionID string `json:"session_id,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`
}

// Task is a single enqueued unit of work. Queued tasks are immutable: the
// bytes popped from the queue are the bytes that were pushed.
type Task struct {
	TaskID             string       `json:"task_id"`
	Intent             string       `json:"intent"`
	Tool               string       `json:"tool"`
	TaskType           TaskType     `json:"task_type,omitempty"`
	Instructions       string       `json:"instructions"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
	RetryPolicy        *RetryPolicy `json:"retry_policy,omitempty"`
	ExpectedJSONSchema string       `json:"expected_json_schema,omitempty"`
	RequiredArtifacts  []string     `json:"required_artifacts,omitempty"`
	TestCommand        string       `json:"test_command,omitempty"`
	TestsRequired      bool         `json:"tests_required,omitempty"`
	WorkingDirectory   string       `json:"working_directory,omitempty"`
	AgentMode          string       `json:"agent_mode,omitempty"`
	Meta               *TaskMeta    `json:"meta,omitempty"`
	Status             string       `json:"status"`
}

// Validate checks the task record against the enqueue schema. Invalid
// tasks are rejected before anything is pushed; they never halt the
// supervisor.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(t.Intent) == "" {
		return fmt.Errorf("task %s: intent is required", t.TaskID)
	}
	if strings.TrimSpace(t.Tool) == "" {
		return fmt.Errorf("task %s: tool is required", t.TaskID)
	}
	if strings.TrimSpace(t.Instructions) == "" {
		return fmt.Errorf("task %s: instructions are required", t.TaskID)
	}
	if len(t.AcceptanceCriteria) == 0 {
		return fmt.Errorf("task %s: acceptance_criteria must be non-empty", t.TaskID)
	}
	for i, c := range t.AcceptanceCriteria {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("task %s: acceptance_criteria[%d] is empty", t.TaskID, i)
		}
	}
	if t.TaskType != "" && !validTaskTypes[t.TaskType] {
		return fmt.Errorf("task %s: unknown task_type %q", t.TaskID, t.TaskType)
	}
	if t.RetryPolicy != nil && t.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("task %s: retry_policy.max_retries must be >= 0", t.TaskID)
	}
	if t.Status != "" && t.Status != "pending" {
		return fmt.Errorf("task %s: status must be \"pending\", got %q", t.TaskID, t.Status)
	}
	return nil
}

// CompletedTask is the snapshot recorded when a task commits. Entries are
// append-only and evicted only by pruning at the cap.
type CompletedTask struct {
	TaskID          string            `json:"task_id"`
	CompletedAt     time.Time         `json:"completed_at"`
	Intent          string            `json:"intent"`
	Summary         string            `json:"summary"`
	RequiresContext bool              `json:"requires_context"`
	Validation      *ValidationReport `json:"validation,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
}

// BlockedTask records a task that exhausted its retry budget.
type BlockedTask struct {
	TaskID    string    `json:"task_id"`
	BlockedAt time.Time `json:"blocked_at"`
	Reason    string    `json:"reason"`
}

// SessionInfo tracks one provider session keyed by feature id. Sessions
// are rotated when their token or error budget is exceeded.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	Provider      string    `json:"provider"`
	LastUsed      time.Time `json:"last_used"`
	ErrorCount    int       `json:"error_count"`
	TokenEstimate int       `json:"token_estimate"`
}

// CriterionResult is the per-criterion outcome of deterministic or
// interrogation validation.
type CriterionResult struct {
	Criterion  string     `json:"criterion"`
	Passed     bool       `json:"passed"`
	Confidence Confidence `json:"confidence"`
	Evidence   string     `json:"evidence,omitempty"`
}

// ValidationReport is the final product of the validation pipeline.
type ValidationReport struct {
	Valid             bool              `json:"valid"`
	Reason            string            `json:"reason,omitempty"`
	PassedRules       []string          `json:"passed_rules,omitempty"`
	FailedRules       []string          `json:"failed_rules,omitempty"`
	Confidence        Confidence        `json:"confidence"`
	FailedCriteria    []string          `json:"failed_criteria,omitempty"`
	UncertainCriteria []string          `json:"uncertain_criteria,omitempty"`
	Criteria          []CriterionResult `json:"criteria,omitempty"`

	// Ambiguous and AskedQuestion are pipeline outcomes that the retry
	// policy converts into halts rather than retries.
	Ambiguous     bool `json:"ambiguous,omitempty"`
	AskedQuestion bool `json:"asked_question,omitempty"`
}

// Summary renders a one-line human-readable digest for audit entries.
func (r *ValidationReport) Summary() string {
	if r == nil {
		return "no validation report"
	}
	if r.Valid {
		return fmt.Sprintf("valid (%s confidence, %d criteria passed)", r.Confidence, len(r.Criteria))
	}
	reason := r.Reason
	if reason == "" {
		reason = "unspecified failure"
	}
	return fmt.Sprintf("invalid (%s confidence): %s [%d criteria failed]", r.Confidence, reason, len(r.FailedCriteria))
}

// ResourceExhaustedRetry schedules the next attempt after a provider
// quota signal. The driver refuses to run a task before NextRetryAt.
type ResourceExhaustedRetry struct {
	Attempt       int       `json:"attempt"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	NextRetryAt   time.Time `json:"next_retry_at"`
}

// SupervisorInfo is the supervisor sub-state: run status plus the
// transient bookkeeping that must survive a crash.
type SupervisorInfo struct {
	Status                 SupervisorStatus        `json:"status"`
	Iteration              int                     `json:"iteration"`
	LastTaskID             string                  `json:"last_task_id,omitempty"`
	LastValidation         *ValidationReport       `json:"last_validation,omitempty"`
	HaltReason             HaltReason              `json:"halt_reason,omitempty"`
	HaltDetails            string                  `json:"halt_details,omitempty"`
	ResourceExhaustedRetry *ResourceExhaustedRetry `json:"resource_exhausted_retry,omitempty"`

	// RetryCounts is keyed by task_id.
	RetryCounts map[string]int `json:"retry_counts,omitempty"`

	// InterrogationPerformed is keyed by "<task_id>_<attempt>" and is
	// persisted before the first interrogation round so a crash cannot
	// cause repeated rounds.
	InterrogationPerformed map[string]bool `json:"interrogation_performed,omitempty"`

	// LastFailureReason / FailureStreak detect repeated identical
	// failures; StrictTasks marks tasks escalated to strict validation.
	LastFailureReason map[string]string `json:"last_failure_reason,omitempty"`
	FailureStreak     map[string]int    `json:"failure_streak,omitempty"`
	StrictTasks       map[string]bool   `json:"strict_tasks,omitempty"`
}

// CompletedTasksCap bounds the completed list; pruning drops the oldest
// entries and never the tail.
const CompletedTasksCap = 100

// SupervisorState is the single persisted object. Persistence is a full
// snapshot overwrite on one storage key; LastUpdated is its version.
type SupervisorState struct {
	Supervisor     SupervisorInfo         `json:"supervisor"`
	Goal           Goal                   `json:"goal"`
	CurrentTask    *Task                  `json:"current_task,omitempty"`
	RetrySlot      *Task                  `json:"retry_slot,omitempty"`
	CompletedTasks []CompletedTask        `json:"completed_tasks"`
	BlockedTasks   []BlockedTask          `json:"blocked_tasks"`
	ActiveSessions map[string]SessionInfo `json:"active_sessions"`
	QueueExhausted bool                   `json:"queue_exhausted"`
	LastUpdated    time.Time              `json:"last_updated"`
	ExecutionMode  ExecutionMode          `json:"execution_mode"`
}

// NewState returns a fresh RUNNING state with all containers initialized.
func NewState(mode ExecutionMode) *SupervisorState {
	return &SupervisorState{
		Supervisor: SupervisorInfo{
			Status: StatusRunning,
		},
		CompletedTasks: []CompletedTask{},
		BlockedTasks:   []BlockedTask{},
		ActiveSessions: map[string]SessionInfo{},
		ExecutionMode:  mode,
	}
}

// EnsureMaps initializes nil maps after JSON decoding so callers can
// write without nil checks.
func (s *SupervisorState) EnsureMaps() {
	if s.ActiveSessions == nil {
		s.ActiveSessions = map[string]SessionInfo{}
	}
	if s.Supervisor.RetryCounts == nil {
		s.Supervisor.RetryCounts = map[string]int{}
	}
	if s.Supervisor.InterrogationPerformed == nil {
		s.Supervisor.InterrogationPerformed = map[string]bool{}
	}
	if s.Supervisor.LastFailureReason == nil {
		s.Supervisor.LastFailureReason = map[string]string{}
	}
	if s.Supervisor.FailureStreak == nil {
		s.Supervisor.FailureStreak = map[string]int{}
	}
	if s.Supervisor.StrictTasks == nil {
		s.Supervisor.StrictTasks = map[string]bool{}
	}
}

// InFlightCount reports how many tasks occupy the in-flight slots. The
// single-task invariant requires this to be at most 1 between iterations.
func (s *SupervisorState) InFlightCount() int {
	n := 0
	if s.CurrentTask != nil {
		n++
	}
	if s.RetrySlot != nil {
		n++
	}
	return n
}

// Halt transitions the supervisor to HALTED with a reason. Halting is
// terminal until an operator resume.
func (s *SupervisorState) Halt(reason HaltReason, details string) {
	s.Supervisor.Status = StatusHalted
	s.Supervisor.HaltReason = reason
	s.Supervisor.HaltDetails = details
}
