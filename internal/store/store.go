// Package store persists the supervisor state and the task queue. The
// state is a single full-snapshot JSON value on one key; the queue is an
// ordered list pushed and popped verbatim, never mutated in place. The
// two live in separate Redis logical databases so inspection tooling can
// flush one without touching the other.
package store

import (
	"context"
	"errors"
	"fmt"

	"overseer/internal/types"
)

// ErrStateNotFound is returned when no state snapshot exists yet.
var ErrStateNotFound = errors.New("supervisor state not found")

// ErrStateExists is returned by InitState when a snapshot already exists.
var ErrStateExists = errors.New("supervisor state already exists")

// ErrQueueEmpty is returned by PopTask when the queue has no tasks.
var ErrQueueEmpty = errors.New("task queue is empty")

// IntegrityError indicates a loaded state snapshot is structurally
// unusable. The driver halts with INTERNAL_ERROR on this.
type IntegrityError struct {
	Field  string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("state integrity violation: %s (%s)", e.Field, e.Detail)
}

// Store is the persistence contract. Implementations provide atomic
// get/set on the state key and ordered push/pop on the queue key.
type Store interface {
	// InitState creates a fresh snapshot; ErrStateExists if one is
	// already present.
	InitState(ctx context.Context, state *types.SupervisorState) error

	// LoadState reads and decodes the snapshot, applying the idempotent
	// legacy backfill. ErrStateNotFound when absent.
	LoadState(ctx context.Context) (*types.SupervisorState, error)

	// SaveState overwrites the snapshot and stamps LastUpdated.
	SaveState(ctx context.Context, state *types.SupervisorState) error

	// PushTasks appends tasks to the queue tail preserving order.
	PushTasks(ctx context.Context, tasks []types.Task) error

	// PopTask removes and returns the queue head. The returned bytes are
	// exactly the bytes that were enqueued.
	PopTask(ctx context.Context) (*types.Task, error)

	// QueueLength reports the number of queued tasks.
	QueueLength(ctx context.Context) (int64, error)

	// PeekQueue returns the queue head without removing it, or nil when
	// the queue is empty.
	PeekQueue(ctx context.Context) (*types.Task, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// BackfillLegacy upgrades completed-task entries written by older
// supervisors that lacked intent/summary fields. It is idempotent:
// applying it twice yields the same state.
func BackfillLegacy(state *types.SupervisorState) {
	for i := range state.CompletedTasks {
		ct := &state.CompletedTasks[i]
		if ct.Intent == "" {
			ct.Intent = "[Legacy] " + ct.TaskID
			ct.RequiresContext = false
		}
		if ct.Summary == "" {
			ct.Summary = ct.Intent
		}
	}
}

// CheckIntegrity rejects snapshots that are missing required structure.
func CheckIntegrity(state *types.SupervisorState) error {
	if state.Supervisor.Status == "" {
		return &IntegrityError{Field: "supervisor.status", Detail: "missing"}
	}
	switch state.Supervisor.Status {
	case types.StatusRunning, types.StatusBlocked, types.StatusHalted, types.StatusCompleted:
	default:
		return &IntegrityError{Field: "supervisor.status", Detail: fmt.Sprintf("unknown value %q", state.Supervisor.Status)}
	}
	if state.Supervisor.Iteration < 0 {
		return &IntegrityError{Field: "supervisor.iteration", Detail: "negative"}
	}
	if state.ExecutionMode != types.ModeAuto && state.ExecutionMode != types.ModeManual {
		return &IntegrityError{Field: "execution_mode", Detail: fmt.Sprintf("unknown value %q", state.ExecutionMode)}
	}
	for i, ct := range state.CompletedTasks {
		if ct.TaskID == "" {
			return &IntegrityError{Field: fmt.Sprintf("completed_tasks[%d].task_id", i), Detail: "missing"}
		}
	}
	return nil
}
