// Package dispatch invokes opaque agent executables. Providers are
// priority-ordered named dispatch functions behind a registry; the
// dispatcher never interprets the response body beyond extracting the
// session envelope. Validation owns the semantics of the output.
package dispatch

import (
	"context"
	"fmt"
	"time"
)

// Status classifies a dispatch outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusBlocked Status = "BLOCKED"
)

// Request is the uniform invocation input for every provider.
type Request struct {
	Prompt     string
	WorkingDir string
	AgentMode  string
	SessionID  string
	FeatureID  string
}

// Usage reports provider-side resource consumption when available.
type Usage struct {
	Tokens          int     `json:"tokens,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Result is the uniform dispatch output.
type Result struct {
	ExitCode  int
	RawOutput string
	Output    string
	SessionID string
	Usage     *Usage
	Status    Status
}

// SessionDescriptor identifies a provider-held session surfaced by
// discovery. FirstLine is the opening line of the session's initial
// prompt, which carries the feature tag when the supervisor started it.
type SessionDescriptor struct {
	SessionID string
	FirstLine string
	LastUsed  time.Time
}

// Provider is a named agent dispatch function.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// SessionLister is the optional discovery capability: providers that can
// enumerate recent sessions support feature-tag matching.
type SessionLister interface {
	ListSessions(ctx context.Context, workingDir string) ([]SessionDescriptor, error)
}

// QuotaExhaustedError signals provider quota exhaustion. The retry
// policy converts it into a RESOURCE_EXHAUSTED halt with a backoff
// schedule instead of burning the task's retry budget.
type QuotaExhaustedError struct {
	Provider   string
	RetryAfter time.Duration
	Raw        string
}

func (e *QuotaExhaustedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s quota exhausted, retry after %v", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s quota exhausted", e.Provider)
}

// WorkingDirError indicates the requested working directory is missing
// or not a directory. This is fatal for the iteration.
type WorkingDirError struct {
	Path   string
	Detail string
}

func (e *WorkingDirError) Error() string {
	return fmt.Sprintf("working directory %q: %s", e.Path, e.Detail)
}
