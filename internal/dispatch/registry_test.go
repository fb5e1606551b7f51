package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider scripts Invoke outcomes for registry tests.
type fakeProvider struct {
	name     string
	results  []*Result
	errs     []error
	calls    int
	sessions []SessionDescriptor
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.results[i], nil
}

func (f *fakeProvider) ListSessions(ctx context.Context, workingDir string) ([]SessionDescriptor, error) {
	return f.sessions, nil
}

func okResult() *Result {
	return &Result{Status: StatusSuccess, Output: "ok"}
}

func TestRegistryPrefersTaskTool(t *testing.T) {
	a := &fakeProvider{name: "claude", results: []*Result{okResult()}}
	b := &fakeProvider{name: "codex", results: []*Result{okResult()}}
	r := NewRegistry([]Provider{a, b}, zap.NewNop())

	_, used, err := r.Dispatch(context.Background(), "codex", Request{WorkingDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "codex", used)
	assert.Equal(t, 0, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestRegistryFallsBackInPriorityOrder(t *testing.T) {
	a := &fakeProvider{name: "claude", results: []*Result{okResult()}}
	b := &fakeProvider{name: "codex", results: []*Result{okResult()}}
	r := NewRegistry([]Provider{a, b}, zap.NewNop())

	_, used, err := r.Dispatch(context.Background(), "unknown-tool", Request{WorkingDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "claude", used)
}

func TestRegistryCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("spawn failed")
	a := &fakeProvider{name: "claude", results: []*Result{nil}, errs: []error{boom}}
	b := &fakeProvider{name: "codex", results: []*Result{okResult()}}
	r := NewRegistry([]Provider{a, b}, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, used, err := r.Dispatch(ctx, "claude", Request{})
		assert.Equal(t, "claude", used)
		assert.ErrorIs(t, err, boom)
	}
	assert.False(t, r.Available("claude"))

	// With claude's circuit open, dispatch falls through to codex even
	// when claude is preferred.
	_, used, err := r.Dispatch(ctx, "claude", Request{})
	require.NoError(t, err)
	assert.Equal(t, "codex", used)
}

func TestRegistryNoProviderAvailable(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	_, _, err := r.Dispatch(context.Background(), "", Request{})
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestQuotaErrorPropagates(t *testing.T) {
	quota := &QuotaExhaustedError{Provider: "claude", Raw: "quota exceeded"}
	a := &fakeProvider{name: "claude", results: []*Result{nil}, errs: []error{quota}}
	r := NewRegistry([]Provider{a}, zap.NewNop())

	_, _, err := r.Dispatch(context.Background(), "claude", Request{})
	var qe *QuotaExhaustedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "claude", qe.Provider)
}

func TestDiscoverSessions(t *testing.T) {
	a := &fakeProvider{
		name:     "claude",
		results:  []*Result{okResult()},
		sessions: []SessionDescriptor{{SessionID: "s-1", FirstLine: "[Feature: auth]"}},
	}
	r := NewRegistry([]Provider{a}, zap.NewNop())

	got, err := r.DiscoverSessions(context.Background(), "claude", "/wd")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s-1", got[0].SessionID)

	// Unknown providers and providers without the capability return nil.
	got, err = r.DiscoverSessions(context.Background(), "ghost", "/wd")
	require.NoError(t, err)
	assert.Nil(t, got)
}
