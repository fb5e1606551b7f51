package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"overseer/internal/config"
	"overseer/internal/dispatch"
	"overseer/internal/types"
)

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		ContextLimits: map[string]int{"claude": 350000, "ollama": 8000},
		ErrorCap:      5,
	}
}

type fakeDiscoverer struct {
	sessions []dispatch.SessionDescriptor
	err      error
}

func (f *fakeDiscoverer) DiscoverSessions(ctx context.Context, provider, wd string) ([]dispatch.SessionDescriptor, error) {
	return f.sessions, f.err
}

func taskWithMeta(meta *types.TaskMeta) *types.Task {
	return &types.Task{TaskID: "feat-auth-003", Meta: meta}
}

func TestFeatureIDDerivation(t *testing.T) {
	assert.Equal(t, "payments",
		FeatureID(taskWithMeta(&types.TaskMeta{FeatureID: "payments"}), "proj"))
	assert.Equal(t, "feat-auth", FeatureID(taskWithMeta(nil), "proj"))
	assert.Equal(t, "proj", FeatureID(&types.Task{TaskID: "solo"}, "proj"))
	assert.Equal(t, "default", FeatureID(&types.Task{TaskID: "solo"}, ""))
}

func TestResolveExplicitOverride(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)

	res := m.Resolve(context.Background(), state,
		taskWithMeta(&types.TaskMeta{SessionID: "s-override"}), "claude", "/wd")
	assert.Equal(t, "s-override", res.SessionID)
	assert.False(t, res.Fresh)
}

func TestResolveExistingSession(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)
	state.ActiveSessions["feat-auth"] = types.SessionInfo{SessionID: "s-1", Provider: "claude"}

	res := m.Resolve(context.Background(), state, taskWithMeta(nil), "claude", "/wd")
	assert.Equal(t, "s-1", res.SessionID)
	assert.False(t, res.Fresh)
}

func TestResolveRotatesOverTokenLimit(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)
	state.ActiveSessions["feat-auth"] = types.SessionInfo{SessionID: "s-1", Provider: "ollama", TokenEstimate: 9000}

	// Over ollama's 8k window: the session is dropped and the dispatch
	// starts fresh.
	res := m.Resolve(context.Background(), state, taskWithMeta(nil), "ollama", "/wd")
	assert.True(t, res.Fresh)
	assert.Empty(t, res.SessionID)
	_, remains := state.ActiveSessions["feat-auth"]
	assert.False(t, remains)
}

func TestResolveRotatesOverErrorCap(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)
	state.ActiveSessions["feat-auth"] = types.SessionInfo{SessionID: "s-1", Provider: "claude", ErrorCount: 5}

	res := m.Resolve(context.Background(), state, taskWithMeta(nil), "claude", "/wd")
	assert.True(t, res.Fresh)
}

func TestResolveDiscoveryMatchesFeatureTagPreferringRecency(t *testing.T) {
	disc := &fakeDiscoverer{sessions: []dispatch.SessionDescriptor{
		{SessionID: "s-old", FirstLine: "[Feature: feat-auth]", LastUsed: time.Now().Add(-2 * time.Hour)},
		{SessionID: "s-new", FirstLine: "[Feature: feat-auth]", LastUsed: time.Now().Add(-time.Minute)},
		{SessionID: "s-other", FirstLine: "[Feature: payments]", LastUsed: time.Now()},
	}}
	m := NewManager(testConfig(), disc, zap.NewNop())
	state := types.NewState(types.ModeAuto)

	res := m.Resolve(context.Background(), state, taskWithMeta(nil), "claude", "/wd")
	assert.Equal(t, "s-new", res.SessionID)
	assert.False(t, res.Fresh)
	// Discovered sessions are adopted into the active map.
	assert.Equal(t, "s-new", state.ActiveSessions["feat-auth"].SessionID)
}

func TestResolveFreshWhenNothingMatches(t *testing.T) {
	m := NewManager(testConfig(), &fakeDiscoverer{}, zap.NewNop())
	state := types.NewState(types.ModeAuto)

	res := m.Resolve(context.Background(), state, taskWithMeta(nil), "claude", "/wd")
	assert.True(t, res.Fresh)
	assert.Empty(t, res.SessionID)
}

func TestRecordSuccessAccumulatesTokensOnReuse(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)
	state.ActiveSessions["feat-auth"] = types.SessionInfo{
		SessionID: "s-1", Provider: "claude", TokenEstimate: 100, ErrorCount: 2,
	}

	res := Resolution{FeatureID: "feat-auth", SessionID: "s-1", Fresh: false}
	m.RecordSuccess(state, res, "claude", "s-1", strings.Repeat("a", 400), strings.Repeat("b", 400), nil)

	info := state.ActiveSessions["feat-auth"]
	assert.Equal(t, 300, info.TokenEstimate, "100 existing + 200 estimated")
	assert.Equal(t, 0, info.ErrorCount, "success resets the error counter")
	assert.False(t, info.LastUsed.IsZero())
}

func TestRecordSuccessFreshSessionStartsOver(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)

	res := Resolution{FeatureID: "feat-auth", Fresh: true}
	m.RecordSuccess(state, res, "claude", "s-new", "pppp", "rrrr", nil)

	info := state.ActiveSessions["feat-auth"]
	assert.Equal(t, "s-new", info.SessionID)
	assert.Equal(t, 2, info.TokenEstimate)
}

func TestRecordSuccessPrefersProviderUsage(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)

	res := Resolution{FeatureID: "f", Fresh: true}
	m.RecordSuccess(state, res, "claude", "s-1", "x", "y", &dispatch.Usage{Tokens: 777})
	assert.Equal(t, 777, state.ActiveSessions["f"].TokenEstimate)
}

func TestRecordErrorIncrements(t *testing.T) {
	m := NewManager(testConfig(), nil, zap.NewNop())
	state := types.NewState(types.ModeAuto)
	state.ActiveSessions["f"] = types.SessionInfo{SessionID: "s-1"}

	m.RecordError(state, "f")
	m.RecordError(state, "f")
	assert.Equal(t, 2, state.ActiveSessions["f"].ErrorCount)

	// Unknown features are ignored.
	m.RecordError(state, "ghost")
}

func TestTagPrompt(t *testing.T) {
	fresh := Resolution{FeatureID: "feat-auth", Fresh: true}
	tagged := TagPrompt(fresh, "body")
	assert.True(t, strings.HasPrefix(tagged, "[Feature: feat-auth]\n\n"))

	resumed := Resolution{FeatureID: "feat-auth", SessionID: "s-1", Fresh: false}
	assert.Equal(t, "body", TagPrompt(resumed, "body"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 100, EstimateTokens(strings.Repeat("a", 400)))
}
