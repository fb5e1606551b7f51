// Package session maintains per-feature conversational continuity with
// agent providers. Sessions are referenced by feature id, never by
// pointer; the authoritative map lives inside the persisted supervisor
// state and the manager mutates it in place within an iteration.
package session

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"overseer/internal/config"
	"overseer/internal/dispatch"
	"overseer/internal/types"
)

// charsPerToken is the estimation ratio used for session token budgets,
// calibrated to roughly four characters per token.
const charsPerToken = 4.0

// EstimateTokens approximates the token cost of a string.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(float64(utf8.RuneCountInString(s)) / charsPerToken)
}

// FeatureTagPrefix is the discovery marker planted as the first line of
// a new session's initial prompt.
const FeatureTagPrefix = "[Feature: "

// Discoverer enumerates provider-held sessions; the dispatch registry
// implements it.
type Discoverer interface {
	DiscoverSessions(ctx context.Context, providerName, workingDir string) ([]dispatch.SessionDescriptor, error)
}

// Manager resolves, rotates, and updates sessions.
type Manager struct {
	cfg      config.SessionConfig
	discover Discoverer
	logger   *zap.Logger
}

// NewManager builds a session manager. discover may be nil when no
// provider supports discovery.
func NewManager(cfg config.SessionConfig, discover Discoverer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, discover: discover, logger: logger}
}

// FeatureID derives the session grouping key for a task: explicit meta
// feature id, then the task-id prefix before the last dash, then the
// project id, then "default".
func FeatureID(task *types.Task, projectID string) string {
	if task.Meta != nil && task.Meta.FeatureID != "" {
		return task.Meta.FeatureID
	}
	if idx := strings.LastIndex(task.TaskID, "-"); idx > 0 {
		return task.TaskID[:idx]
	}
	if projectID != "" {
		return projectID
	}
	return "default"
}

// Resolution is the outcome of session resolution for one dispatch.
type Resolution struct {
	FeatureID string
	SessionID string
	// Fresh is true when no session could be resumed; the prompt must
	// carry the feature tag so discovery can find this session later.
	Fresh bool
}

// Resolve determines the session for a dispatch, applying the rotation
// policy first. Order: explicit override → active_sessions entry →
// provider discovery by feature tag → fresh.
func (m *Manager) Resolve(ctx context.Context, state *types.SupervisorState, task *types.Task, providerName, workingDir string) Resolution {
	feature := FeatureID(task, state.Goal.ProjectID)
	res := Resolution{FeatureID: feature, Fresh: true}

	if task.Meta != nil && task.Meta.SessionID != "" {
		res.SessionID = task.Meta.SessionID
		res.Fresh = false
		return res
	}

	m.rotate(state, feature, providerName)

	if info, ok := state.ActiveSessions[feature]; ok && info.SessionID != "" {
		res.SessionID = info.SessionID
		res.Fresh = false
		return res
	}

	if sid := m.discoverByTag(ctx, feature, providerName, workingDir); sid != "" {
		res.SessionID = sid
		res.Fresh = false
		// Adopt the discovered session so future iterations skip
		// discovery.
		state.ActiveSessions[feature] = types.SessionInfo{
			SessionID: sid,
			Provider:  providerName,
			LastUsed:  time.Now().UTC(),
		}
		return res
	}

	return res
}

// rotate drops sessions over their token or error budget so the next
// dispatch starts fresh.
func (m *Manager) rotate(state *types.SupervisorState, feature, providerName string) {
	info, ok := state.ActiveSessions[feature]
	if !ok {
		return
	}
	limit := m.cfg.LimitFor(providerName)
	switch {
	case info.TokenEstimate > limit:
		m.logger.Info("rotating session over context limit",
			zap.String("feature", feature),
			zap.Int("tokens", info.TokenEstimate),
			zap.Int("limit", limit))
		delete(state.ActiveSessions, feature)
	case info.ErrorCount >= m.cfg.ErrorCap:
		m.logger.Info("rotating session over error cap",
			zap.String("feature", feature),
			zap.Int("errors", info.ErrorCount))
		delete(state.ActiveSessions, feature)
	}
}

// discoverByTag asks the provider for recent sessions and matches the
// feature tag in each session's first prompt line, preferring recency.
func (m *Manager) discoverByTag(ctx context.Context, feature, providerName, workingDir string) string {
	if m.discover == nil {
		return ""
	}
	descs, err := m.discover.DiscoverSessions(ctx, providerName, workingDir)
	if err != nil {
		m.logger.Warn("session discovery failed",
			zap.String("provider", providerName), zap.Error(err))
		return ""
	}
	tag := FeatureTagPrefix + feature + "]"
	var best dispatch.SessionDescriptor
	for _, d := range descs {
		if !strings.HasPrefix(d.FirstLine, tag) {
			continue
		}
		if best.SessionID == "" || d.LastUsed.After(best.LastUsed) {
			best = d
		}
	}
	return best.SessionID
}

// RecordSuccess updates the session after a successful dispatch. Tokens
// accumulate only when the same session was reused; a rotated or fresh
// session starts its estimate from this exchange alone.
func (m *Manager) RecordSuccess(state *types.SupervisorState, res Resolution, providerName, newSessionID, prompt, response string, usage *dispatch.Usage) {
	sessionID := newSessionID
	if sessionID == "" {
		sessionID = res.SessionID
	}
	if sessionID == "" {
		return
	}

	tokens := EstimateTokens(prompt) + EstimateTokens(response)
	if usage != nil && usage.Tokens > 0 {
		tokens = usage.Tokens
	}

	info, existed := state.ActiveSessions[res.FeatureID]
	if existed && !res.Fresh && info.SessionID == sessionID {
		info.TokenEstimate += tokens
	} else {
		info = types.SessionInfo{TokenEstimate: tokens}
	}
	info.SessionID = sessionID
	info.Provider = providerName
	info.LastUsed = time.Now().UTC()
	info.ErrorCount = 0
	state.ActiveSessions[res.FeatureID] = info
}

// RecordError bumps the consecutive error counter; the next Resolve
// rotates the session once the cap is hit.
func (m *Manager) RecordError(state *types.SupervisorState, feature string) {
	info, ok := state.ActiveSessions[feature]
	if !ok {
		return
	}
	info.ErrorCount++
	state.ActiveSessions[feature] = info
}

// TagPrompt prefixes the feature tag when the session is fresh.
func TagPrompt(res Resolution, prompt string) string {
	if !res.Fresh {
		return prompt
	}
	return FeatureTagPrefix + res.FeatureID + "]\n\n" + prompt
}
