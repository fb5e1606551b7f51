package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "supervisor:state", cfg.Store.StateKey)
	assert.Equal(t, "queue:tasks", cfg.Store.QueueKey)
	assert.Equal(t, "localhost:6379", cfg.Store.Addr())
	assert.NotEqual(t, cfg.Store.StateDB, cfg.Store.QueueDB)
	assert.Equal(t, 4, cfg.Validation.InterrogationMaxRounds)
	assert.Equal(t, 5, cfg.Session.ErrorCap)
	assert.False(t, cfg.Loop.GoalCompletionCheck)
	assert.Equal(t, 30, cfg.Dispatch.TimeoutMinutes)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OVERSEER_STORE_HOST", "redis.internal")
	t.Setenv("OVERSEER_STATE_KEY", "custom:state")
	t.Setenv("IS_ENABLED_GOAL_COMPLETION_CHECK", "true")
	t.Setenv("OVERSEER_LOOP_POLLINTERVALSECONDS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Store.Host)
	assert.Equal(t, "custom:state", cfg.Store.StateKey)
	assert.True(t, cfg.Loop.GoalCompletionCheck)
	assert.Equal(t, 3, cfg.Loop.PollIntervalSeconds)
}

func TestValidateRejectsSharedDB(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Store.QueueDB = cfg.Store.StateDB
	assert.Error(t, cfg.Validate())
}

func TestLimitForFallsBackToSmallest(t *testing.T) {
	s := SessionConfig{ContextLimits: map[string]int{"big": 350000, "small": 8000}}
	assert.Equal(t, 350000, s.LimitFor("big"))
	assert.Equal(t, 8000, s.LimitFor("unknown"))

	empty := SessionConfig{}
	assert.Equal(t, 8000, empty.LimitFor("anything"))
}
