// Package config loads supervisor configuration from environment
// variables (OVERSEER_ prefix) with sensible defaults. Components never
// read the environment directly; they receive a materialized Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreConfig locates the Redis-backed state store and queue. The state
// and queue live in separate logical databases of the same server.
type StoreConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	StateDB  int    `mapstructure:"stateDb"`
	QueueDB  int    `mapstructure:"queueDb"`
	StateKey string `mapstructure:"stateKey"`
	QueueKey string `mapstructure:"queueKey"`
}

// Addr returns the host:port dial address.
func (s *StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoopConfig tunes the control loop driver.
type LoopConfig struct {
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
	DefaultMaxRetries   int `mapstructure:"defaultMaxRetries"`

	// RepeatedFailureThreshold is how many consecutive identical
	// validation failures escalate a task to strict validation.
	RepeatedFailureThreshold int `mapstructure:"repeatedFailureThreshold"`

	// GoalCompletionCheck gates the agent-judged goal completion probe
	// when the queue drains.
	GoalCompletionCheck bool `mapstructure:"goalCompletionCheck"`
}

// PollInterval returns the idle sleep between iterations.
func (l *LoopConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalSeconds) * time.Second
}

// DispatchConfig tunes agent invocation.
type DispatchConfig struct {
	TimeoutMinutes        int      `mapstructure:"timeoutMinutes"`
	CommandTimeoutSeconds int      `mapstructure:"commandTimeoutSeconds"`
	ProviderPriority      []string `mapstructure:"providerPriority"`
	HelperModel           string   `mapstructure:"helperModel"`

	// QuotaPatterns are substrings/regexes recognized as provider quota
	// exhaustion. The exact signals vary per provider, so this is an
	// operator-configurable predicate rather than a hard-coded list.
	QuotaPatterns []string `mapstructure:"quotaPatterns"`
}

// Timeout returns the hard per-dispatch deadline.
func (d *DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMinutes) * time.Minute
}

// CommandTimeout bounds each verification shell command.
func (d *DispatchConfig) CommandTimeout() time.Duration {
	return time.Duration(d.CommandTimeoutSeconds) * time.Second
}

// SessionConfig tunes session continuity and rotation.
type SessionConfig struct {
	// ContextLimits maps a provider name to its context window in
	// tokens. Sessions exceeding the limit are rotated pre-dispatch.
	ContextLimits map[string]int `mapstructure:"contextLimits"`

	// ErrorCap is the consecutive-error count that forces rotation.
	ErrorCap int `mapstructure:"errorCap"`
}

// LimitFor returns the context limit for a provider, falling back to the
// smallest configured window when the provider is unknown.
func (s *SessionConfig) LimitFor(provider string) int {
	if limit, ok := s.ContextLimits[provider]; ok {
		return limit
	}
	min := 0
	for _, v := range s.ContextLimits {
		if min == 0 || v < min {
			min = v
		}
	}
	if min == 0 {
		min = 8000
	}
	return min
}

// ValidationConfig locates the deterministic rule catalog and bounds
// interrogation.
type ValidationConfig struct {
	RuleCatalogPath        string `mapstructure:"ruleCatalogPath"`
	InterrogationMaxRounds int    `mapstructure:"interrogationMaxRounds"`
}

// Config is the complete supervisor configuration.
type Config struct {
	SandboxRoot string           `mapstructure:"sandboxRoot"`
	Store       StoreConfig      `mapstructure:"store"`
	Loop        LoopConfig       `mapstructure:"loop"`
	Dispatch    DispatchConfig   `mapstructure:"dispatch"`
	Session     SessionConfig    `mapstructure:"session"`
	Validation  ValidationConfig `mapstructure:"validation"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sandboxRoot", "./sandbox")

	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 6379)
	v.SetDefault("store.password", "")
	v.SetDefault("store.stateDb", 0)
	v.SetDefault("store.queueDb", 1)
	v.SetDefault("store.stateKey", "supervisor:state")
	v.SetDefault("store.queueKey", "queue:tasks")

	v.SetDefault("loop.pollIntervalSeconds", 10)
	v.SetDefault("loop.defaultMaxRetries", 3)
	v.SetDefault("loop.repeatedFailureThreshold", 2)
	v.SetDefault("loop.goalCompletionCheck", false)

	v.SetDefault("dispatch.timeoutMinutes", 30)
	v.SetDefault("dispatch.commandTimeoutSeconds", 60)
	v.SetDefault("dispatch.providerPriority", []string{"claude", "codex", "gemini"})
	v.SetDefault("dispatch.helperModel", "claude")
	v.SetDefault("dispatch.quotaPatterns", []string{
		"rate limit", "quota exceeded", "resource_exhausted", "usage limit",
	})

	v.SetDefault("session.contextLimits", map[string]int{
		"claude": 350000,
		"codex":  250000,
		"gemini": 250000,
		"ollama": 8000,
	})
	v.SetDefault("session.errorCap", 5)

	v.SetDefault("validation.ruleCatalogPath", "")
	v.SetDefault("validation.interrogationMaxRounds", 4)
}

// Load reads configuration from OVERSEER_* environment variables layered
// over defaults. Nested keys use underscores, e.g. OVERSEER_STORE_HOST.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OVERSEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env naming differs from config key naming.
	_ = v.BindEnv("loop.goalCompletionCheck", "IS_ENABLED_GOAL_COMPLETION_CHECK", "OVERSEER_LOOP_GOAL_COMPLETION_CHECK")
	_ = v.BindEnv("store.stateKey", "OVERSEER_STATE_KEY", "OVERSEER_STORE_STATE_KEY")
	_ = v.BindEnv("store.queueKey", "OVERSEER_QUEUE_KEY", "OVERSEER_STORE_QUEUE_KEY")
	_ = v.BindEnv("sandboxRoot", "OVERSEER_SANDBOX_ROOT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []string
	if c.SandboxRoot == "" {
		errs = append(errs, "sandboxRoot is required")
	}
	if c.Store.Host == "" {
		errs = append(errs, "store.host is required")
	}
	if c.Store.StateKey == "" {
		errs = append(errs, "store.stateKey is required")
	}
	if c.Store.QueueKey == "" {
		errs = append(errs, "store.queueKey is required")
	}
	if c.Store.StateDB == c.Store.QueueDB {
		errs = append(errs, "store.stateDb and store.queueDb must differ")
	}
	if c.Loop.PollIntervalSeconds <= 0 {
		errs = append(errs, "loop.pollIntervalSeconds must be positive")
	}
	if c.Loop.DefaultMaxRetries < 0 {
		errs = append(errs, "loop.defaultMaxRetries must be >= 0")
	}
	if c.Dispatch.TimeoutMinutes <= 0 {
		errs = append(errs, "dispatch.timeoutMinutes must be positive")
	}
	if len(c.Dispatch.ProviderPriority) == 0 {
		errs = append(errs, "dispatch.providerPriority must not be empty")
	}
	if c.Validation.InterrogationMaxRounds <= 0 {
		errs = append(errs, "validation.interrogationMaxRounds must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
