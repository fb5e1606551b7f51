package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CommandSpec describes how to drive one agent executable. Every wrapped
// CLI follows the same shape: a prompt flag, optional resume/mode flags,
// and JSON on stdout. Unset flags are simply not passed.
type CommandSpec struct {
	Binary     string
	PromptFlag string
	ResumeFlag string
	ModeFlag   string
	ExtraArgs  []string
}

// CommandProvider invokes an agent CLI as a child process. Stdout and
// stderr are drained concurrently while the child runs; on deadline the
// child receives SIGTERM and, after a grace period, SIGKILL.
type CommandProvider struct {
	name          string
	spec          CommandSpec
	timeout       time.Duration
	quotaPatterns []*regexp.Regexp
	logger        *zap.Logger
}

// termGrace is how long a timed-out child gets between SIGTERM and kill.
const termGrace = 10 * time.Second

// NewCommandProvider builds a provider around one executable. Patterns
// matching stderr or stdout mark the dispatch as quota-exhausted; they
// are operator-configured because signals differ per provider.
func NewCommandProvider(name string, spec CommandSpec, timeout time.Duration, quotaPatterns []string, logger *zap.Logger) (*CommandProvider, error) {
	if spec.Binary == "" {
		return nil, fmt.Errorf("provider %s: binary is required", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	compiled := make([]*regexp.Regexp, 0, len(quotaPatterns))
	for _, p := range quotaPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: bad quota pattern %q: %w", name, p, err)
		}
		compiled = append(compiled, re)
	}
	return &CommandProvider{
		name:          name,
		spec:          spec,
		timeout:       timeout,
		quotaPatterns: compiled,
		logger:        logger,
	}, nil
}

// Name returns the provider name used in task records and priority lists.
func (p *CommandProvider) Name() string { return p.name }

// cliEnvelope is the loose JSON wrapper agent CLIs print on stdout. Any
// field may be absent; absent fields degrade to raw-text handling.
type cliEnvelope struct {
	Result    string `json:"result"`
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Usage     *Usage `json:"usage,omitempty"`
	Error     *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	IsRateLimited bool `json:"is_rate_limited,omitempty"`
}

// Invoke runs the agent once. The returned error is non-nil only for
// invocation failures (bad working dir, spawn failure, quota); an agent
// that ran and exited non-zero yields a FAILED Result with nil error.
func (p *CommandProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	info, err := os.Stat(req.WorkingDir)
	if err != nil {
		return nil, &WorkingDirError{Path: req.WorkingDir, Detail: err.Error()}
	}
	if !info.IsDir() {
		return nil, &WorkingDirError{Path: req.WorkingDir, Detail: "not a directory"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append([]string{}, p.spec.ExtraArgs...)
	if p.spec.PromptFlag != "" {
		args = append(args, p.spec.PromptFlag, req.Prompt)
	}
	if req.SessionID != "" && p.spec.ResumeFlag != "" {
		args = append(args, p.spec.ResumeFlag, req.SessionID)
	}
	if req.AgentMode != "" && p.spec.ModeFlag != "" {
		args = append(args, p.spec.ModeFlag, req.AgentMode)
	}

	cmd := exec.CommandContext(ctx, p.spec.Binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.Cancel = func() error {
		// Prefer SIGTERM so the agent can flush partial output.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("provider %s: stdout pipe: %w", p.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("provider %s: stderr pipe: %w", p.name, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("provider %s: starting %s: %w", p.name, p.spec.Binary, err)
	}

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error { return drain(&outBuf, stdout) })
	g.Go(func() error { return drain(&errBuf, stderr) })
	pipeErr := g.Wait()
	waitErr := cmd.Wait()

	elapsed := time.Since(start)
	rawOut := outBuf.String()
	rawErr := errBuf.String()

	if quota := p.matchQuota(rawOut + "\n" + rawErr); quota != "" {
		return nil, &QuotaExhaustedError{Provider: p.name, Raw: quota}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logger.Warn("agent dispatch timed out",
			zap.String("provider", p.name),
			zap.Duration("timeout", p.timeout))
		return &Result{
			ExitCode:  -1,
			RawOutput: rawOut,
			Status:    StatusFailed,
		}, nil
	}
	if pipeErr != nil {
		return nil, fmt.Errorf("provider %s: reading output: %w", p.name, pipeErr)
	}

	result := &Result{
		RawOutput: rawOut,
		Status:    StatusSuccess,
		Usage:     &Usage{DurationSeconds: elapsed.Seconds()},
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Status = StatusFailed
			result.Output = strings.TrimSpace(rawErr)
			p.logger.Warn("agent exited non-zero",
				zap.String("provider", p.name),
				zap.Int("exit_code", result.ExitCode))
			return result, nil
		}
		return nil, fmt.Errorf("provider %s: %w", p.name, waitErr)
	}

	if err := p.parseEnvelope(result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseEnvelope extracts text, session id, and usage from the stdout
// JSON wrapper when present; otherwise the raw output is the output.
// A rate-limited envelope becomes a QuotaExhaustedError.
func (p *CommandProvider) parseEnvelope(result *Result) error {
	trimmed := strings.TrimSpace(result.RawOutput)
	if !strings.HasPrefix(trimmed, "{") {
		result.Output = trimmed
		return nil
	}
	var env cliEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		result.Output = trimmed
		return nil
	}
	if env.IsRateLimited {
		return &QuotaExhaustedError{Provider: p.name, Raw: trimmed}
	}
	switch {
	case env.Result != "":
		result.Output = env.Result
	case env.Response != "":
		result.Output = env.Response
	default:
		result.Output = trimmed
	}
	result.SessionID = env.SessionID
	if env.Usage != nil {
		if result.Usage == nil {
			result.Usage = &Usage{}
		}
		result.Usage.Tokens = env.Usage.Tokens
		if env.Usage.DurationSeconds > 0 {
			result.Usage.DurationSeconds = env.Usage.DurationSeconds
		}
	}
	if env.Error != nil {
		result.Status = StatusFailed
		result.Output = env.Error.Message
	}
	return nil
}

// matchQuota returns the matching line when output signals quota
// exhaustion, or "" otherwise.
func (p *CommandProvider) matchQuota(output string) string {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, re := range p.quotaPatterns {
			if re.MatchString(line) {
				return line
			}
		}
	}
	return ""
}

func drain(dst *bytes.Buffer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
