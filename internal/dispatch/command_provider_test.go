package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeScript drops an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestProvider(t *testing.T, script string, patterns []string) *CommandProvider {
	t.Helper()
	p, err := NewCommandProvider("fake", CommandSpec{
		Binary:     script,
		PromptFlag: "-p",
		ResumeFlag: "--resume",
		ModeFlag:   "--mode",
	}, 30*time.Second, patterns, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestInvokeParsesEnvelope(t *testing.T) {
	script := writeScript(t, `echo '{"result":"all done","session_id":"s-42","usage":{"tokens":17}}'`)
	p := newTestProvider(t, script, nil)

	res, err := p.Invoke(context.Background(), Request{Prompt: "do it", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "all done", res.Output)
	assert.Equal(t, "s-42", res.SessionID)
	assert.Equal(t, 17, res.Usage.Tokens)
	assert.Equal(t, 0, res.ExitCode)
}

func TestInvokeRawTextOutput(t *testing.T) {
	script := writeScript(t, `echo 'plain text answer'`)
	p := newTestProvider(t, script, nil)

	res, err := p.Invoke(context.Background(), Request{Prompt: "q", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "plain text answer", res.Output)
	assert.Empty(t, res.SessionID)
}

func TestInvokeNonZeroExitIsFailedResult(t *testing.T) {
	script := writeScript(t, "echo 'boom' >&2\nexit 3")
	p := newTestProvider(t, script, nil)

	res, err := p.Invoke(context.Background(), Request{Prompt: "q", WorkingDir: t.TempDir()})
	require.NoError(t, err, "non-zero exit is a Result, not an error")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", res.Output)
}

func TestInvokeQuotaPatternOnStderr(t *testing.T) {
	script := writeScript(t, "echo 'Rate limit exceeded, try later' >&2\nexit 1")
	p := newTestProvider(t, script, []string{"rate limit"})

	_, err := p.Invoke(context.Background(), Request{Prompt: "q", WorkingDir: t.TempDir()})
	var qe *QuotaExhaustedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "fake", qe.Provider)
}

func TestInvokeRateLimitedEnvelope(t *testing.T) {
	script := writeScript(t, `echo '{"is_rate_limited":true}'`)
	p := newTestProvider(t, script, nil)

	_, err := p.Invoke(context.Background(), Request{Prompt: "q", WorkingDir: t.TempDir()})
	var qe *QuotaExhaustedError
	assert.ErrorAs(t, err, &qe)
}

func TestInvokeMissingWorkingDir(t *testing.T) {
	script := writeScript(t, "echo hi")
	p := newTestProvider(t, script, nil)

	_, err := p.Invoke(context.Background(), Request{Prompt: "q", WorkingDir: "/does/not/exist"})
	var wde *WorkingDirError
	assert.ErrorAs(t, err, &wde)
}

func TestInvokeTimeoutReportsFailed(t *testing.T) {
	script := writeScript(t, "sleep 2")
	p, err := NewCommandProvider("slow", CommandSpec{Binary: script, PromptFlag: "-p"},
		200*time.Millisecond, nil, zap.NewNop())
	require.NoError(t, err)

	res, err := p.Invoke(context.Background(), Request{Prompt: "q", WorkingDir: t.TempDir()})
	require.NoError(t, err, "timeout is a FAILED result, not an error")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, -1, res.ExitCode)
}

func TestInvokePassesSessionAndModeFlags(t *testing.T) {
	// The script echoes its arguments back so the test can see them.
	script := writeScript(t, `echo "$@"`)
	p := newTestProvider(t, script, nil)

	res, err := p.Invoke(context.Background(), Request{
		Prompt:     "task prompt",
		WorkingDir: t.TempDir(),
		SessionID:  "s-9",
		AgentMode:  "plan",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "--resume s-9")
	assert.Contains(t, res.Output, "--mode plan")
	assert.Contains(t, res.Output, "task prompt")
}

func TestNewCommandProviderValidation(t *testing.T) {
	_, err := NewCommandProvider("x", CommandSpec{}, time.Second, nil, nil)
	assert.Error(t, err, "binary is required")

	_, err = NewCommandProvider("x", CommandSpec{Binary: "sh"}, time.Second, []string{"("}, nil)
	assert.Error(t, err, "bad regex must be rejected")
}
