package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"overseer/internal/types"
)

// Completer is a single-shot agent call. The driver adapts the provider
// registry behind this so the pipeline stays transport-agnostic.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CommandRunner executes one shell command in a working directory and
// reports its exit code and combined output.
type CommandRunner interface {
	Run(ctx context.Context, workingDir, command string) (int, string, error)
}

// ShellRunner runs verification commands through sh -c with a
// per-command timeout.
type ShellRunner struct {
	Timeout time.Duration
}

func (r ShellRunner) Run(ctx context.Context, workingDir, command string) (int, string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), buf.String(), nil
		}
		return -1, buf.String(), err
	}
	return 0, buf.String(), nil
}

// helperVerdict is the helper agent's output contract.
type helperVerdict struct {
	Satisfied bool     `json:"satisfied"`
	Commands  []string `json:"commands"`
	Reasoning string   `json:"reasoning"`
}

// runHelper asks the helper agent whether the failed criteria are in
// fact satisfied, then executes any verification commands it proposes.
// It returns the criteria promoted to passed. Promotion carries MEDIUM
// confidence: the evidence is real command output, but the mapping from
// criterion to command came from an agent.
func (p *Pipeline) runHelper(ctx context.Context, task *types.Task, workingDir string, failedCriteria []string, response *types.AgentResponse) (promoted map[string]string) {
	promoted = map[string]string{}
	if p.helper == nil {
		return promoted
	}

	promptText := p.prompts.BuildHelperPrompt(task, failedCriteria, responseFiles(response))
	p.logPrompt(kindHelperPrompt, task.TaskID, promptText, 0)
	raw, err := p.helper.Complete(ctx, promptText)
	if err != nil {
		p.log.Warn("helper agent call failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return promoted
	}
	p.logPrompt(kindHelperResponse, task.TaskID, raw, 0)

	var verdict helperVerdict
	if err := decodeLenient(raw, &verdict); err != nil {
		p.log.Warn("helper agent output unparseable", zap.String("task_id", task.TaskID), zap.Error(err))
		return promoted
	}

	if len(verdict.Commands) == 0 {
		if verdict.Satisfied {
			for _, c := range failedCriteria {
				promoted[c] = "helper agent confirmed satisfaction: " + firstLine(verdict.Reasoning)
			}
		}
		return promoted
	}

	var outputs []string
	for _, command := range verdict.Commands {
		code, out, runErr := p.runner.Run(ctx, workingDir, command)
		if runErr != nil {
			p.log.Warn("verification command failed to run",
				zap.String("task_id", task.TaskID), zap.String("command", command), zap.Error(runErr))
			return map[string]string{}
		}
		line := fmt.Sprintf("$ %s (exit %d)", command, code)
		if trimmed := firstLine(strings.TrimSpace(out)); trimmed != "" {
			line += ": " + trimmed
		}
		outputs = append(outputs, line)
		if code != 0 {
			// One non-zero exit invalidates the whole batch.
			return map[string]string{}
		}
	}
	evidence := strings.Join(outputs, "; ")
	for _, c := range failedCriteria {
		promoted[c] = evidence
	}
	return promoted
}

func responseFiles(r *types.AgentResponse) []string {
	if r == nil {
		return nil
	}
	return r.DeclaredFiles()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
