package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"overseer/internal/prompt"
	"overseer/internal/types"
)

// The standard stage judges the response structurally: does it parse,
// does it declare completion, do claimed artifacts exist. It never
// inspects acceptance criteria; that is the deterministic stage's job.

var (
	hedgeWords = []string{
		"i'm not sure", "i am not sure", "it's unclear", "it is unclear",
		"i couldn't determine", "i could not determine", "possibly", "perhaps",
		"i assumed", "ambiguous",
	}
	// Modal hedges. Matched as whole words; a structurally complete
	// response still overrides them.
	hedgePattern    = regexp.MustCompile(`(?i)\b(maybe|could|might)\b`)
	questionPattern = regexp.MustCompile(`(?i)(should i|do you want|would you like|can you clarify|which (one|of|approach)|what (should|do you))[^?]*\?`)
)

// standardResult carries the structural verdict plus the parsed response
// for later stages.
type standardResult struct {
	ok       bool
	reason   string
	response *types.AgentResponse

	ambiguous     bool
	askedQuestion bool
}

func runStandard(task *types.Task, workingDir, rawOutput string) standardResult {
	res := standardResult{}
	taskType := prompt.EffectiveTaskType(task)

	parsed, err := ParseAgentResponse(taskType, rawOutput)
	if err != nil {
		res.reason = fmt.Sprintf("output is not parseable JSON: %v", err)
		res.ambiguous = detectAmbiguity(rawOutput)
		res.askedQuestion = detectQuestion(rawOutput)
		return res
	}
	res.response = parsed

	prose := proseOf(parsed, rawOutput)
	res.askedQuestion = detectQuestion(prose)
	res.ambiguous = detectAmbiguity(prose)
	if res.askedQuestion {
		res.reason = "agent asked the operator a question instead of completing"
		return res
	}

	status := strings.ToLower(strings.TrimSpace(parsed.DeclaredStatus()))
	if status == "" {
		res.reason = "response is missing the status field"
		return res
	}
	if status != "completed" {
		res.reason = fmt.Sprintf("agent declared status %q", status)
		return res
	}

	if parsed.Verification != nil {
		verdict := strings.ToLower(strings.TrimSpace(parsed.Verification.Verdict))
		if verdict != "pass" && verdict != "fail" {
			res.reason = fmt.Sprintf("verification verdict %q is not pass or fail", parsed.Verification.Verdict)
			return res
		}
		if verdict == "fail" {
			res.reason = "verification verdict is fail"
			return res
		}
	}

	if missing := missingDeclaredFiles(workingDir, parsed.DeclaredFiles()); len(missing) > 0 {
		res.reason = fmt.Sprintf("declared files do not exist: %s", strings.Join(missing, ", "))
		return res
	}

	// A structurally complete response overrides hedging in reasoning.
	res.ambiguous = false
	res.ok = true
	return res
}

// proseOf returns the free-text part of the response for heuristics.
func proseOf(r *types.AgentResponse, raw string) string {
	switch {
	case r.Behavioral != nil:
		return r.Behavioral.Response + "\n" + r.Behavioral.Reasoning
	case r.Coding != nil:
		return r.Coding.Summary + "\n" + r.Coding.Reasoning
	case r.Verification != nil:
		return strings.Join(r.Verification.Findings, "\n") + "\n" + r.Verification.Reasoning
	}
	return raw
}

func detectAmbiguity(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range hedgeWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return hedgePattern.MatchString(text)
}

func detectQuestion(text string) bool {
	return questionPattern.MatchString(text)
}

// missingDeclaredFiles returns declared paths that do not exist under the
// working directory. Absolute and traversal paths count as missing, the
// agent must not claim work outside its sandbox.
func missingDeclaredFiles(workingDir string, files []string) []string {
	var missing []string
	for _, f := range files {
		if f == "" {
			continue
		}
		if filepath.IsAbs(f) || strings.Contains(f, "..") {
			missing = append(missing, f)
			continue
		}
		if _, err := os.Stat(filepath.Join(workingDir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	return missing
}
