package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"overseer/internal/types"
)

// FixPreviewLines caps the per-file preview embedded in fix prompts.
const FixPreviewLines = 50

// pathPattern extracts relative file paths mentioned in failure text.
var pathPattern = regexp.MustCompile(`[\w./-]+\.[\w]+`)

// BuildFixPrompt asks the agent to repair a failed attempt. It embeds the
// validation report and previews of files named in the failures.
func (b *Builder) BuildFixPrompt(task *types.Task, report *types.ValidationReport, workingDir string) string {
	var sb strings.Builder

	sb.WriteString("# FIX REQUIRED\n")
	fmt.Fprintf(&sb, "task_id: %s\n", task.TaskID)
	fmt.Fprintf(&sb, "intent: %s\n", task.Intent)
	sb.WriteString("\nThe previous attempt did not satisfy validation.\n")

	sb.WriteString("\n## Validation Report\n")
	fmt.Fprintf(&sb, "reason: %s\n", report.Reason)
	if len(report.FailedCriteria) > 0 {
		sb.WriteString("failed_criteria:\n")
		for _, c := range report.FailedCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if len(report.FailedRules) > 0 {
		sb.WriteString("failed_rules:\n")
		for _, r := range report.FailedRules {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}

	// Preview files named in the failure text so the agent sees current
	// content instead of guessing.
	mentioned := pathPattern.FindAllString(report.Reason+"\n"+strings.Join(report.FailedCriteria, "\n"), -1)
	seen := map[string]bool{}
	for _, p := range SanitizePaths(workingDir, mentioned) {
		if seen[p] {
			continue
		}
		seen[p] = true
		preview := PreviewFile(workingDir, p, FixPreviewLines)
		if preview == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n## File: %s (first %d lines)\n", p, FixPreviewLines)
		sb.WriteString(preview)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Acceptance Criteria\n")
	for i, c := range task.AcceptanceCriteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}

	strat := strategyFor(EffectiveTaskType(task))
	sb.WriteString("\n# OUTPUT FORMAT\n")
	sb.WriteString("Respond with exactly one JSON object:\n")
	sb.WriteString(strat.OutputContract)
	sb.WriteString("\n")
	return sb.String()
}

// BuildClarificationPrompt is issued on AMBIGUITY or ASKED_QUESTION
// halts, asking the agent to restate what is blocking it so the operator
// sees a precise question instead of hedged prose.
func (b *Builder) BuildClarificationPrompt(task *types.Task, reason types.HaltReason, detail string) string {
	var sb strings.Builder
	sb.WriteString("# CLARIFICATION REQUIRED\n")
	fmt.Fprintf(&sb, "task_id: %s\n", task.TaskID)
	fmt.Fprintf(&sb, "halt_reason: %s\n", reason)
	fmt.Fprintf(&sb, "detail: %s\n", detail)
	sb.WriteString("\nState, in one JSON object, exactly what decision or information you need:\n")
	sb.WriteString(`{"status": "needs_clarification", "question": "...", "options": ["..."]}`)
	sb.WriteString("\n")
	return sb.String()
}

// BuildGoalCompletionPrompt asks an agent to judge goal completion from
// state-derived context only.
func (b *Builder) BuildGoalCompletionPrompt(goal types.Goal, snap Snapshot) string {
	var sb strings.Builder
	sb.WriteString("# GOAL COMPLETION CHECK\n")
	fmt.Fprintf(&sb, "project: %s\n", goal.ProjectID)
	fmt.Fprintf(&sb, "goal: %s\n", goal.Description)

	if len(snap.Completed) > 0 {
		sb.WriteString("\n## Completed Tasks\n")
		for _, ct := range snap.Completed {
			fmt.Fprintf(&sb, "- %s: %s\n", ct.TaskID, ct.Intent)
		}
	}
	if len(snap.Blockers) > 0 {
		sb.WriteString("\n## Blocked Tasks\n")
		for _, bl := range snap.Blockers {
			fmt.Fprintf(&sb, "- %s: %s\n", bl.TaskID, bl.Reason)
		}
	}

	sb.WriteString("\nJudge only from the context above. Respond with exactly one JSON object:\n")
	sb.WriteString(`{"complete": false, "reasoning": "..."}`)
	sb.WriteString("\n")
	return sb.String()
}

// BuildInterrogationPrompt batches all unresolved criteria into one
// round's question.
func (b *Builder) BuildInterrogationPrompt(task *types.Task, criteria []string, round int) string {
	var sb strings.Builder
	sb.WriteString("# INTERROGATION\n")
	fmt.Fprintf(&sb, "task_id: %s\n", task.TaskID)
	fmt.Fprintf(&sb, "round: %d\n", round)
	sb.WriteString("\nFor each criterion below, give the file path(s) proving it is satisfied,\n")
	sb.WriteString("or state plainly that it is not complete. Do not speculate.\n\n")
	for i, c := range criteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}
	return sb.String()
}

// BuildInterrogationAnalysisPrompt asks a second agent to turn an
// interrogation answer into per-criterion verdicts.
func (b *Builder) BuildInterrogationAnalysisPrompt(criteria []string, response string) string {
	var sb strings.Builder
	sb.WriteString("# INTERROGATION ANALYSIS\n")
	sb.WriteString("Criteria under review:\n")
	for i, c := range criteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}
	sb.WriteString("\nAgent answer:\n")
	sb.WriteString(response)
	sb.WriteString("\n\nFor each criterion return a verdict. Respond with exactly one JSON array:\n")
	sb.WriteString(`[{"criterion": "...", "verdict": "COMPLETE|INCOMPLETE|UNCERTAIN", "evidence": "..."}]`)
	sb.WriteString("\n")
	return sb.String()
}

// BuildHelperPrompt asks a helper agent to verify failed criteria or
// produce shell verification commands.
func (b *Builder) BuildHelperPrompt(task *types.Task, failedCriteria, codeFiles []string) string {
	var sb strings.Builder
	sb.WriteString("# VERIFICATION ASSIST\n")
	fmt.Fprintf(&sb, "task_id: %s\n", task.TaskID)
	sb.WriteString("\nThese acceptance criteria could not be verified deterministically:\n")
	for i, c := range failedCriteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}
	if len(codeFiles) > 0 {
		sb.WriteString("\nCode files present in the working directory:\n")
		for _, f := range codeFiles {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	sb.WriteString("\nEither confirm satisfaction or produce shell commands that exit 0\n")
	sb.WriteString("only when the criteria hold. Respond with exactly one JSON object:\n")
	sb.WriteString(`{"satisfied": false, "commands": ["..."], "reasoning": "..."}`)
	sb.WriteString("\n")
	return sb.String()
}
