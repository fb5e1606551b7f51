package prompt

import (
	"strings"

	"overseer/internal/types"
)

// Strategy defines how a task type shapes its prompt: the rules and
// guidelines injected, and the JSON object the agent must answer with.
type Strategy struct {
	Rules          []string
	Guidelines     []string
	OutputContract string
}

const codingContract = `{
  "status": "completed",
  "files_created": ["relative/path"],
  "files_updated": ["relative/path"],
  "changes": ["relative/path"],
  "neededChanges": true,
  "reasoning": "why the changes satisfy the criteria",
  "summary": "one-line summary"
}`

const behavioralContract = `{
  "status": "completed",
  "response": "the requested response text",
  "confidence": "high|medium|low",
  "reasoning": "why this response satisfies the task"
}`

const verificationContract = `{
  "status": "completed",
  "findings": ["observation"],
  "verdict": "pass",
  "reasoning": "evidence for the verdict"
}`

var codingRules = []string{
	"Work only inside the working directory.",
	"Report every file you create or update with its relative path.",
	"Do not invent completion: set status to \"completed\" only when every acceptance criterion is met.",
	"Never modify files outside the declared changes.",
}

var codingGuidelines = []string{
	"Prefer small, verifiable changes over sweeping rewrites.",
	"Match the existing style of the project.",
}

var strategies = map[types.TaskType]Strategy{
	types.TaskTypeCoding:         {Rules: codingRules, Guidelines: codingGuidelines, OutputContract: codingContract},
	types.TaskTypeImplementation: {Rules: codingRules, Guidelines: codingGuidelines, OutputContract: codingContract},
	types.TaskTypeConfiguration: {
		Rules:          append([]string{"Touch configuration files only."}, codingRules...),
		Guidelines:     codingGuidelines,
		OutputContract: codingContract,
	},
	types.TaskTypeDocumentation: {
		Rules:          append([]string{"Produce documentation files only; do not change code."}, codingRules...),
		Guidelines:     []string{"Write for a reader new to the project."},
		OutputContract: codingContract,
	},
	types.TaskTypeTesting: {
		Rules:          append([]string{"Add or update tests; do not weaken existing assertions."}, codingRules...),
		Guidelines:     codingGuidelines,
		OutputContract: codingContract,
	},
	types.TaskTypeRefactoring: {
		Rules:          append([]string{"Behavior must be preserved; refactor structure only."}, codingRules...),
		Guidelines:     codingGuidelines,
		OutputContract: codingContract,
	},
	types.TaskTypeBehavioral: {
		Rules:          []string{"Answer the request directly in the response field."},
		OutputContract: behavioralContract,
	},
	types.TaskTypeResearch: {
		Rules:          []string{"Summarize findings in the response field; cite file paths where relevant."},
		OutputContract: behavioralContract,
	},
	types.TaskTypeOrchestration: {
		Rules:          []string{"Describe the orchestration outcome in the response field."},
		OutputContract: behavioralContract,
	},
	types.TaskTypeVerification: {
		Rules: []string{
			"Inspect, never modify.",
			"verdict must be exactly \"pass\" or \"fail\".",
			"List concrete findings with file paths.",
		},
		OutputContract: verificationContract,
	},
}

// strategyFor returns the strategy for a task type, defaulting to coding.
func strategyFor(t types.TaskType) Strategy {
	if s, ok := strategies[t]; ok {
		return s
	}
	return strategies[types.TaskTypeCoding]
}

// EffectiveTaskType returns the explicit task type, or derives one
// deterministically from keyword matches on intent + instructions.
func EffectiveTaskType(task *types.Task) types.TaskType {
	if task.TaskType != "" {
		return task.TaskType
	}
	return DetectTaskType(task.Intent + " " + task.Instructions)
}

// DetectTaskType derives a task type from lowercase keyword matches. The
// match order is fixed; the first family hit wins.
func DetectTaskType(text string) types.TaskType {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, "test"):
		return types.TaskTypeTesting
	case containsAny(t, "config", "setup", "env"):
		return types.TaskTypeConfiguration
	case containsAny(t, "document", "readme", "guide"):
		return types.TaskTypeDocumentation
	case containsAny(t, "refactor", "improve", "clean"):
		return types.TaskTypeRefactoring
	case containsAny(t, "greet", "hello", "say", "respond"):
		return types.TaskTypeBehavioral
	case containsAny(t, "verify", "check", "audit", "analyze", "confirm"):
		return types.TaskTypeVerification
	}
	return types.TaskTypeCoding
}
