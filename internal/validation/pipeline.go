package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"overseer/internal/audit"
	"overseer/internal/prompt"
	"overseer/internal/types"
)

// Stage name constants used in PassedRules / FailedRules.
const (
	stageStandard      = "standard"
	stageDeterministic = "deterministic"
	stageHelper        = "helper_agent"
	stageInterrogation = "interrogation"
)

const (
	kindHelperPrompt          = audit.KindHelperAgentPrompt
	kindHelperResponse        = audit.KindHelperAgentResponse
	kindInterrogationPrompt   = audit.KindInterrogationPrompt
	kindInterrogationResponse = audit.KindInterrogationResponse
)

// Input is one validation request. Agent is session-bound to the task's
// conversation so interrogation questions land in context; Strict means
// helper promotion is off and interrogation must settle every criterion
// COMPLETE.
type Input struct {
	Task      *types.Task
	Response  string
	Attempt   int
	Iteration int
	Strict    bool

	// WorkingDir is the resolved directory all file checks and
	// verification commands run against. Empty falls back to the task's
	// own working_directory.
	WorkingDir string

	// Agent answers interrogation rounds in the task's session.
	Agent Completer

	// InterrogationDone is set when a persisted flag shows this attempt
	// already interrogated; the stage is then skipped.
	InterrogationDone bool
}

// PersistFlagFunc durably records an interrogation flag before the first
// round runs.
type PersistFlagFunc func(ctx context.Context, key string) error

// Config wires the pipeline's collaborators.
type Config struct {
	Catalog     *Catalog
	Prompts     *prompt.Builder
	PromptLog   *audit.PromptLogger
	Runner      CommandRunner
	Helper      Completer
	MaxRounds   int
	PersistFlag PersistFlagFunc
	Logger      *zap.Logger
}

// Pipeline applies the four stages in order. Each stage refines the
// report; a stage that establishes validity ends the run.
type Pipeline struct {
	catalog     *Catalog
	prompts     *prompt.Builder
	plog        *audit.PromptLogger
	runner      CommandRunner
	helper      Completer
	maxRounds   int
	persistFlag PersistFlagFunc
	log         *zap.Logger

	iteration int
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Prompts == nil {
		return nil, fmt.Errorf("validation: prompt builder is required")
	}
	if cfg.Runner == nil {
		cfg.Runner = ShellRunner{}
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{
		catalog:     cfg.Catalog,
		prompts:     cfg.Prompts,
		plog:        cfg.PromptLog,
		runner:      cfg.Runner,
		helper:      cfg.Helper,
		maxRounds:   cfg.MaxRounds,
		persistFlag: cfg.PersistFlag,
		log:         cfg.Logger,
	}, nil
}

// Validate runs the pipeline for one attempt and returns the final
// report plus the parsed response when parsing succeeded. The returned
// error covers infrastructure failures only (flag persistence); a
// failing validation is a report, not an error.
func (p *Pipeline) Validate(ctx context.Context, in *Input) (*types.ValidationReport, *types.AgentResponse, error) {
	p.iteration = in.Iteration
	workingDir := in.WorkingDir
	if workingDir == "" {
		workingDir = in.Task.WorkingDirectory
	}
	report := &types.ValidationReport{Confidence: types.ConfidenceLow}

	// Stage 1: structural.
	std := runStandard(in.Task, workingDir, in.Response)
	report.Ambiguous = std.ambiguous
	report.AskedQuestion = std.askedQuestion
	if std.askedQuestion || std.ambiguous {
		report.Valid = false
		report.Reason = std.reason
		if report.Reason == "" {
			report.Reason = "response is ambiguous"
		}
		report.FailedRules = append(report.FailedRules, stageStandard)
		report.Confidence = types.ConfidenceUncertain
		return report, std.response, nil
	}
	if std.ok {
		report.PassedRules = append(report.PassedRules, stageStandard)
	} else {
		report.FailedRules = append(report.FailedRules, stageStandard)
		report.Reason = std.reason
	}

	// No criteria: a structurally sound response is the whole contract.
	if len(in.Task.AcceptanceCriteria) == 0 {
		if std.ok {
			report.Valid = true
			report.Confidence = types.ConfidenceHigh
		}
		return report, std.response, nil
	}

	// Stage 2: deterministic rule evaluation per criterion.
	results := map[string]types.CriterionResult{}
	for _, criterion := range in.Task.AcceptanceCriteria {
		results[criterion] = p.catalog.evaluateCriterion(workingDir, criterion)
	}
	if allPassed(results) {
		report.PassedRules = append(report.PassedRules, stageDeterministic)
	} else {
		report.FailedRules = append(report.FailedRules, stageDeterministic)
	}

	// Stage 3: helper agent, coding family only, never in strict mode.
	failed := criteriaWhere(in.Task.AcceptanceCriteria, results, func(r types.CriterionResult) bool {
		return !r.Passed && r.Confidence != types.ConfidenceUncertain
	})
	taskType := prompt.EffectiveTaskType(in.Task)
	if len(failed) > 0 && taskType.IsCodingFamily() && !in.Strict && p.helper != nil {
		promoted := p.runHelper(ctx, in.Task, workingDir, failed, std.response)
		for criterion, evidence := range promoted {
			results[criterion] = types.CriterionResult{
				Criterion:  criterion,
				Passed:     true,
				Confidence: types.ConfidenceMedium,
				Evidence:   evidence,
			}
		}
		if len(promoted) > 0 {
			report.PassedRules = append(report.PassedRules, stageHelper)
		} else {
			report.FailedRules = append(report.FailedRules, stageHelper)
		}
	}

	// Stage 4: interrogation over whatever is still failed or uncertain.
	unresolved := criteriaWhere(in.Task.AcceptanceCriteria, results, func(r types.CriterionResult) bool {
		return !r.Passed
	})
	if len(unresolved) > 0 && taskType != types.TaskTypeBehavioral && !in.InterrogationDone {
		settled, err := p.runInterrogation(ctx, in, unresolved)
		if err != nil {
			return report, std.response, err
		}
		for criterion, res := range settled {
			results[criterion] = res
		}
		if len(settled) > 0 {
			report.PassedRules = append(report.PassedRules, stageInterrogation)
		} else {
			report.FailedRules = append(report.FailedRules, stageInterrogation)
		}
	}

	finalizeReport(report, in.Task.AcceptanceCriteria, results, std)
	return report, std.response, nil
}

// finalizeReport folds per-criterion results into the report verdict.
func finalizeReport(report *types.ValidationReport, criteria []string, results map[string]types.CriterionResult, std standardResult) {
	report.Criteria = report.Criteria[:0]
	report.FailedCriteria = nil
	report.UncertainCriteria = nil
	worst := types.ConfidenceHigh
	for _, criterion := range criteria {
		res := results[criterion]
		report.Criteria = append(report.Criteria, res)
		switch {
		case res.Confidence == types.ConfidenceUncertain:
			report.UncertainCriteria = append(report.UncertainCriteria, criterion)
		case !res.Passed:
			report.FailedCriteria = append(report.FailedCriteria, criterion)
		}
		if confidenceRank(res.Confidence) < confidenceRank(worst) {
			worst = res.Confidence
		}
	}
	sort.Strings(report.FailedCriteria)
	sort.Strings(report.UncertainCriteria)

	report.Valid = len(report.FailedCriteria) == 0 && len(report.UncertainCriteria) == 0 && std.ok
	report.Confidence = worst
	if len(report.UncertainCriteria) > 0 {
		report.Confidence = types.ConfidenceUncertain
	}
	if report.Valid {
		report.Reason = ""
		return
	}
	switch {
	case len(report.FailedCriteria) > 0:
		report.Reason = "criteria not met: " + strings.Join(report.FailedCriteria, "; ")
	case len(report.UncertainCriteria) > 0:
		report.Reason = "criteria unverifiable: " + strings.Join(report.UncertainCriteria, "; ")
	case report.Reason == "":
		report.Reason = std.reason
	}
}

func allPassed(results map[string]types.CriterionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func criteriaWhere(order []string, results map[string]types.CriterionResult, pred func(types.CriterionResult) bool) []string {
	var out []string
	for _, c := range order {
		if pred(results[c]) {
			out = append(out, c)
		}
	}
	return out
}

func (p *Pipeline) logPrompt(kind audit.PromptKind, taskID, content string, round int) {
	if p.plog == nil {
		return
	}
	// Append owns truncation and the metadata flags.
	p.plog.Append(audit.PromptEntry{
		Kind:      kind,
		TaskID:    taskID,
		Iteration: p.iteration,
		Content:   content,
		Metadata:  audit.PromptMeta{Round: round},
	})
}
