package validation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"overseer/internal/types"
)

// Interrogation verdicts from the analysis contract.
const (
	verdictComplete   = "COMPLETE"
	verdictIncomplete = "INCOMPLETE"
	verdictUncertain  = "UNCERTAIN"
)

type interrogationVerdict struct {
	Criterion string `json:"criterion"`
	Verdict   string `json:"verdict"`
	Evidence  string `json:"evidence"`
}

// InterrogationKey names the persisted once-per-attempt flag.
func InterrogationKey(taskID string, attempt int) string {
	return fmt.Sprintf("%s_%d", taskID, attempt)
}

// runInterrogation questions the agent about unresolved criteria for up
// to maxRounds rounds. Each round is one question to the task agent plus
// one analysis call; criteria judged COMPLETE or INCOMPLETE are settled,
// UNCERTAIN ones roll into the next round. The persist callback is
// invoked before the first round so a crash mid-interrogation cannot
// repeat it on replay.
func (p *Pipeline) runInterrogation(ctx context.Context, in *Input, unresolved []string) (map[string]types.CriterionResult, error) {
	settled := map[string]types.CriterionResult{}
	if in.Agent == nil || p.helper == nil || len(unresolved) == 0 {
		return settled, nil
	}

	if p.persistFlag != nil {
		if err := p.persistFlag(ctx, InterrogationKey(in.Task.TaskID, in.Attempt)); err != nil {
			return settled, fmt.Errorf("persisting interrogation flag: %w", err)
		}
	}

	remaining := append([]string(nil), unresolved...)
	for round := 1; round <= p.maxRounds && len(remaining) > 0; round++ {
		question := p.prompts.BuildInterrogationPrompt(in.Task, remaining, round)
		p.logPrompt(kindInterrogationPrompt, in.Task.TaskID, question, round)
		answer, err := in.Agent.Complete(ctx, question)
		if err != nil {
			p.log.Warn("interrogation round failed",
				zap.String("task_id", in.Task.TaskID), zap.Int("round", round), zap.Error(err))
			break
		}
		p.logPrompt(kindInterrogationResponse, in.Task.TaskID, answer, round)

		analysis := p.prompts.BuildInterrogationAnalysisPrompt(remaining, answer)
		analysisRaw, err := p.helper.Complete(ctx, analysis)
		if err != nil {
			p.log.Warn("interrogation analysis failed",
				zap.String("task_id", in.Task.TaskID), zap.Int("round", round), zap.Error(err))
			break
		}

		var verdicts []interrogationVerdict
		if err := decodeLenient(analysisRaw, &verdicts); err != nil {
			p.log.Warn("interrogation analysis unparseable",
				zap.String("task_id", in.Task.TaskID), zap.Int("round", round), zap.Error(err))
			break
		}

		byCriterion := map[string]interrogationVerdict{}
		for _, v := range verdicts {
			byCriterion[strings.TrimSpace(v.Criterion)] = v
		}

		var next []string
		for _, criterion := range remaining {
			v, ok := byCriterion[criterion]
			if !ok {
				next = append(next, criterion)
				continue
			}
			switch strings.ToUpper(strings.TrimSpace(v.Verdict)) {
			case verdictComplete:
				settled[criterion] = types.CriterionResult{
					Criterion:  criterion,
					Passed:     true,
					Confidence: types.ConfidenceMedium,
					Evidence:   "interrogation round " + fmt.Sprint(round) + ": " + v.Evidence,
				}
			case verdictIncomplete:
				settled[criterion] = types.CriterionResult{
					Criterion:  criterion,
					Passed:     false,
					Confidence: types.ConfidenceMedium,
					Evidence:   "interrogation round " + fmt.Sprint(round) + ": " + v.Evidence,
				}
			default:
				next = append(next, criterion)
			}
		}
		remaining = next
	}
	return settled, nil
}
