package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"overseer/internal/types"
)

// Every check resolves paths relative to the task working directory and
// never consults the agent's claims. A criterion that no rule matches is
// UNCERTAIN, not failed: absence of a rule is not evidence of failure.

func resolvePath(workingDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", fmt.Errorf("path %q escapes working directory", rel)
	}
	return filepath.Join(workingDir, rel), nil
}

func runCheck(workingDir string, chk Check, vars map[string]string) (bool, string, error) {
	path := expand(chk.Path, vars)
	pattern := expand(chk.Pattern, vars)
	field := expand(chk.Field, vars)
	glob := expand(chk.Glob, vars)

	negated := func(ok bool, evidence string) (bool, string, error) {
		if chk.Negate {
			return !ok, evidence, nil
		}
		return ok, evidence, nil
	}

	switch chk.Type {
	case "file_exists":
		full, err := resolvePath(workingDir, path)
		if err != nil {
			return false, "", err
		}
		info, statErr := os.Stat(full)
		ok := statErr == nil && !info.IsDir()
		return negated(ok, fmt.Sprintf("file %s exists=%t", path, ok))

	case "directory_exists":
		full, err := resolvePath(workingDir, path)
		if err != nil {
			return false, "", err
		}
		info, statErr := os.Stat(full)
		ok := statErr == nil && info.IsDir()
		return negated(ok, fmt.Sprintf("directory %s exists=%t", path, ok))

	case "json_contains":
		full, err := resolvePath(workingDir, path)
		if err != nil {
			return false, "", err
		}
		raw, readErr := os.ReadFile(full)
		if readErr != nil {
			return negated(false, fmt.Sprintf("cannot read %s", path))
		}
		var doc any
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
			return negated(false, fmt.Sprintf("%s is not valid JSON", path))
		}
		ok := jsonFieldPresent(doc, field)
		return negated(ok, fmt.Sprintf("field %q present=%t in %s", field, ok, path))

	case "grep_found", "grep_not_found":
		full, err := resolvePath(workingDir, path)
		if err != nil {
			return false, "", err
		}
		re, reErr := regexp.Compile(pattern)
		if reErr != nil {
			// Fall back to a literal match when the captured pattern is
			// not a valid regexp.
			re = regexp.MustCompile(regexp.QuoteMeta(pattern))
		}
		raw, readErr := os.ReadFile(full)
		if readErr != nil {
			return negated(chk.Type == "grep_not_found", fmt.Sprintf("cannot read %s", path))
		}
		found := re.Match(raw)
		ok := found
		if chk.Type == "grep_not_found" {
			ok = !found
		}
		return negated(ok, fmt.Sprintf("pattern %q found=%t in %s", pattern, found, path))

	case "file_count":
		if strings.Contains(glob, "..") || filepath.IsAbs(glob) {
			return false, "", fmt.Errorf("glob %q escapes working directory", glob)
		}
		matches, globErr := filepath.Glob(filepath.Join(workingDir, glob))
		if globErr != nil {
			return false, "", fmt.Errorf("bad glob %q: %w", glob, globErr)
		}
		n := len(matches)
		ok := true
		if chk.Min != nil && n < *chk.Min {
			ok = false
		}
		if chk.Max != nil && n > *chk.Max {
			ok = false
		}
		return negated(ok, fmt.Sprintf("glob %q matched %d files", glob, n))

	default:
		return false, "", fmt.Errorf("unknown check type %q", chk.Type)
	}
}

// jsonFieldPresent walks a dotted field path through nested objects.
func jsonFieldPresent(doc any, field string) bool {
	cur := doc
	for _, part := range strings.Split(field, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = obj[part]
		if !ok {
			return false
		}
	}
	return true
}

// evaluateCriterion runs every matching rule's checks against the
// working directory. The result confidence is the weakest matched rule's
// confidence; no match yields an UNCERTAIN result.
func (c *Catalog) evaluateCriterion(workingDir, criterion string) types.CriterionResult {
	matched := c.matchCriterion(criterion)
	if len(matched) == 0 {
		return types.CriterionResult{
			Criterion:  criterion,
			Passed:     false,
			Confidence: types.ConfidenceUncertain,
			Evidence:   "no deterministic rule matches",
		}
	}
	result := types.CriterionResult{
		Criterion:  criterion,
		Passed:     true,
		Confidence: types.ConfidenceHigh,
	}
	var evidence []string
	for _, m := range matched {
		if confidenceRank(m.rule.Confidence) < confidenceRank(result.Confidence) {
			result.Confidence = m.rule.Confidence
		}
		for _, chk := range m.rule.Checks {
			ok, ev, err := runCheck(workingDir, chk, m.vars)
			if err != nil {
				result.Passed = false
				evidence = append(evidence, fmt.Sprintf("[%s] check error: %v", m.rule.ID, err))
				continue
			}
			if !ok {
				result.Passed = false
			}
			evidence = append(evidence, fmt.Sprintf("[%s] %s", m.rule.ID, ev))
		}
	}
	result.Evidence = strings.Join(evidence, "; ")
	return result
}

func confidenceRank(c types.Confidence) int {
	switch c {
	case types.ConfidenceHigh:
		return 3
	case types.ConfidenceMedium:
		return 2
	case types.ConfidenceLow:
		return 1
	default:
		return 0
	}
}
