// Package validation implements the four-stage validation pipeline:
// standard structural checks, deterministic rule evaluation, helper-agent
// verification, and bounded interrogation. Stages are ordered pure
// refinements of a report; there is no recursion between them.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"overseer/internal/types"
)

// extractJSON pulls the first JSON object or array out of agent output,
// tolerating surrounding prose and markdown fences.
func extractJSON(output string) string {
	s := strings.TrimSpace(output)
	if fence := strings.Index(s, "```"); fence >= 0 {
		rest := s[fence+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unterminated JSON: hand the fragment to the repairer.
	return s[start:]
}

// decodeLenient extracts, repairs, and unmarshals agent JSON into v.
// Agents routinely emit almost-JSON (trailing commas, unquoted keys);
// jsonrepair fixes what a strict decode would reject.
func decodeLenient(output string, v any) error {
	fragment := extractJSON(output)
	if fragment == "" {
		return fmt.Errorf("no JSON object found in output")
	}
	if err := json.Unmarshal([]byte(fragment), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(fragment)
	if err != nil {
		return fmt.Errorf("repairing agent JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decoding agent JSON: %w", err)
	}
	return nil
}

// Decode extracts, repairs, and unmarshals agent JSON into v.
func Decode(output string, v any) error {
	return decodeLenient(output, v)
}

// ParseAgentResponse decodes agent output into the tagged response
// variant for the task type.
func ParseAgentResponse(taskType types.TaskType, output string) (*types.AgentResponse, error) {
	resp := &types.AgentResponse{Type: taskType}
	switch {
	case taskType == types.TaskTypeVerification:
		var v types.VerificationResponse
		if err := decodeLenient(output, &v); err != nil {
			return nil, err
		}
		resp.Verification = &v
	case taskType.IsCodingFamily():
		var c types.CodingResponse
		if err := decodeLenient(output, &c); err != nil {
			return nil, err
		}
		resp.Coding = &c
	default:
		var b types.BehavioralResponse
		if err := decodeLenient(output, &b); err != nil {
			return nil, err
		}
		resp.Behavioral = &b
	}
	return resp, nil
}
