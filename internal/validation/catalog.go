package validation

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"overseer/internal/types"
)

// Check is one verifiable predicate derived from a matched rule. Path
// and Pattern may contain {name} placeholders filled from the rule's
// named capture groups.
type Check struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
	Field   string `yaml:"field,omitempty"`
	Glob    string `yaml:"glob,omitempty"`
	Min     *int   `yaml:"min,omitempty"`
	Max     *int   `yaml:"max,omitempty"`
	Negate  bool   `yaml:"negate,omitempty"`
}

// Rule maps an acceptance-criterion phrasing to concrete checks.
type Rule struct {
	ID          string           `yaml:"id"`
	Description string           `yaml:"description,omitempty"`
	Match       string           `yaml:"match"`
	Confidence  types.Confidence `yaml:"confidence,omitempty"`
	Checks      []Check          `yaml:"checks"`

	pattern *regexp.Regexp
}

// Catalog is the compiled set of deterministic rules.
type Catalog struct {
	Rules []Rule `yaml:"rules"`
}

var checkTypes = map[string]bool{
	"file_exists":      true,
	"directory_exists": true,
	"json_contains":    true,
	"grep_found":       true,
	"grep_not_found":   true,
	"file_count":       true,
}

func compileCatalog(c *Catalog) error {
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if len(r.Checks) == 0 {
			return fmt.Errorf("rule %q: no checks", r.ID)
		}
		for _, chk := range r.Checks {
			if !checkTypes[chk.Type] {
				return fmt.Errorf("rule %q: unknown check type %q", r.ID, chk.Type)
			}
		}
		if r.Confidence == "" {
			r.Confidence = types.ConfidenceHigh
		}
		pat, err := regexp.Compile("(?i)" + r.Match)
		if err != nil {
			return fmt.Errorf("rule %q: compiling match: %w", r.ID, err)
		}
		r.pattern = pat
	}
	return nil
}

// LoadCatalog reads and compiles a YAML rule catalog. An empty path
// yields the built-in default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing rule catalog: %w", err)
	}
	if err := compileCatalog(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultCatalog covers the criterion phrasings agents and operators
// use most: file and directory presence, content grep, and JSON fields.
func DefaultCatalog() *Catalog {
	c := &Catalog{Rules: []Rule{
		{
			ID:         "file-exists",
			Match:      `(?:the )?file\s+(?P<path>[\w./@-]+)\s+(?:must\s+)?exists?`,
			Confidence: types.ConfidenceHigh,
			Checks:     []Check{{Type: "file_exists", Path: "{path}"}},
		},
		{
			ID:         "file-absent",
			Match:      `(?:the )?file\s+(?P<path>[\w./@-]+)\s+(?:must\s+not|does\s+not|no\s+longer)\s+exists?`,
			Confidence: types.ConfidenceHigh,
			Checks:     []Check{{Type: "file_exists", Path: "{path}", Negate: true}},
		},
		{
			ID:         "directory-exists",
			Match:      `(?:the )?(?:directory|folder)\s+(?P<path>[\w./@-]+)\s+(?:must\s+)?exists?`,
			Confidence: types.ConfidenceHigh,
			Checks:     []Check{{Type: "directory_exists", Path: "{path}"}},
		},
		{
			ID:         "file-contains",
			Match:      `(?:the )?file\s+(?P<path>[\w./@-]+)\s+(?:must\s+)?contains?\s+"(?P<pattern>[^"]+)"`,
			Confidence: types.ConfidenceHigh,
			Checks:     []Check{{Type: "grep_found", Path: "{path}", Pattern: "{pattern}"}},
		},
		{
			ID:         "file-not-contains",
			Match:      `(?:the )?file\s+(?P<path>[\w./@-]+)\s+(?:must\s+not|does\s+not)\s+contain\s+"(?P<pattern>[^"]+)"`,
			Confidence: types.ConfidenceHigh,
			Checks:     []Check{{Type: "grep_not_found", Path: "{path}", Pattern: "{pattern}"}},
		},
		{
			ID:         "json-field",
			Match:      `(?P<path>[\w./@-]+\.json)\s+(?:must\s+)?(?:contains?|has|defines?)\s+(?:the\s+)?(?:field|key)\s+"?(?P<field>[\w.]+)"?`,
			Confidence: types.ConfidenceHigh,
			Checks:     []Check{{Type: "json_contains", Path: "{path}", Field: "{field}"}},
		},
	}}
	if err := compileCatalog(c); err != nil {
		// The built-in catalog is validated by tests; a compile failure
		// here is a programming error.
		panic(err)
	}
	return c
}

// matchedRule pairs a rule with the capture substitutions from one
// criterion match.
type matchedRule struct {
	rule *Rule
	vars map[string]string
}

// matchCriterion returns every rule whose pattern matches the criterion,
// with named captures extracted for placeholder expansion.
func (c *Catalog) matchCriterion(criterion string) []matchedRule {
	var out []matchedRule
	for i := range c.Rules {
		r := &c.Rules[i]
		m := r.pattern.FindStringSubmatch(criterion)
		if m == nil {
			continue
		}
		vars := make(map[string]string)
		for gi, name := range r.pattern.SubexpNames() {
			if name != "" && gi < len(m) {
				vars[name] = m[gi]
			}
		}
		out = append(out, matchedRule{rule: r, vars: vars})
	}
	return out
}

// expand substitutes {name} placeholders with captured values.
func expand(template string, vars map[string]string) string {
	out := template
	for name, val := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", val)
	}
	return out
}
