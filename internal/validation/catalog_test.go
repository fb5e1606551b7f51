package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/types"
)

func TestDefaultCatalog_Matching(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name      string
		criterion string
		wantRule  string
		wantVars  map[string]string
	}{
		{
			name:      "file exists",
			criterion: "The file cmd/main.go exists",
			wantRule:  "file-exists",
			wantVars:  map[string]string{"path": "cmd/main.go"},
		},
		{
			name:      "file must not exist",
			criterion: "file legacy.cfg must not exist",
			wantRule:  "file-absent",
			wantVars:  map[string]string{"path": "legacy.cfg"},
		},
		{
			name:      "directory exists",
			criterion: "the directory internal/store exists",
			wantRule:  "directory-exists",
			wantVars:  map[string]string{"path": "internal/store"},
		},
		{
			name:      "file contains",
			criterion: `file go.mod contains "module overseer"`,
			wantRule:  "file-contains",
			wantVars:  map[string]string{"path": "go.mod", "pattern": "module overseer"},
		},
		{
			name:      "json field",
			criterion: `package.json contains the field "scripts.test"`,
			wantRule:  "json-field",
			wantVars:  map[string]string{"path": "package.json", "field": "scripts.test"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := c.matchCriterion(tt.criterion)
			require.NotEmpty(t, matched, "no rule matched %q", tt.criterion)
			found := false
			for _, m := range matched {
				if m.rule.ID != tt.wantRule {
					continue
				}
				found = true
				for k, v := range tt.wantVars {
					assert.Equal(t, v, m.vars[k], "capture %s", k)
				}
			}
			assert.True(t, found, "rule %s did not match", tt.wantRule)
		})
	}
}

func TestDefaultCatalog_NoMatch(t *testing.T) {
	c := DefaultCatalog()
	assert.Empty(t, c.matchCriterion("the API responds within 100ms"))
}

func TestLoadCatalog_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	raw := `rules:
  - id: migrations-present
    description: at least one migration file
    match: 'migrations? (are|is) present'
    confidence: MEDIUM
    checks:
      - type: file_count
        glob: "migrations/*.sql"
        min: 1
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Rules, 1)
	assert.Equal(t, types.ConfidenceMedium, c.Rules[0].Confidence)

	matched := c.matchCriterion("Migrations are present")
	require.Len(t, matched, 1)
}

func TestLoadCatalog_EmptyPathUsesDefault(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Rules)
}

func TestLoadCatalog_RejectsUnknownCheckType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	raw := `rules:
  - id: bad
    match: 'x'
    checks:
      - type: http_probe
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown check type")
}

func TestLoadCatalog_RejectsBadRegexp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	raw := `rules:
  - id: bad
    match: '(['
    checks:
      - type: file_exists
        path: x
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	_, err := LoadCatalog(path)
	require.Error(t, err)
}
