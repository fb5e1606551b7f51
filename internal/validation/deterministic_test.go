package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/types"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestEvaluateCriterion_FileExists(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	c := DefaultCatalog()

	res := c.evaluateCriterion(dir, "the file main.go exists")
	assert.True(t, res.Passed)
	assert.Equal(t, types.ConfidenceHigh, res.Confidence)

	res = c.evaluateCriterion(dir, "the file missing.go exists")
	assert.False(t, res.Passed)
	assert.Equal(t, types.ConfidenceHigh, res.Confidence)
}

func TestEvaluateCriterion_Negation(t *testing.T) {
	dir := t.TempDir()
	c := DefaultCatalog()

	res := c.evaluateCriterion(dir, "file legacy.cfg must not exist")
	assert.True(t, res.Passed)

	writeFile(t, dir, "legacy.cfg", "old")
	res = c.evaluateCriterion(dir, "file legacy.cfg must not exist")
	assert.False(t, res.Passed)
}

func TestEvaluateCriterion_GrepAndJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module overseer\n\ngo 1.24.0\n")
	writeFile(t, dir, "package.json", `{"scripts": {"test": "go test ./..."}}`)
	c := DefaultCatalog()

	res := c.evaluateCriterion(dir, `file go.mod contains "module overseer"`)
	assert.True(t, res.Passed, res.Evidence)

	res = c.evaluateCriterion(dir, `file go.mod must not contain "replace"`)
	assert.True(t, res.Passed, res.Evidence)

	res = c.evaluateCriterion(dir, `package.json contains the field "scripts.test"`)
	assert.True(t, res.Passed, res.Evidence)

	res = c.evaluateCriterion(dir, `package.json contains the field "scripts.lint"`)
	assert.False(t, res.Passed, res.Evidence)
}

func TestEvaluateCriterion_NoRuleIsUncertain(t *testing.T) {
	c := DefaultCatalog()
	res := c.evaluateCriterion(t.TempDir(), "the service feels snappy")
	assert.False(t, res.Passed)
	assert.Equal(t, types.ConfidenceUncertain, res.Confidence)
}

func TestRunCheck_PathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	for _, path := range []string{"/etc/passwd", "../outside.txt"} {
		_, _, err := runCheck(dir, Check{Type: "file_exists", Path: path}, nil)
		require.Error(t, err, path)
	}
}

func TestRunCheck_FileCount(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "migrations/001.sql", "create table t;")
	writeFile(t, dir, "migrations/002.sql", "alter table t;")

	one := 1
	three := 3
	ok, _, err := runCheck(dir, Check{Type: "file_count", Glob: "migrations/*.sql", Min: &one}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = runCheck(dir, Check{Type: "file_count", Glob: "migrations/*.sql", Min: &three}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfidencePropagation_WeakestRuleWins(t *testing.T) {
	c := &Catalog{Rules: []Rule{
		{
			ID:         "strong",
			Match:      `file (?P<path>\S+) exists`,
			Confidence: types.ConfidenceHigh,
			Checks:     []Check{{Type: "file_exists", Path: "{path}"}},
		},
		{
			ID:         "weak",
			Match:      `file \S+ exists`,
			Confidence: types.ConfidenceLow,
			Checks:     []Check{{Type: "file_count", Glob: "*"}},
		},
	}}
	require.NoError(t, compileCatalog(c))

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")
	res := c.evaluateCriterion(dir, "file a.txt exists")
	assert.True(t, res.Passed)
	assert.Equal(t, types.ConfidenceLow, res.Confidence)
}
