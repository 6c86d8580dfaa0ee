package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	f, ok := cfg.Framework("baseline-controls")
	require.True(t, ok)
	assert.Len(t, f.Questions(), 5)
	assert.Len(t, cfg.Workflow.Stages, 4)
	assert.Equal(t, domain.MethodAverage, cfg.Consensus.Method)
}

func TestMustParsePanicsOnBadTemplate(t *testing.T) {
	assert.Panics(t, func() { mustParse("frameworks: [unclosed") })
	assert.Panics(t, func() { mustParse("consensus:\n  tolerance: 1\n") }, "a template without frameworks fails validation")
}

func TestFromYAMLRejectsDuplicateQuestions(t *testing.T) {
	_, err := FromYAML([]byte(`frameworks:
  f:
    sections:
      - id: s
        categories:
          - id: a
            questions: [{id: Q1}]
          - id: b
            questions: [{id: Q1}]
workflow:
  stages: [{id: done, kind: completed}]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared in a and b")
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default().Roles, cfg.Roles)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "assessline.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 72, cfg.Blockers.CriticalOverdueHours)
}
