package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Daemon.MaxConcurrent)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_ParsesFileAndOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
daemon:
  max_concurrent: 20
permit:
  reject_threshold: 0.9
  defer_threshold: 0.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Daemon.MaxConcurrent)
	assert.Equal(t, 0.9, cfg.Permit.RejectThreshold)
}

func TestValidate_RejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.Permit.RejectThreshold = 0.5
	cfg.Permit.DeferThreshold = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsZeroMaxConcurrent(t *testing.T) {
	cfg := Default()
	cfg.Daemon.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadTriggers_ParsesAndAssignsOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triggers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
triggers:
  - id: nightly
    on: cron-0
    workflow: release
    cooldown: 1m
  - id: on-push
    on: webhook-0
    workflow: ci
    filter:
      branch: main
`), 0o644))

	defs, order, err := LoadTriggers(path)
	require.NoError(t, err)
	require.Equal(t, []string{"nightly", "on-push"}, order)
	assert.Equal(t, "cron-0", defs["nightly"].On)
	assert.Equal(t, "release", defs["nightly"].Workflow)
	assert.Equal(t, "main", defs["on-push"].Filter["branch"].Equals)
}

func TestLoadTriggers_RejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triggers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
triggers:
  - id: dup
    on: a
    workflow: w
  - id: dup
    on: b
    workflow: w
`), 0o644))

	_, _, err := LoadTriggers(path)
	assert.Error(t, err)
}

func TestParseWorkflowDefinition_AppliesStepDefaults(t *testing.T) {
	def, err := ParseWorkflowDefinition([]byte(`
name: release
steps:
  - id: build
    worker: CODEX_CLI
    instructions: build it
`))
	require.NoError(t, err)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, 3, def.Steps[0].MaxRetries)
	assert.Equal(t, 1, def.Steps[0].MaxIterations)
}

func TestLoadWorkflowDefinition_ResolvesRelativeToWorkflowsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ci.yaml"), []byte(`
name: ci
steps:
  - id: test
    worker: CODEX_CLI
    instructions: run tests
`), 0o644))

	def, err := LoadWorkflowDefinition(dir, "ci")
	require.NoError(t, err)
	assert.Equal(t, "ci", def.Name)
}

func TestLoadWorkflowDefinition_MissingFileIsNotFound(t *testing.T) {
	_, err := LoadWorkflowDefinition(t.TempDir(), "missing")
	assert.Error(t, err)
}
