package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkestra-run/orkestra/internal/statestore"
	"github.com/orkestra-run/orkestra/internal/trigger"
	"github.com/orkestra-run/orkestra/internal/workflow"
)

type scriptedWorkflowRunner struct {
	status workflow.StepStatus
}

func (r *scriptedWorkflowRunner) RunStep(ctx context.Context, stepID string, resolved workflow.ResolvedStep, workspace string, env map[string]string) workflow.StepResult {
	return workflow.StepResult{Status: r.status}
}

func (r *scriptedWorkflowRunner) RunCheck(ctx context.Context, stepID string, check *workflow.CompletionCheckDef, workspace string, env map[string]string, checkID string) workflow.CheckResult {
	return workflow.CheckResult{Complete: true}
}

func testSupervisor(t *testing.T, runner workflow.Runner) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	workflowsDir := filepath.Join(dir, "workflows")
	require.NoError(t, os.MkdirAll(workflowsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workflowsDir, "release.yaml"), []byte(`
name: release
steps:
  - id: build
    worker: CODEX_CLI
    instructions: build it
`), 0o644))

	store, err := statestore.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := NewSupervisor(log, workflowsDir, filepath.Join(dir, "run"), filepath.Join(dir, "inv"), runner, store)
	return sup, dir
}

func TestSupervisor_RunWorkflow_Succeeds(t *testing.T) {
	sup, _ := testSupervisor(t, &scriptedWorkflowRunner{status: workflow.StepSucceeded})

	def := &trigger.Def{Workflow: "release"}
	result, err := sup.RunWorkflow(context.Background(), "nightly", def, trigger.EventView{SourceID: "cron-0"})
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, "SUCCEEDED", result.Status)
}

func TestSupervisor_RunWorkflow_FailedStepYieldsFailure(t *testing.T) {
	sup, _ := testSupervisor(t, &scriptedWorkflowRunner{status: workflow.StepFailed})

	def := &trigger.Def{Workflow: "release"}
	result, err := sup.RunWorkflow(context.Background(), "nightly", def, trigger.EventView{SourceID: "cron-0"})
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, "FAILED", result.Status)
}

func TestSupervisor_RunWorkflow_EvaluateGateRejectsYieldsCancelled(t *testing.T) {
	sup, _ := testSupervisor(t, &scriptedWorkflowRunner{status: workflow.StepSucceeded})

	def := &trigger.Def{Workflow: "release", Evaluate: `event.source_id == "webhook-0"`}
	result, err := sup.RunWorkflow(context.Background(), "nightly", def, trigger.EventView{SourceID: "cron-0"})
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, "CANCELLED", result.Status)
}

func TestSupervisor_RunWorkflow_StagesEventPayload(t *testing.T) {
	sup, dir := testSupervisor(t, &scriptedWorkflowRunner{status: workflow.StepSucceeded})

	def := &trigger.Def{
		Workflow: "release",
		Context:  &trigger.ContextDef{EventPayload: true, Env: map[string]string{"FOO": "bar"}},
	}
	_, err := sup.RunWorkflow(context.Background(), "nightly", def, trigger.EventView{SourceID: "cron-0", Payload: map[string]any{"k": "v"}})
	require.NoError(t, err)

	matches, _ := filepath.Glob(filepath.Join(dir, "run", "context", "nightly", "*", "event.json"))
	assert.Len(t, matches, 1)
}

func TestSupervisor_RunWorkflow_StagesLastResult(t *testing.T) {
	sup, dir := testSupervisor(t, &scriptedWorkflowRunner{status: workflow.StepSucceeded})

	store, err := statestore.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.NoError(t, store.SaveLastResult("nightly", map[string]any{"prior": "run"}))

	def := &trigger.Def{
		Workflow: "release",
		Context:  &trigger.ContextDef{LastResult: true},
	}
	_, err = sup.RunWorkflow(context.Background(), "nightly", def, trigger.EventView{SourceID: "cron-0"})
	require.NoError(t, err)

	matches, _ := filepath.Glob(filepath.Join(dir, "run", "context", "nightly", "*", "last-result.json"))
	assert.Len(t, matches, 1)
}

func TestSupervisor_RunWorkflow_UnknownWorkflowFails(t *testing.T) {
	sup, _ := testSupervisor(t, &scriptedWorkflowRunner{status: workflow.StepSucceeded})

	def := &trigger.Def{Workflow: "does-not-exist"}
	result, err := sup.RunWorkflow(context.Background(), "nightly", def, trigger.EventView{SourceID: "cron-0"})
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, "FAILED", result.Status)
}
