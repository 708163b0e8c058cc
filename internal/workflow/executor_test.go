package workflow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRunner returns canned results per step, counting calls so tests
// can assert retry/iteration behavior (S5-style: fail once, then succeed).
type scriptedRunner struct {
	mu         sync.Mutex
	stepResults map[string][]StepResult
	checkResults map[string][]CheckResult
	stepCalls  map[string]int
	checkCalls map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		stepResults:  map[string][]StepResult{},
		checkResults: map[string][]CheckResult{},
		stepCalls:    map[string]int{},
		checkCalls:   map[string]int{},
	}
}

func (r *scriptedRunner) RunStep(ctx context.Context, stepID string, resolved ResolvedStep, workspace string, env map[string]string) StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.stepCalls[stepID]
	r.stepCalls[stepID]++
	results := r.stepResults[stepID]
	if idx >= len(results) {
		return results[len(results)-1]
	}
	return results[idx]
}

func (r *scriptedRunner) RunCheck(ctx context.Context, stepID string, check *CompletionCheckDef, workspace string, env map[string]string, checkID string) CheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.checkCalls[stepID]
	r.checkCalls[stepID]++
	results := r.checkResults[stepID]
	if idx >= len(results) {
		return results[len(results)-1]
	}
	return results[idx]
}

func (r *scriptedRunner) callCount(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepCalls[stepID]
}

func TestExecutor_LinearSuccess(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}
	runner.stepResults["b"] = []StepResult{{Status: StepSucceeded}}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowSucceeded, state.Status)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
	assert.Equal(t, StepSucceeded, state.Steps["b"].Status)
}

func TestExecutor_FailedDependencyAbortsSkipsDependent(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepFailed, ErrorClass: "NON_RETRYABLE"}}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowFailed, state.Status)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
	assert.Equal(t, StepSkipped, state.Steps["b"].Status)
	assert.Equal(t, 0, runner.callCount("b"))
}

func TestExecutor_OnFailureContinueAllowsDependent(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", OnFailure: OnFailureContinue},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepFailed, ErrorClass: "NON_RETRYABLE"}}
	runner.stepResults["b"] = []StepResult{{Status: StepSucceeded}}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
	assert.Equal(t, StepSucceeded, state.Steps["b"].Status)
	assert.Equal(t, WorkflowFailed, state.Status) // any FAILED step fails the workflow overall
}

func TestExecutor_RetrySucceedsOnSecondAttempt(t *testing.T) {
	maxRetries := 2
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", OnFailure: OnFailureRetry, MaxRetries: maxRetries},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{
		{Status: StepFailed, ErrorClass: "RETRYABLE_TRANSIENT"},
		{Status: StepSucceeded},
	}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	start := time.Now()
	state, err := exec.Execute(context.Background(), nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
	assert.Equal(t, 2, runner.callCount("a"))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestExecutor_FatalOverridesOnFailureRetry(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", OnFailure: OnFailureRetry, MaxRetries: 5},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepFailed, ErrorClass: "FATAL"}}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
	assert.Equal(t, 1, runner.callCount("a")) // FATAL short-circuits retry
}

func TestExecutor_CompletionCheckIteratesUntilComplete(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", CompletionCheck: &CompletionCheckDef{Worker: WorkerCustom, Instructions: "converge"}, MaxIterations: 5},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}, {Status: StepSucceeded}, {Status: StepSucceeded}}
	runner.checkResults["a"] = []CheckResult{
		{Complete: false, Fingerprint: "f1"},
		{Complete: false, Fingerprint: "f2"},
		{Complete: true, Fingerprint: "f3"},
	}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
	assert.Equal(t, 3, runner.callCount("a"))
}

func TestExecutor_IterationsExhaustedAborts(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", CompletionCheck: &CompletionCheckDef{Worker: WorkerCustom, Instructions: "converge"}, MaxIterations: 2, OnIterationsExhausted: IterationsAbort},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}
	runner.checkResults["a"] = []CheckResult{{Complete: false, Fingerprint: "f1"}, {Complete: false, Fingerprint: "f2"}}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
}

func TestExecutor_IterationsExhaustedContinueYieldsIncomplete(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", CompletionCheck: &CompletionCheckDef{Worker: WorkerCustom, Instructions: "converge"}, MaxIterations: 2, OnIterationsExhausted: IterationsContinue},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}
	runner.checkResults["a"] = []CheckResult{{Complete: false, Fingerprint: "f1"}, {Complete: false, Fingerprint: "f2"}}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepIncomplete, state.Steps["a"].Status)
	assert.Equal(t, WorkflowSucceeded, state.Status) // INCOMPLETE does not by itself fail the workflow
}

func TestExecutor_ConcurrencyCapIsRespected(t *testing.T) {
	def := &Definition{
		Concurrency: 1,
		Steps: []*StepDefinition{
			{ID: "a"},
			{ID: "b"},
		},
	}

	var concurrent int32
	var maxConcurrent int32
	blocking := &blockingScriptedRunner{
		onRun: func() {
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
		},
	}

	exec, err := NewExecutor(testLogger(), def, blocking, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}

type blockingScriptedRunner struct {
	onRun func()
}

func (r *blockingScriptedRunner) RunStep(ctx context.Context, stepID string, resolved ResolvedStep, workspace string, env map[string]string) StepResult {
	r.onRun()
	return StepResult{Status: StepSucceeded}
}

func (r *blockingScriptedRunner) RunCheck(ctx context.Context, stepID string, check *CompletionCheckDef, workspace string, env map[string]string, checkID string) CheckResult {
	return CheckResult{Complete: true}
}

func TestExecutor_WorkflowTimeoutCancelsRunningSteps(t *testing.T) {
	def := &Definition{
		Timeout: "50ms",
		Steps: []*StepDefinition{
			{ID: "a"},
		},
	}
	never := &neverReturningRunner{unblock: make(chan struct{})}
	defer close(never.unblock)

	exec, err := NewExecutor(testLogger(), def, never, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowTimedOut, state.Status)
	assert.Equal(t, StepCancelled, state.Steps["a"].Status)
}

type neverReturningRunner struct {
	unblock chan struct{}
}

func (r *neverReturningRunner) RunStep(ctx context.Context, stepID string, resolved ResolvedStep, workspace string, env map[string]string) StepResult {
	select {
	case <-ctx.Done():
	case <-r.unblock:
	}
	return StepResult{Status: StepSucceeded}
}

func (r *neverReturningRunner) RunCheck(ctx context.Context, stepID string, check *CompletionCheckDef, workspace string, env map[string]string, checkID string) CheckResult {
	return CheckResult{Complete: true}
}

// watchAndDecide starts a background watcher that writes decision as the
// management controller's decision.json as soon as its input.json appears
// under invDir, so tests don't have to predict the hook's uuid-bearing id.
func watchAndDecide(t *testing.T, invDir string, decision Directive) {
	t.Helper()
	data, err := json.Marshal(decision)
	require.NoError(t, err)

	go func() {
		written := map[string]bool{}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			entries, _ := os.ReadDir(invDir)
			for _, e := range entries {
				if !e.IsDir() || written[e.Name()] {
					continue
				}
				hookDir := filepath.Join(invDir, e.Name())
				if _, err := os.Stat(filepath.Join(hookDir, "input.json")); err != nil {
					continue
				}
				if os.WriteFile(filepath.Join(hookDir, "decision.json"), data, 0o644) == nil {
					written[e.Name()] = true
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestExecutor_ManagementSkipDirectiveOmitsStep(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", Management: &ManagementDef{Enabled: true, PreStep: true}},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}

	invDir := t.TempDir()
	watchAndDecide(t, invDir, Directive{Kind: DirectiveSkip})

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), invDir, nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepOmitted, state.Steps["a"].Status)
	assert.Equal(t, 0, runner.callCount("a"))
}

func TestExecutor_ManagementAbortWorkflowCancelsWorkflow(t *testing.T) {
	def := &Definition{
		Steps: []*StepDefinition{
			{ID: "a", Management: &ManagementDef{Enabled: true, PreStep: true}},
			{ID: "b"},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}
	runner.stepResults["b"] = []StepResult{{Status: StepSucceeded}}

	invDir := t.TempDir()
	watchAndDecide(t, invDir, Directive{Kind: DirectiveAbortWorkflow, Reason: "operator requested stop"})

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), invDir, nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowCancelled, state.Status)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
}

func TestExecutor_ManagementMinRemainingTimeSkipsHook(t *testing.T) {
	def := &Definition{
		Timeout: "150ms",
		Steps: []*StepDefinition{
			{ID: "a", Management: &ManagementDef{Enabled: true, PreStep: true, MinRemainingTime: "1h"}},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}

	exec, err := NewExecutor(testLogger(), def, runner, t.TempDir(), t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowSucceeded, state.Status)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
}

func initGitRepoOnBranch(t *testing.T, dir, branch string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, exec.Command("git", "-C", dir, "init", "-q").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "symbolic-ref", "HEAD", "refs/heads/"+branch).Run())
}

func TestExecutor_BranchLockDriftFailsStep(t *testing.T) {
	workspaceRoot := t.TempDir()
	initGitRepoOnBranch(t, filepath.Join(workspaceRoot, "a"), "feature")

	def := &Definition{
		BranchLock: &BranchLockDef{ExpectedBranch: "main"},
		Steps: []*StepDefinition{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}

	ex, err := NewExecutor(testLogger(), def, runner, workspaceRoot, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := ex.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
	assert.Equal(t, "NON_RETRYABLE", state.Steps["a"].ErrorClass)
	assert.Equal(t, StepSkipped, state.Steps["b"].Status)
	assert.Equal(t, 0, runner.callCount("a"))
}

func TestExecutor_BranchLockTransitionStepAllowed(t *testing.T) {
	workspaceRoot := t.TempDir()
	initGitRepoOnBranch(t, filepath.Join(workspaceRoot, "a"), "feature")

	def := &Definition{
		BranchLock: &BranchLockDef{ExpectedBranch: "main", BranchTransitionStep: "a"},
		Steps: []*StepDefinition{
			{ID: "a"},
		},
	}
	runner := newScriptedRunner()
	runner.stepResults["a"] = []StepResult{{Status: StepSucceeded}}

	ex, err := NewExecutor(testLogger(), def, runner, workspaceRoot, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	state, err := ex.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
	assert.Equal(t, 1, runner.callCount("a"))
}
