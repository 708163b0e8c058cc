// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orkestra-run/orkestra/internal/durationutil"
	"github.com/orkestra-run/orkestra/internal/metrics"
	"github.com/orkestra-run/orkestra/internal/template"
)

// notifier is the cooperative single-slot wakeup the scheduling loop
// blocks on between state transitions, per spec.md §4.3's
// waitForNotification: notify() either resolves a pending waiter or
// leaves a pending notification for the next wait.
type notifier struct {
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{}, 1)}
}

func (n *notifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Executor drives one workflow's DAG to completion.
type Executor struct {
	log    *slog.Logger
	def    *Definition
	runner Runner

	contextDir string
	workspace  string
	invDir     string
	envBase    map[string]string

	mu                sync.Mutex
	states            map[string]*StepState
	running           int
	concurrency       int
	notify            *notifier
	branchTransitioned bool
	abortedByManagement bool
	managementOverlay map[string]string
	decisionHistory   map[string][]DecisionLogEntry

	cancel   context.CancelFunc
	deadline time.Time
}

// NewExecutor builds an Executor for one workflow run, rooted at
// workspace/contextDir for artifact staging and invDir for management
// hook I/O.
func NewExecutor(log *slog.Logger, def *Definition, runner Runner, workspace, contextDir, invDir string, env map[string]string) (*Executor, error) {
	if err := validateDAG(def); err != nil {
		return nil, err
	}

	states := make(map[string]*StepState, len(def.Steps))
	for _, s := range def.Steps {
		states[s.ID] = &StepState{ID: s.ID, Status: StepPending}
	}

	concurrency := def.Concurrency
	if concurrency <= 0 {
		concurrency = len(def.Steps)
		if concurrency == 0 {
			concurrency = 1
		}
	}

	return &Executor{
		log:               log,
		def:               def,
		runner:            runner,
		workspace:         workspace,
		contextDir:        contextDir,
		invDir:            invDir,
		envBase:           env,
		states:            states,
		concurrency:       concurrency,
		notify:            newNotifier(),
		managementOverlay: map[string]string{},
		decisionHistory:   map[string][]DecisionLogEntry{},
	}, nil
}

// Execute runs the scheduling loop until every step is terminal, a
// workflow timeout fires, or externalAbort closes.
func (e *Executor) Execute(ctx context.Context, externalAbort <-chan struct{}) (*WorkflowState, error) {
	startedAt := time.Now()

	abortCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel

	timedOut := false
	if e.def.Timeout != "" {
		if d, err := durationutil.Parse(e.def.Timeout); err == nil && d > 0 {
			e.deadline = startedAt.Add(d)
			timer := time.AfterFunc(d, func() {
				timedOut = true
				cancel()
			})
			defer timer.Stop()
		}
	}

	externallyCancelled := false
	if externalAbort != nil {
		go func() {
			select {
			case <-externalAbort:
				externallyCancelled = true
				cancel()
			case <-abortCtx.Done():
			}
		}()
	}

	var wg sync.WaitGroup
	handledAbort := false

	for {
		e.updateReadySteps()
		e.launchReadySteps(abortCtx, &wg)

		if e.allTerminal() {
			break
		}

		select {
		case <-e.notify.ch:
		case <-abortCtx.Done():
			if !handledAbort {
				handledAbort = true
				e.handleAbort()
			}
		}

		if abortCtx.Err() != nil && e.allTerminal() {
			break
		}
	}

	wg.Wait()

	status := e.resolveStatus(timedOut, externallyCancelled)
	endedAt := time.Now()
	metrics.ObserveWorkflowDuration(e.def.Name, string(status), endedAt.Sub(startedAt).Seconds())

	statesCopy := make(map[string]*StepState, len(e.states))
	e.mu.Lock()
	for id, st := range e.states {
		cp := *st
		statesCopy[id] = &cp
	}
	e.mu.Unlock()

	return &WorkflowState{Status: status, Steps: statesCopy, StartedAt: startedAt, EndedAt: endedAt}, nil
}

// updateReadySteps walks PENDING steps and advances each to READY or
// SKIPPED once its dependencies have resolved.
func (e *Executor) updateReadySteps() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, stepDef := range e.def.Steps {
		state := e.states[stepDef.ID]
		if state.Status != StepPending {
			continue
		}

		if len(stepDef.DependsOn) == 0 {
			state.Status = StepReady
			continue
		}

		allResolved := true
		anySkip := false
		for _, depID := range stepDef.DependsOn {
			depState := e.states[depID]
			switch depState.Status {
			case StepSkipped, StepCancelled:
				anySkip = true
			case StepFailed:
				depDef := e.def.stepByID(depID)
				if !StepFailed.allowsDependentProgress(depDef.onFailure()) {
					anySkip = true
				}
			case StepSucceeded, StepIncomplete, StepOmitted:
				// allows progress
			default:
				allResolved = false
			}
			if anySkip {
				break
			}
		}

		if anySkip {
			state.Status = StepSkipped
			e.notify.notify()
			continue
		}
		if allResolved {
			state.Status = StepReady
		}
	}
}

// launchReadySteps starts READY steps in deterministic (definition) order
// while running < concurrency, one background goroutine per step.
func (e *Executor) launchReadySteps(ctx context.Context, wg *sync.WaitGroup) {
	e.mu.Lock()
	var toLaunch []*StepDefinition
	for _, stepDef := range e.def.Steps {
		state := e.states[stepDef.ID]
		if state.Status != StepReady {
			continue
		}
		if e.running >= e.concurrency {
			break
		}
		state.Status = StepRunning
		state.Iteration = 1
		state.StartedAt = time.Now()
		e.running++
		toLaunch = append(toLaunch, stepDef)
	}
	e.mu.Unlock()

	for _, stepDef := range toLaunch {
		e.notify.notify()
		wg.Add(1)
		go func(sd *StepDefinition) {
			defer wg.Done()
			defer e.releaseSlot()
			e.runStepLifecycle(ctx, sd)
		}(stepDef)
	}
}

func (e *Executor) releaseSlot() {
	e.mu.Lock()
	e.running--
	e.mu.Unlock()
	e.notify.notify()
}

func (e *Executor) allTerminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// handleAbort transitions every non-terminal step to its abort outcome:
// RUNNING/CHECKING become CANCELLED, PENDING/READY become SKIPPED. The
// step goroutines themselves observe ctx.Done() and exit without
// re-transitioning a terminal state.
func (e *Executor) handleAbort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		switch st.Status {
		case StepRunning, StepChecking:
			st.Status = StepCancelled
			st.CompletedAt = time.Now()
		case StepPending, StepReady:
			st.Status = StepSkipped
		}
	}
}

func (e *Executor) resolveStatus(timedOut, externallyCancelled bool) WorkflowStatus {
	if timedOut {
		return WorkflowTimedOut
	}
	if externallyCancelled {
		return WorkflowCancelled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abortedByManagement {
		return WorkflowCancelled
	}
	anyFailed, anyCancelled := false, false
	for _, st := range e.states {
		switch st.Status {
		case StepFailed:
			anyFailed = true
		case StepCancelled:
			anyCancelled = true
		}
	}
	switch {
	case anyFailed:
		return WorkflowFailed
	case anyCancelled:
		return WorkflowCancelled
	default:
		return WorkflowSucceeded
	}
}

func (e *Executor) stepState(id string) *StepState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[id]
}

func (e *Executor) setStatus(id string, status StepStatus) {
	e.mu.Lock()
	e.states[id].Status = status
	if status.Terminal() {
		e.states[id].CompletedAt = time.Now()
	}
	e.mu.Unlock()
	if status.Terminal() {
		metrics.RecordStepOutcome(e.def.Name, id, string(status))
	}
	e.notify.notify()
}

// runStepLifecycle is the per-step background routine from spec.md §4.3:
// run the leaf action, retry any non-FATAL failure under on_failure=retry,
// then iterate the
// completion check (with convergence and management overlays) until
// SUCCEEDED, FAILED, or iterations exhausted.
func (e *Executor) runStepLifecycle(ctx context.Context, stepDef *StepDefinition) {
	stepWorkspace := filepath.Join(e.workspace, stepDef.ID)

	if err := stageInputs(e.contextDir, stepWorkspace, stepDef.Inputs); err != nil {
		e.log.Error("stage inputs failed", "step_id", stepDef.ID, "error", err)
		e.markFailed(stepDef, "NON_RETRYABLE", err.Error())
		e.skipDependents(stepDef.ID)
		return
	}

	if e.def.BranchLock != nil {
		e.mu.Lock()
		transitioned := e.branchTransitioned
		e.mu.Unlock()

		drift, blocked, err := checkBranchLock(ctx, e.def.BranchLock, stepWorkspace, stepDef.ID, transitioned)
		if err != nil {
			e.log.Warn("branch lock check failed", "step_id", stepDef.ID, "error", err)
		} else if blocked {
			e.markFailed(stepDef, "FATAL", "workspace branch is protected")
			e.skipDependents(stepDef.ID)
			return
		} else if drift {
			e.markFailed(stepDef, "NON_RETRYABLE", "workspace branch drifted from expected_branch")
			e.skipDependents(stepDef.ID)
			return
		} else if stepDef.ID == e.def.BranchLock.BranchTransitionStep {
			e.mu.Lock()
			e.branchTransitioned = true
			e.mu.Unlock()
		}
	}

	env := mergeEnv(e.envBase, nil)

	if proceed := e.runManagementHook(ctx, stepDef, "pre_step"); !proceed {
		return
	}

	maxIterations := stepDef.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}

	for {
		if ctx.Err() != nil {
			return
		}

		state := e.stepState(stepDef.ID)
		overlay := convergenceOverlay(stepDef.Instructions, stepDef.Convergence, state, e.getManagementOverlay(stepDef.ID))
		resolved := ResolvedStep{StepDefinition: stepDef, Instructions: overlay}

		e.setStatus(stepDef.ID, StepRunning)
		result := e.runner.RunStep(ctx, stepDef.ID, resolved, stepWorkspace, env)

		if ctx.Err() != nil {
			return
		}

		if result.Status == StepFailed {
			if result.ErrorClass == "FATAL" {
				e.markFailed(stepDef, result.ErrorClass, result.Message)
				e.skipDependents(stepDef.ID)
				return
			}

			onFailure := stepDef.onFailure()
			if onFailure == OnFailureRetry && state.RetryCount < stepDef.MaxRetries {
				e.mu.Lock()
				e.states[stepDef.ID].RetryCount++
				retryCount := e.states[stepDef.ID].RetryCount
				e.mu.Unlock()

				backoff := durationutil.Backoff(retryCount, 100*time.Millisecond, 5*time.Second)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				continue
			}

			e.markFailed(stepDef, result.ErrorClass, result.Message)
			if onFailure == OnFailureAbort || onFailure == OnFailureRetry {
				e.skipDependents(stepDef.ID)
			}
			return
		}

		if stepDef.CompletionCheck == nil {
			e.setStatus(stepDef.ID, StepSucceeded)
			if err := collectOutputs(stepWorkspace, e.contextDir, stepDef.ID, stepDef.Outputs); err != nil {
				e.log.Error("collect outputs failed", "step_id", stepDef.ID, "error", err)
			}
			e.runManagementHook(ctx, stepDef, "post_step")
			return
		}

		e.setStatus(stepDef.ID, StepChecking)
		checkID := uuid.NewString()
		renderedCheck := *stepDef.CompletionCheck
		renderedCheck.Instructions = template.Render(stepDef.CompletionCheck.Instructions, template.Context{
			WorkflowStatus: string(StepChecking),
			ExecutionCount: state.Iteration,
			Extra:          map[string]string{"check_id": checkID},
		})

		result2 := e.runner.RunCheck(ctx, stepDef.ID, &renderedCheck, stepWorkspace, env, checkID)
		if ctx.Err() != nil {
			return
		}

		if result2.Failed {
			e.markFailed(stepDef, "NON_RETRYABLE", result2.Message)
			if stepDef.onFailure() == OnFailureAbort {
				e.skipDependents(stepDef.ID)
			}
			return
		}

		if result2.Complete {
			changedOutsideAllowed := stepDef.Convergence != nil && stepDef.Convergence.Enabled &&
				pathsOutsideAllowed(gitChangedPaths(ctx, stepWorkspace), stepDef.Convergence.AllowedPaths)
			if !changedOutsideAllowed {
				e.setStatus(stepDef.ID, StepSucceeded)
				if err := collectOutputs(stepWorkspace, e.contextDir, stepDef.ID, stepDef.Outputs); err != nil {
					e.log.Error("collect outputs failed", "step_id", stepDef.ID, "error", err)
				}
				e.runManagementHook(ctx, stepDef, "post_step")
				return
			}
		}

		shouldFail := updateStall(stepDef.Convergence, state, result2.Fingerprint)
		if shouldFail {
			e.markFailed(stepDef, "NON_RETRYABLE", "convergence stalled at max stage")
			e.skipDependents(stepDef.ID)
			return
		}

		e.mu.Lock()
		st := e.states[stepDef.ID]
		if st.Iteration >= maxIterations {
			exhausted := stepDef.onIterationsExhausted()
			e.mu.Unlock()
			if exhausted == IterationsAbort {
				e.markFailed(stepDef, "NON_RETRYABLE", "max iterations exhausted")
				e.skipDependents(stepDef.ID)
			} else {
				e.setStatus(stepDef.ID, StepIncomplete)
			}
			return
		}
		st.Iteration++
		st.RetryCount = 0
		e.mu.Unlock()
	}
}

func (e *Executor) markFailed(stepDef *StepDefinition, errorClass, message string) {
	e.mu.Lock()
	st := e.states[stepDef.ID]
	st.Status = StepFailed
	st.ErrorClass = errorClass
	st.ErrorMessage = message
	st.CompletedAt = time.Now()
	e.mu.Unlock()
	e.notify.notify()
}

// skipDependents transitively marks every not-yet-terminal dependent of
// id as SKIPPED, iterated to a fixed point since a skip can cascade
// further downstream.
func (e *Executor) skipDependents(id string) {
	for {
		changed := false
		e.mu.Lock()
		for _, stepDef := range e.def.Steps {
			state := e.states[stepDef.ID]
			if state.Status.Terminal() || state.Status == StepRunning || state.Status == StepChecking {
				continue
			}
			for _, dep := range stepDef.DependsOn {
				if dep == id {
					state.Status = StepSkipped
					changed = true
					break
				}
				depState := e.states[dep]
				if depState.Status == StepSkipped {
					state.Status = StepSkipped
					changed = true
					break
				}
			}
		}
		e.mu.Unlock()
		if !changed {
			break
		}
	}
	e.notify.notify()
}

func (e *Executor) getManagementOverlay(stepID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.managementOverlay[stepID]
}

// runManagementHook invokes the management controller when configured,
// applying its directive. Returns false if the caller's lifecycle routine
// must stop immediately (skip or abort).
func (e *Executor) runManagementHook(ctx context.Context, stepDef *StepDefinition, hook string) bool {
	mgmt := stepDef.Management
	if mgmt == nil || !mgmt.Enabled {
		return true
	}
	if hook == "pre_step" && !mgmt.PreStep {
		return true
	}
	if hook == "post_step" && !mgmt.PostStep {
		return true
	}
	if mgmt.MinRemainingTime != "" && !e.deadline.IsZero() {
		if minRemaining, err := durationutil.Parse(mgmt.MinRemainingTime); err == nil {
			if time.Until(e.deadline) < minRemaining {
				return true
			}
		}
	}

	e.mu.Lock()
	history := append([]DecisionLogEntry(nil), e.decisionHistory[stepDef.ID]...)
	e.mu.Unlock()
	if shouldSuppressHook(history, mgmt.MaxConsecutiveInterventions) {
		return true
	}

	timeout := 30 * time.Second
	if mgmt.Timeout != "" {
		if d, err := durationutil.Parse(mgmt.Timeout); err == nil {
			timeout = d
		}
	}

	hookID := fmt.Sprintf("%s-%s-%s", stepDef.ID, hook, uuid.NewString())
	controller := &ManagementController{InvDir: e.invDir, Timeout: timeout}
	directive, entry := controller.Invoke(hookID, hook, stepDef.ID, map[string]any{
		"step_id": stepDef.ID,
		"hook":    hook,
	})

	e.mu.Lock()
	e.decisionHistory[stepDef.ID] = append(e.decisionHistory[stepDef.ID], entry)
	e.mu.Unlock()
	_ = AppendDecisionLog(e.invDir, entry)

	switch directive.Kind {
	case DirectiveSkip:
		e.setStatus(stepDef.ID, StepOmitted)
		return false
	case DirectiveModifyInstructions:
		e.mu.Lock()
		e.managementOverlay[stepDef.ID] = directive.Append
		e.mu.Unlock()
		return true
	case DirectiveAbortWorkflow:
		e.markFailed(stepDef, "FATAL", directive.Reason)
		e.mu.Lock()
		e.abortedByManagement = true
		e.mu.Unlock()
		if e.cancel != nil {
			e.cancel()
		}
		return false
	case DirectiveAnnotate:
		e.log.Info("management annotation", "step_id", stepDef.ID, "message", directive.Message)
		return true
	default: // proceed
		e.mu.Lock()
		e.managementOverlay[stepDef.ID] = ""
		e.mu.Unlock()
		return true
	}
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
