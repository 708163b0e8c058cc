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

package trigger

import (
	"errors"
	"log/slog"
	"time"

	"github.com/orkestra-run/orkestra/internal/metrics"
	"github.com/orkestra-run/orkestra/internal/statestore"
)

// ErrQueued is the queued sentinel from spec.md §4.1 step 5: the executor
// accepted the work but deferred it. Trigger state must not be updated
// when this is returned.
var ErrQueued = errors.New("trigger: workflow queued")

// Engine evaluates the admission pipeline for every trigger bound to an
// event's source, in source-insertion order, exactly once per (event,
// trigger) pair.
type Engine struct {
	log      *slog.Logger
	store    Store
	order    []string // trigger IDs, in config/insertion order
	triggers map[string]*Def
	executor Executor

	// now is the wall-clock hook; overridden in tests.
	now func() time.Time
}

// New builds an Engine over defs, preserving the order slice as the
// deterministic iteration order spec.md §4.1 requires.
func New(log *slog.Logger, store Store, order []string, defs map[string]*Def, executor Executor) *Engine {
	return &Engine{
		log:      log,
		store:    store,
		order:    order,
		triggers: defs,
		executor: executor,
		now:      time.Now,
	}
}

// HandleEvent runs every trigger bound to ev.SourceID through the
// admission pipeline and returns one Action per matching trigger, in
// deterministic order.
func (e *Engine) HandleEvent(ev EventView) ([]Action, error) {
	var actions []Action
	for _, id := range e.order {
		def, ok := e.triggers[id]
		if !ok || def.On != ev.SourceID {
			continue
		}
		action, err := e.handleOne(id, def, ev)
		if err != nil {
			return actions, err
		}
		metrics.RecordTriggerAction(id, string(action.Kind))
		actions = append(actions, action)
	}
	return actions, nil
}

func (e *Engine) handleOne(id string, def *Def, ev EventView) (Action, error) {
	state, err := e.store.Load(id)
	if err != nil {
		return Action{}, err
	}

	// Step 1: disabled.
	if !state.Enabled || def.definitionDisabled() {
		return Action{Kind: ActionDisabled, TriggerID: id}, nil
	}

	// Step 2: filter.
	if def.Filter != nil && !matchFilter(def.Filter, ev) {
		return Action{Kind: ActionFiltered, TriggerID: id}, nil
	}

	// Step 3: debounce, using event time.
	if debounceMs, ok := def.debounceDuration(); ok && state.LastFiredAt != nil {
		if ev.Timestamp < *state.LastFiredAt+debounceMs.Milliseconds() {
			return Action{Kind: ActionDebounced, TriggerID: id}, nil
		}
	}

	// Step 4: cooldown, using wall clock.
	wallNow := e.now().UnixMilli()
	if state.CooldownUntil != nil && wallNow < *state.CooldownUntil {
		return Action{Kind: ActionCooldown, TriggerID: id}, nil
	}

	// Step 5: execute (or queued sentinel).
	result, execErr := e.executor.Execute(id, def, ev)
	if errors.Is(execErr, ErrQueued) {
		return Action{Kind: ActionQueued, TriggerID: id}, nil
	}
	succeeded := execErr == nil && result != nil && result.Succeeded
	if result == nil {
		result = &WorkflowResult{Succeeded: false, Status: "FAILED", Detail: errString(execErr)}
	}

	// Step 6: update state.
	newState := &statestore.TriggerState{
		Enabled:             state.Enabled,
		LastFiredAt:         ptrInt64(ev.Timestamp),
		CooldownUntil:       state.CooldownUntil,
		ExecutionCount:      state.ExecutionCount + 1,
		ConsecutiveFailures: state.ConsecutiveFailures,
	}
	if succeeded {
		newState.ConsecutiveFailures = 0
		if cooldownMs, ok := def.cooldownDuration(); ok {
			newState.CooldownUntil = ptrInt64(wallNow + cooldownMs.Milliseconds())
		}
	} else {
		newState.ConsecutiveFailures++
	}

	// Step 7: failure-pause.
	if !succeeded && def.OnWorkflowFailure == OnFailurePauseTrigger &&
		newState.ConsecutiveFailures >= def.maxRetries() {
		newState.Enabled = false
		if def.ClearCooldownOnPause {
			newState.CooldownUntil = nil
		}
	}

	// Step 8: persist.
	if err := e.store.Save(id, newState); err != nil {
		return Action{}, err
	}
	if err := e.store.SaveLastResult(id, result); err != nil {
		return Action{}, err
	}
	if err := e.store.AppendExecutionRecord(id, statestore.ExecutionRecord{
		Timestamp: wallNow,
		Action:    string(ActionExecuted),
		Detail:    result.Detail,
	}); err != nil {
		return Action{}, err
	}

	e.log.Info("trigger fired", "trigger_id", id, "succeeded", succeeded, "execution_count", newState.ExecutionCount)
	return Action{Kind: ActionExecuted, TriggerID: id, Result: result}, nil
}

func ptrInt64(v int64) *int64 { return &v }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
