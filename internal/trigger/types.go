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

// Package trigger implements the admission-policy engine (C4): for each
// inbound event it walks the triggers bound to that event's source and
// returns one TriggerAction per trigger, applying the enable/filter/
// debounce/cooldown/failure-pause pipeline from spec.md §4.1.
package trigger

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orkestra-run/orkestra/internal/durationutil"
	"github.com/orkestra-run/orkestra/internal/statestore"
)

// FilterRule is one matchFilter leaf: either a primitive value, an `in`
// set, or a `pattern` regex, exactly one of which is populated.
type FilterRule struct {
	Equals  any   `yaml:"-"`
	In      []any `yaml:"in,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
}

// UnmarshalYAML accepts either a bare scalar ("equals" shorthand) or a
// mapping with an `in` or `pattern` key, matching spec.md §4.1's filter
// value grammar.
func (r *FilterRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		var asMap struct {
			In      []any  `yaml:"in"`
			Pattern string `yaml:"pattern"`
		}
		if err := value.Decode(&asMap); err == nil && (asMap.In != nil || asMap.Pattern != "") {
			r.In = asMap.In
			r.Pattern = asMap.Pattern
			return nil
		}
	}

	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Equals = raw
	return nil
}

// ContextDef controls what a trigger stages into a workflow's environment.
type ContextDef struct {
	Env          map[string]string `yaml:"env,omitempty"`
	LastResult   bool              `yaml:"last_result,omitempty"`
	EventPayload bool              `yaml:"event_payload,omitempty"`
}

// OnWorkflowFailure is the sum type for trigger.on_workflow_failure.
type OnWorkflowFailure string

const (
	OnFailureNone         OnWorkflowFailure = "none"
	OnFailurePauseTrigger OnWorkflowFailure = "pause_trigger"
)

// Def is the immutable, per-daemon-lifetime trigger configuration.
type Def struct {
	ID               string                `yaml:"-"`
	On               string                `yaml:"on"`
	Workflow         string                `yaml:"workflow"`
	Filter           map[string]FilterRule `yaml:"filter,omitempty"`
	Enabled          *bool                 `yaml:"enabled,omitempty"`
	Debounce         string                `yaml:"debounce,omitempty"`
	Cooldown         string                `yaml:"cooldown,omitempty"`
	MaxRetries       *int                  `yaml:"max_retries,omitempty"`
	OnWorkflowFailure OnWorkflowFailure    `yaml:"on_workflow_failure,omitempty"`
	MaxQueue         *int                  `yaml:"max_queue,omitempty"`
	Context          *ContextDef           `yaml:"context,omitempty"`
	Evaluate         string                `yaml:"evaluate,omitempty"`
	Analyze          string                `yaml:"analyze,omitempty"`

	// ClearCooldownOnPause resolves spec.md §9 open question (a): whether
	// an auto-pause (failure-count exhausted) also clears cooldownUntil.
	// Default false: cooldown state is left untouched by a pause.
	ClearCooldownOnPause bool `yaml:"clear_cooldown_on_pause,omitempty"`
}

func (d *Def) debounceDuration() (time.Duration, bool) {
	if d.Debounce == "" {
		return 0, false
	}
	dur, err := durationutil.Parse(d.Debounce)
	if err != nil {
		return 0, false
	}
	return dur, true
}

func (d *Def) cooldownDuration() (time.Duration, bool) {
	if d.Cooldown == "" {
		return 0, false
	}
	dur, err := durationutil.Parse(d.Cooldown)
	if err != nil {
		return 0, false
	}
	return dur, true
}

func (d *Def) maxRetries() int {
	if d.MaxRetries != nil {
		return *d.MaxRetries
	}
	return 3
}

func (d *Def) maxQueue() int {
	if d.MaxQueue != nil {
		return *d.MaxQueue
	}
	return 10
}

func (d *Def) definitionDisabled() bool {
	return d.Enabled != nil && !*d.Enabled
}

// ActionKind is the TriggerAction tag.
type ActionKind string

const (
	ActionDisabled  ActionKind = "disabled"
	ActionFiltered  ActionKind = "filtered"
	ActionDebounced ActionKind = "debounced"
	ActionCooldown  ActionKind = "cooldown"
	ActionQueued    ActionKind = "queued"
	ActionExecuted  ActionKind = "executed"
)

// Action is the tagged result of evaluating one trigger against one event.
type Action struct {
	Kind      ActionKind
	TriggerID string
	Result    *WorkflowResult // set only when Kind == ActionExecuted
}

// WorkflowResult is the minimal outcome shape the trigger engine needs from
// a workflow run; internal/daemon supplies the concrete executor result.
type WorkflowResult struct {
	Succeeded bool
	Status    string
	Detail    string
}

// Executor runs a workflow for a firing trigger. Returning ErrQueued
// signals the queued sentinel from spec.md §4.1 step 5: dispatch accepted
// the work but deferred it, and trigger state must not be updated.
type Executor interface {
	Execute(triggerID string, def *Def, ev EventView) (*WorkflowResult, error)
}

// EventView is the subset of event.Event the trigger engine and its filter
// evaluator need, decoupled from the event package to avoid an import
// cycle with workflow context staging.
type EventView struct {
	SourceID  string
	Timestamp int64
	Payload   any
}

// Store aliases the statestore contract so callers only import trigger.
type Store = statestore.Store
