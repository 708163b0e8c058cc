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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DirectiveKind is the management controller's decision tag.
type DirectiveKind string

const (
	DirectiveProceed           DirectiveKind = "proceed"
	DirectiveSkip              DirectiveKind = "skip"
	DirectiveModifyInstructions DirectiveKind = "modify_instructions"
	DirectiveAbortWorkflow     DirectiveKind = "abort_workflow"
	DirectiveAnnotate          DirectiveKind = "annotate"
)

// Directive is the decoded contents of a hook's decision.json.
type Directive struct {
	Kind    DirectiveKind `json:"directive"`
	Reason  string        `json:"reason,omitempty"`
	Append  string        `json:"append,omitempty"`
	Message string        `json:"message,omitempty"`
}

// DecisionSource records where a directive actually came from, for the
// decisions.jsonl audit trail.
type DecisionSource string

const (
	SourceFileJSON DecisionSource = "file-json"
	SourceNone     DecisionSource = "none"
	SourceFallback DecisionSource = "fallback"
)

// DecisionLogEntry is one line of inv/decisions.jsonl.
type DecisionLogEntry struct {
	Timestamp int64          `json:"ts"`
	HookID    string         `json:"hook_id"`
	Hook      string         `json:"hook"` // pre_step | post_step
	StepID    string         `json:"step_id"`
	Directive DirectiveKind  `json:"directive"`
	Applied   bool           `json:"applied"`
	WallMs    int64          `json:"wallTimeMs"`
	Source    DecisionSource `json:"source"`
	Reason    string         `json:"reason,omitempty"`
}

// ManagementController invokes an out-of-band controller and waits for its
// decision.json file, per spec.md §4.3's "inv/<hook_id>/input.json ...
// decision.json" protocol.
type ManagementController struct {
	InvDir  string
	Timeout time.Duration
}

// Invoke writes input.json under InvDir/<hookID>/ and polls for
// decision.json until Timeout elapses. A missing decision or read error
// falls back to `proceed` with applied=false, as spec.md requires.
func (m *ManagementController) Invoke(hookID, hook, stepID string, input map[string]any) (Directive, DecisionLogEntry) {
	start := time.Now()
	dir := filepath.Join(m.InvDir, hookID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fallbackDirective(hookID, hook, stepID, start)
	}

	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fallbackDirective(hookID, hook, stepID, start)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.json"), data, 0o644); err != nil {
		return fallbackDirective(hookID, hook, stepID, start)
	}

	decisionPath := filepath.Join(dir, "decision.json")
	deadline := time.Now().Add(m.Timeout)
	for time.Now().Before(deadline) {
		if raw, err := os.ReadFile(decisionPath); err == nil {
			var d Directive
			if err := json.Unmarshal(raw, &d); err == nil && d.Kind != "" {
				return d, DecisionLogEntry{
					Timestamp: time.Now().UnixMilli(),
					HookID:    hookID,
					Hook:      hook,
					StepID:    stepID,
					Directive: d.Kind,
					Applied:   true,
					WallMs:    time.Since(start).Milliseconds(),
					Source:    SourceFileJSON,
					Reason:    d.Reason,
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	return fallbackDirective(hookID, hook, stepID, start)
}

func fallbackDirective(hookID, hook, stepID string, start time.Time) (Directive, DecisionLogEntry) {
	return Directive{Kind: DirectiveProceed}, DecisionLogEntry{
		Timestamp: time.Now().UnixMilli(),
		HookID:    hookID,
		Hook:      hook,
		StepID:    stepID,
		Directive: DirectiveProceed,
		Applied:   false,
		WallMs:    time.Since(start).Milliseconds(),
		Source:    SourceFallback,
	}
}

// shouldSuppressHook implements the max_consecutive_interventions guard:
// the hook is skipped once the last N logged decisions for this step were
// all non-proceed.
func shouldSuppressHook(recent []DecisionLogEntry, limit int) bool {
	if limit <= 0 || len(recent) < limit {
		return false
	}
	tail := recent[len(recent)-limit:]
	for _, d := range tail {
		if d.Directive == DirectiveProceed {
			return false
		}
	}
	return true
}

// AppendDecisionLog appends one entry to inv/decisions.jsonl.
func AppendDecisionLog(invDir string, entry DecisionLogEntry) error {
	f, err := os.OpenFile(filepath.Join(invDir, "decisions.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workflow: open decisions log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("workflow: encode decision: %w", err)
	}
	_, err = f.Write(append(data, '\n'))
	return err
}
