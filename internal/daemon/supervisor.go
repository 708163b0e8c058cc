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

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/orkestra-run/orkestra/internal/config"
	"github.com/orkestra-run/orkestra/internal/trigger"
	"github.com/orkestra-run/orkestra/internal/workflow"
)

var unsafePathChars = regexp.MustCompile(`[/\\.]`)

// sanitizeID replaces filesystem-unsafe characters in an id the way
// spec.md §4.2's executeWorkflow sanitizes triggerId for on-disk naming.
func sanitizeID(id string) string {
	return unsafePathChars.ReplaceAllString(id, "_")
}

// Supervisor implements WorkflowRunner: it is executeWorkflow from
// spec.md §4.2, wiring the evaluate gate, context staging, workflow YAML
// parsing, and the DAG executor together for one trigger firing.
type Supervisor struct {
	log          *slog.Logger
	workflowsDir string
	runDir       string // base directory for per-run context/workspace staging
	invDir       string
	runner       workflow.Runner
	store        trigger.Store
	gates        *trigger.GateEvaluator
}

// NewSupervisor builds a Supervisor. runner is typically a *coreipc.Runner
// already started against a supervised Core process. store backs
// ContextDef.LastResult staging.
func NewSupervisor(log *slog.Logger, workflowsDir, runDir, invDir string, runner workflow.Runner, store trigger.Store) *Supervisor {
	return &Supervisor{
		log:          log,
		workflowsDir: workflowsDir,
		runDir:       runDir,
		invDir:       invDir,
		runner:       runner,
		store:        store,
		gates:        trigger.NewGateEvaluator(),
	}
}

// RunWorkflow implements daemon.WorkflowRunner, performing spec.md §4.2
// step (iv)'s full sequence: evaluate gate, context staging, workflow
// parse, DAG execution, analyze hook.
func (s *Supervisor) RunWorkflow(ctx context.Context, triggerID string, def *trigger.Def, ev trigger.EventView) (*trigger.WorkflowResult, error) {
	runID := uuid.NewString()
	safeID := sanitizeID(triggerID)

	gateCtx := trigger.GateContext(ev, map[string]any{})
	if def.Evaluate != "" {
		ok, err := s.gates.EvaluateGate(def.Evaluate, gateCtx)
		if err != nil {
			return &trigger.WorkflowResult{Succeeded: false, Status: "FAILED", Detail: err.Error()}, nil
		}
		if !ok {
			return &trigger.WorkflowResult{Succeeded: false, Status: "CANCELLED", Detail: "evaluate gate rejected this firing"}, nil
		}
	}

	contextDir := filepath.Join(s.runDir, "context", safeID, runID)
	workspace := filepath.Join(s.runDir, "workspace", safeID, runID)
	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create context dir: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create workspace dir: %w", err)
	}

	env := map[string]string{}
	if def.Context != nil {
		for k, v := range def.Context.Env {
			env[k] = v
		}
		if def.Context.EventPayload {
			if err := writeJSON(filepath.Join(contextDir, "event.json"), ev); err != nil {
				s.log.Warn("failed to stage event.json", "trigger_id", triggerID, "error", err)
			}
		}
		if def.Context.LastResult && s.store != nil {
			raw, err := s.store.LoadLastResult(triggerID)
			if err != nil {
				s.log.Warn("failed to load last result", "trigger_id", triggerID, "error", err)
			} else if raw != nil {
				if err := os.WriteFile(filepath.Join(contextDir, "last-result.json"), raw, 0o644); err != nil {
					s.log.Warn("failed to stage last-result.json", "trigger_id", triggerID, "error", err)
				}
			}
		}
	}

	wfDef, err := config.LoadWorkflowDefinition(s.workflowsDir, def.Workflow)
	if err != nil {
		return &trigger.WorkflowResult{Succeeded: false, Status: "FAILED", Detail: err.Error()}, nil
	}

	executor, err := workflow.NewExecutor(s.log, wfDef, s.runner, workspace, contextDir, s.invDir, env)
	if err != nil {
		return &trigger.WorkflowResult{Succeeded: false, Status: "FAILED", Detail: err.Error()}, nil
	}

	state, err := executor.Execute(ctx, nil)
	if err != nil {
		return &trigger.WorkflowResult{Succeeded: false, Status: "FAILED", Detail: err.Error()}, nil
	}

	result := &trigger.WorkflowResult{
		Succeeded: state.Status == workflow.WorkflowSucceeded,
		Status:    string(state.Status),
	}

	if def.Analyze != "" {
		analyzeCtx := trigger.GateContext(ev, map[string]any{"workflow_status": string(state.Status)})
		if err := s.gates.RunAnalyze(def.Analyze, analyzeCtx); err != nil {
			s.log.Warn("analyze hook failed", "trigger_id", triggerID, "error", err)
		}
	}

	return result, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

