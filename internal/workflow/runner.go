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

import "context"

// StepResult is what runner.runStep returns for a leaf action.
type StepResult struct {
	Status     StepStatus // SUCCEEDED or FAILED
	ErrorClass string
	Message    string
}

// CheckResult is what runner.runCheck returns for a completion check.
type CheckResult struct {
	Failed      bool
	Complete    bool
	Fingerprint string // used by the convergence stall counter
	Message     string
}

// ResolvedStep is a StepDefinition with its per-iteration overlay applied;
// Runner implementations never see ConvergenceDef/ManagementDef directly.
type ResolvedStep struct {
	*StepDefinition
	Instructions string
}

// Runner delegates step and completion-check execution to a worker CLI
// subprocess or, in supervised mode, the core-IPC step runner (C8). The
// executor never knows which.
type Runner interface {
	RunStep(ctx context.Context, stepID string, resolved ResolvedStep, workspace string, env map[string]string) StepResult
	RunCheck(ctx context.Context, stepID string, check *CompletionCheckDef, workspace string, env map[string]string, checkID string) CheckResult
}
