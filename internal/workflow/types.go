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

// Package workflow implements the DAG executor (C6): a step state machine,
// completion-check iteration, convergence overlays, management hook
// interposition, and artifact staging, built the way the teacher's
// pkg/workflow state machine composes guards and actions around a shared
// State type, but driven by dependency readiness instead of named events.
package workflow

import "time"

// Worker identifies which agent CLI executes a leaf step.
type Worker string

const (
	WorkerCodexCLI   Worker = "CODEX_CLI"
	WorkerClaudeCode Worker = "CLAUDE_CODE"
	WorkerOpenCode   Worker = "OPENCODE"
	WorkerCustom     Worker = "CUSTOM"
)

// Capability is one permission a step is allowed to exercise.
type Capability string

const (
	CapRead        Capability = "READ"
	CapEdit        Capability = "EDIT"
	CapRunTests    Capability = "RUN_TESTS"
	CapRunCommands Capability = "RUN_COMMANDS"
)

// OnFailure controls dependent-step admission after a step fails.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureRetry    OnFailure = "retry"
	OnFailureContinue OnFailure = "continue"
)

// OnIterationsExhausted controls outcome when a completion check never
// converges within max_iterations.
type OnIterationsExhausted string

const (
	IterationsAbort    OnIterationsExhausted = "abort"
	IterationsContinue OnIterationsExhausted = "continue"
)

// InputBinding copies an artifact from a dependency's context into this
// step's workspace before it runs.
type InputBinding struct {
	From     string `yaml:"from"`
	Artifact string `yaml:"artifact"`
	As       string `yaml:"as,omitempty"`
}

// OutputBinding stages a workspace path into this step's context after it
// succeeds.
type OutputBinding struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// CompletionCheckDef describes the worker-driven convergence check run
// after a step's leaf action reports success.
type CompletionCheckDef struct {
	Worker       Worker `yaml:"worker"`
	Instructions string `yaml:"instructions"`
	Timeout      string `yaml:"timeout,omitempty"`
}

// ConvergenceDef configures the stall/stage escalation overlay.
type ConvergenceDef struct {
	Enabled          bool     `yaml:"enabled"`
	StallThreshold   int      `yaml:"stall_threshold,omitempty"`
	MaxStage         int      `yaml:"max_stage,omitempty"`
	AppendByStage    []string `yaml:"append_by_stage,omitempty"`
	AllowedPaths     []string `yaml:"allowed_paths,omitempty"`
	FailOnMaxStage   bool     `yaml:"fail_on_max_stage,omitempty"`
}

func (c *ConvergenceDef) stallThreshold() int {
	if c == nil || c.StallThreshold <= 0 {
		return 2
	}
	return c.StallThreshold
}

func (c *ConvergenceDef) maxStage() int {
	if c == nil || c.MaxStage <= 0 {
		return 3
	}
	return c.MaxStage
}

// ManagementDef configures management-controller interposition for a step.
type ManagementDef struct {
	Enabled                    bool   `yaml:"enabled"`
	PreStep                    bool   `yaml:"pre_step,omitempty"`
	PostStep                   bool   `yaml:"post_step,omitempty"`
	MaxConsecutiveInterventions int   `yaml:"max_consecutive_interventions,omitempty"`
	MinRemainingTime           string `yaml:"min_remaining_time,omitempty"`
	Timeout                    string `yaml:"timeout,omitempty"`
}

// StepDefinition is one node of the workflow DAG. Only leaf steps are
// modeled: there is no subworkflow step, a `workflow:` key on a step is
// not decoded, and nothing in the daemon expands subworkflows.
type StepDefinition struct {
	ID                    string                `yaml:"id"`
	Worker                Worker                `yaml:"worker"`
	Instructions          string                `yaml:"instructions"`
	Capabilities          []Capability          `yaml:"capabilities"`
	Model                 string                `yaml:"model,omitempty"`
	Workspace             string                `yaml:"workspace,omitempty"`
	Timeout               string                `yaml:"timeout,omitempty"`
	MaxRetries            int                   `yaml:"max_retries,omitempty"`
	MaxSteps              int                   `yaml:"max_steps,omitempty"`
	MaxCommandTime        string                `yaml:"max_command_time,omitempty"`
	DependsOn             []string              `yaml:"depends_on,omitempty"`
	Inputs                []InputBinding        `yaml:"inputs,omitempty"`
	Outputs               []OutputBinding       `yaml:"outputs,omitempty"`
	CompletionCheck       *CompletionCheckDef   `yaml:"completion_check,omitempty"`
	MaxIterations         int                   `yaml:"max_iterations,omitempty"`
	OnFailure             OnFailure             `yaml:"on_failure,omitempty"`
	OnIterationsExhausted OnIterationsExhausted `yaml:"on_iterations_exhausted,omitempty"`
	Convergence           *ConvergenceDef       `yaml:"convergence,omitempty"`
	Management            *ManagementDef        `yaml:"management,omitempty"`
}

func (s *StepDefinition) onFailure() OnFailure {
	if s.OnFailure == "" {
		return OnFailureAbort
	}
	return s.OnFailure
}

func (s *StepDefinition) onIterationsExhausted() OnIterationsExhausted {
	if s.OnIterationsExhausted == "" {
		return IterationsAbort
	}
	return s.OnIterationsExhausted
}

// BranchLockDef pins execution to an expected branch, with a single
// nominated transition step allowed to move off it.
type BranchLockDef struct {
	ExpectedBranch       string   `yaml:"expected_branch"`
	BranchTransitionStep string   `yaml:"branch_transition_step,omitempty"`
	ProtectedBranches    []string `yaml:"protected_branches,omitempty"`
	AllowProtected       bool     `yaml:"allow_protected,omitempty"`
}

// Definition is the parsed workflow YAML.
type Definition struct {
	Name        string             `yaml:"name"`
	Concurrency int                `yaml:"concurrency,omitempty"` // 0 means unbounded
	Timeout     string             `yaml:"timeout,omitempty"`
	Steps       []*StepDefinition  `yaml:"steps"`
	BranchLock  *BranchLockDef     `yaml:"branch_lock,omitempty"`
}

func (d *Definition) stepByID(id string) *StepDefinition {
	for _, s := range d.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepStatus is the tagged state of one step within a run.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepReady      StepStatus = "READY"
	StepRunning    StepStatus = "RUNNING"
	StepChecking   StepStatus = "CHECKING"
	StepSucceeded  StepStatus = "SUCCEEDED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
	StepCancelled  StepStatus = "CANCELLED"
	StepOmitted    StepStatus = "OMITTED"
	StepIncomplete StepStatus = "INCOMPLETE"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled, StepOmitted, StepIncomplete:
		return true
	default:
		return false
	}
}

// allowsDependentProgress reports whether a step in this state lets a
// dependent move toward READY, per spec.md §4.3 updateReadySteps.
func (s StepStatus) allowsDependentProgress(onFailureOfDep OnFailure) bool {
	switch s {
	case StepSucceeded, StepIncomplete, StepOmitted:
		return true
	case StepFailed:
		return onFailureOfDep == OnFailureContinue
	default:
		return false
	}
}

// StepState is the mutable run-time record for one step.
type StepState struct {
	ID            string
	Status        StepStatus
	Iteration     int
	RetryCount    int
	StartedAt     time.Time
	CompletedAt   time.Time
	ErrorClass    string
	ErrorMessage  string
	StallCount    int
	ConvergeStage int
	LastFingerprint string
}

// WorkflowStatus is the terminal outcome of a run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
	WorkflowTimedOut  WorkflowStatus = "TIMED_OUT"
)

// WorkflowState is the full result of a run: final status plus every
// step's terminal record.
type WorkflowState struct {
	Status    WorkflowStatus
	Steps     map[string]*StepState
	StartedAt time.Time
	EndedAt   time.Time
}
