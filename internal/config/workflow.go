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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/orkestra-run/orkestra/pkg/errors"
	"github.com/orkestra-run/orkestra/internal/workflow"
)

// ParseWorkflowDefinition parses a workflow definition from YAML bytes,
// matching the teacher's pkg/workflow.ParseDefinition shape: unmarshal,
// then apply structural defaults. Full DAG validation is not done here:
// workflow.NewExecutor runs it, and workflow.ValidateDefinition exposes
// the same checks (used by `orkestra validate`) without a workspace.
func ParseWorkflowDefinition(data []byte) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("config: parse workflow definition: %w", err)
	}
	applyStepDefaults(&def)
	return &def, nil
}

// LoadWorkflowDefinition reads and parses the workflow file for ref,
// resolving it against workflowsDir the way the daemon resolves a
// trigger's `workflow` field to an on-disk path.
func LoadWorkflowDefinition(workflowsDir, ref string) (*workflow.Definition, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(workflowsDir, ref)
	}
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		path += ".yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pkgerrors.NotFoundError{Resource: "workflow", ID: ref}
	}
	return ParseWorkflowDefinition(data)
}

func applyStepDefaults(def *workflow.Definition) {
	for _, step := range def.Steps {
		if step.MaxRetries == 0 {
			step.MaxRetries = 3
		}
		if step.MaxIterations == 0 {
			step.MaxIterations = 1
		}
	}
}
