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
	"fmt"

	pkgerrors "github.com/orkestra-run/orkestra/pkg/errors"
)

// ValidateDefinition runs the same structural checks NewExecutor performs
// before constructing an Executor, exposed for CLI validation without
// requiring a Runner or workspace.
func ValidateDefinition(def *Definition) error {
	return validateDAG(def)
}

// validateDAG checks for unknown dependencies and cycles, fast-failing
// before any step context subdir is allocated.
func validateDAG(def *Definition) error {
	ids := map[string]bool{}
	for _, s := range def.Steps {
		if ids[s.ID] {
			return &pkgerrors.ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		ids[s.ID] = true
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &pkgerrors.ValidationError{
					Field:      "depends_on",
					Message:    fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep),
					Suggestion: "check for typos in depends_on",
				}
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		step := def.stepByID(id)
		for _, dep := range step.DependsOn {
			switch color[dep] {
			case gray:
				return &pkgerrors.ValidationError{Field: "depends_on", Message: fmt.Sprintf("dependency cycle detected at step %q", id)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range def.Steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}

	return nil
}
