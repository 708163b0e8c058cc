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

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/orkestra-run/orkestra/pkg/errors"
	"github.com/orkestra-run/orkestra/internal/trigger"
)

// triggersFile is the on-disk shape of a triggers.yaml file: a top-level
// `triggers` list, each entry keyed by its own `id`.
type triggersFile struct {
	Triggers []namedTriggerDef `yaml:"triggers"`
}

type namedTriggerDef struct {
	ID string `yaml:"id"`
	trigger.Def `yaml:",inline"`
}

// LoadTriggers parses a triggers.yaml file into the map + deterministic
// order the trigger engine requires, rejecting duplicate IDs.
func LoadTriggers(path string) (defs map[string]*trigger.Def, order []string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &pkgerrors.ConfigError{Key: path, Reason: "failed to read triggers file", Cause: err}
	}

	var raw triggersFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, &pkgerrors.ConfigError{Key: path, Reason: "failed to parse triggers YAML", Cause: err}
	}

	defs = map[string]*trigger.Def{}
	order = make([]string, 0, len(raw.Triggers))
	for i := range raw.Triggers {
		entry := raw.Triggers[i]
		if entry.ID == "" {
			return nil, nil, &pkgerrors.ValidationError{Field: fmt.Sprintf("triggers[%d].id", i), Message: "id is required"}
		}
		if _, dup := defs[entry.ID]; dup {
			return nil, nil, &pkgerrors.ValidationError{Field: "triggers", Message: fmt.Sprintf("duplicate trigger id %q", entry.ID)}
		}
		def := entry.Def
		def.ID = entry.ID
		defs[entry.ID] = &def
		order = append(order, entry.ID)
	}
	return defs, order, nil
}
