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

// Package template provides single-pass variable substitution for trigger
// and workflow instruction strings. Unlike text/template, the variable set
// is closed and fixed per spec.md §9: {workflow_status, trigger_id,
// timestamp, execution_count} plus caller-added keys. Substitution never
// re-expands a value that itself contains "{{...}}" — this guards against
// injected template syntax looping back through the substituter.
package template

import (
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Context is the explicit set of substitution variables available to a
// trigger or step instruction template.
type Context struct {
	WorkflowStatus string
	TriggerID      string
	Timestamp      int64
	ExecutionCount int
	Extra          map[string]string
}

// lookup resolves a single variable name to its string value, returning
// ok=false for anything outside the closed set (unknown tokens are left
// untouched in the output rather than silently dropped).
func (c Context) lookup(name string) (string, bool) {
	switch name {
	case "workflow_status":
		return c.WorkflowStatus, true
	case "trigger_id":
		return c.TriggerID, true
	case "timestamp":
		return strconv.FormatInt(c.Timestamp, 10), true
	case "execution_count":
		return strconv.Itoa(c.ExecutionCount), true
	}
	if c.Extra != nil {
		if v, ok := c.Extra[name]; ok {
			return v, true
		}
	}
	return "", false
}

// Render substitutes every {{name}} token in s exactly once. Values
// themselves are copied verbatim even if they contain "{{...}}" — the
// replacement pass does not run again over its own output.
func Render(s string, ctx Context) string {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		nameStart, nameEnd := m[2], m[3]
		name := s[nameStart:nameEnd]

		b.WriteString(s[last:start])
		if v, ok := ctx.lookup(name); ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[start:end])
		}
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}
