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
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	pkgerrors "github.com/orkestra-run/orkestra/pkg/errors"
)

// GateEvaluator compiles and caches the evaluate/analyze expr programs a
// TriggerDef attaches, one compiled program per distinct expression string
// shared across every trigger using it.
type GateEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewGateEvaluator returns an evaluator with an empty compile cache.
func NewGateEvaluator() *GateEvaluator {
	return &GateEvaluator{cache: map[string]*vm.Program{}}
}

// EvaluateGate runs expression against ctx and returns its boolean result.
// An empty expression always passes.
func (g *GateEvaluator) EvaluateGate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := g.compile(expression)
	if err != nil {
		return false, &pkgerrors.ValidationError{
			Field:      "evaluate",
			Message:    fmt.Sprintf("failed to compile gate expression: %s", err.Error()),
			Suggestion: "check the expr syntax and referenced fields",
		}
	}

	result, err := expr.Run(program, ctx)
	if err != nil {
		return false, &pkgerrors.ValidationError{
			Field:      "evaluate",
			Message:    fmt.Sprintf("gate expression evaluation failed: %s", err.Error()),
			Suggestion: "verify every field referenced exists in {event, trigger_state}",
		}
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, &pkgerrors.ValidationError{
			Field:      "evaluate",
			Message:    fmt.Sprintf("gate expression must return a boolean, got %T", result),
			Suggestion: "use a comparison or boolean expression",
		}
	}
	return ok, nil
}

// RunAnalyze runs an analyze post-step expression for its side effects
// (expr programs can call functions injected via ctx); its return value is
// ignored by the caller beyond error reporting.
func (g *GateEvaluator) RunAnalyze(expression string, ctx map[string]any) error {
	if expression == "" {
		return nil
	}
	program, err := g.compileUntyped(expression)
	if err != nil {
		return &pkgerrors.ValidationError{Field: "analyze", Message: err.Error()}
	}
	if _, err := expr.Run(program, ctx); err != nil {
		return &pkgerrors.ValidationError{Field: "analyze", Message: err.Error()}
	}
	return nil
}

func (g *GateEvaluator) compile(expression string) (*vm.Program, error) {
	return g.compileWith(expression, true)
}

func (g *GateEvaluator) compileUntyped(expression string) (*vm.Program, error) {
	return g.compileWith(expression, false)
}

func (g *GateEvaluator) compileWith(expression string, asBool bool) (*vm.Program, error) {
	key := expression
	if asBool {
		key = "bool:" + key
	}

	g.mu.RLock()
	if prog, ok := g.cache[key]; ok {
		g.mu.RUnlock()
		return prog, nil
	}
	g.mu.RUnlock()

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[key] = prog
	g.mu.Unlock()
	return prog, nil
}

// GateContext builds the {event, trigger_state} evaluation environment
// spec.md's evaluate/analyze gates run against.
func GateContext(ev EventView, state map[string]any) map[string]any {
	return map[string]any{
		"event":         toEventMap(ev),
		"trigger_state": state,
	}
}
