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
	"context"
	"os/exec"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// convergenceOverlay composes the per-iteration instructions: base text,
// then a stage-escalation append once the stall counter has tripped, then
// any active management overlay, exactly per spec.md §4.3's "composition
// overlay" ordering.
func convergenceOverlay(base string, conv *ConvergenceDef, state *StepState, managementOverlay string) string {
	var b strings.Builder
	b.WriteString(base)

	if conv != nil && conv.Enabled && state.ConvergeStage > 1 {
		idx := state.ConvergeStage - 2
		text := "keep iterating toward completion"
		if idx >= 0 && idx < len(conv.AppendByStage) {
			text = conv.AppendByStage[idx]
		}
		b.WriteString("\n\n[Convergence Controller] ")
		b.WriteString(text)
	}

	if managementOverlay != "" {
		b.WriteString("\n\n[Management Agent] ")
		b.WriteString(managementOverlay)
	}

	return b.String()
}

// updateStall advances the stall counter and convergence stage after one
// completion-check iteration. It returns true if fail_on_max_stage should
// now fail the step.
func updateStall(conv *ConvergenceDef, state *StepState, fingerprint string) (shouldFail bool) {
	if conv == nil || !conv.Enabled {
		return false
	}
	if state.ConvergeStage < 1 {
		state.ConvergeStage = 1
	}

	if state.LastFingerprint != "" && fingerprint == state.LastFingerprint {
		state.StallCount++
	} else {
		state.StallCount = 0
	}
	state.LastFingerprint = fingerprint

	if state.StallCount >= conv.stallThreshold() {
		state.StallCount = 0
		if state.ConvergeStage < conv.maxStage() {
			state.ConvergeStage++
		} else if conv.FailOnMaxStage {
			return true
		}
	}
	return false
}

// pathsOutsideAllowed reports whether any of changedPaths fails to match
// every glob in allowed — used to force INCOMPLETE when convergence's
// allowed_paths is set and a change lands outside the declared surface.
func pathsOutsideAllowed(changedPaths []string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, p := range changedPaths {
		matched := false
		for _, pattern := range allowed {
			if ok, _ := doublestar.Match(pattern, p); ok {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
	}
	return false
}

// gitChangedPaths lists paths with uncommitted changes in workspace,
// relative to workspace, via "git diff" and "git status" — the same
// commands tombee-conductor's execution sandbox allowlists for workers.
// A workspace that isn't a git repo (or has no git binary) has nothing
// to report; convergence's allowed_paths then has no effect, matching
// the pre-convergence default.
func gitChangedPaths(ctx context.Context, workspace string) []string {
	tracked, _ := runGit(ctx, workspace, "diff", "--name-only", "HEAD")
	untracked, _ := runGit(ctx, workspace, "ls-files", "--others", "--exclude-standard")

	seen := map[string]bool{}
	var paths []string
	for _, line := range append(tracked, untracked...) {
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		paths = append(paths, line)
	}
	return paths
}

func runGit(ctx context.Context, dir string, args ...string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(out), "\n"), "\n"), nil
}
