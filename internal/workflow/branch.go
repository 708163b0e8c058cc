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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// gitBranch returns the current branch name for the repo rooted at dir
// (empty on a detached HEAD).
func gitBranch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "branch", "--show-current")
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("workflow: git branch: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

// checkBranchLock enforces the expected branch for every step except the
// nominated transition step, which is allowed to move off it once.
func checkBranchLock(ctx context.Context, lock *BranchLockDef, workspace, stepID string, transitioned bool) (drift bool, blocked bool, err error) {
	if lock == nil || lock.ExpectedBranch == "" {
		return false, false, nil
	}

	current, err := gitBranch(ctx, workspace)
	if err != nil {
		return false, false, err
	}

	for _, protectedGlob := range lock.ProtectedBranches {
		if ok, _ := doublestar.Match(protectedGlob, current); ok && !lock.AllowProtected {
			return false, true, nil
		}
	}

	if current == lock.ExpectedBranch {
		return false, false, nil
	}
	if stepID == lock.BranchTransitionStep && !transitioned {
		return false, false, nil
	}
	return true, false, nil
}
