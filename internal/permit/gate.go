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

package permit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/orkestra-run/orkestra/internal/metrics"
)

// RequestPermit is a non-blocking, atomic admission decision: the 8-step
// order from spec.md §4.4, first failure wins. queuedForMs is the caller-
// reported time this job has already spent waiting for a permit.
func (g *Gate) RequestPermit(job Job, queuedForMs int64) (handle *Handle, rejection *Rejection) {
	defer func() {
		outcome := "granted"
		if rejection != nil {
			outcome = string(rejection.Reason)
		}
		metrics.RecordPermitDecision(job.Type, outcome)
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	// 1. Queue stall.
	if g.cfg.QueueStallThresholdMs > 0 && queuedForMs >= g.cfg.QueueStallThresholdMs {
		return nil, &Rejection{Reason: ReasonQueueStall}
	}

	// 2. Backpressure.
	load := backpressureLoad(len(g.activePermits), g.cfg.MaxConcurrency, g.queueDepth, g.avgLatencyLocked())
	if g.cfg.RejectThreshold > 0 && load >= g.cfg.RejectThreshold {
		return nil, &Rejection{Reason: ReasonGlobalShed}
	}
	if g.cfg.DeferThreshold > 0 && load >= g.cfg.DeferThreshold {
		if !g.cfg.DeferredMeansEnqueue {
			return nil, &Rejection{Reason: ReasonDeferred}
		}
		// DeferredMeansEnqueue: treat as admission-eligible and fall
		// through to the remaining checks rather than rejecting outright.
	}

	// 3. Circuit breaker, keyed by job type.
	if g.breakers.isOpen(job.Type) {
		return nil, &Rejection{Reason: ReasonCircuitOpen}
	}

	// 4. Cost budget.
	if g.cfg.MaxCostBudget > 0 {
		remaining := g.cfg.MaxCostBudget - g.costSpent
		if remaining < job.CostHint {
			return nil, &Rejection{Reason: ReasonBudgetExhausted}
		}
	}

	// 5. RPS window.
	if !g.rps.allow() {
		return nil, &Rejection{Reason: ReasonRateLimit}
	}

	// 6. Concurrency.
	if g.cfg.MaxConcurrency > 0 && len(g.activePermits) >= g.cfg.MaxConcurrency {
		return nil, &Rejection{Reason: ReasonConcurrencyLimit}
	}

	// 7. Duplicate permit by job id.
	if _, dup := g.activePermits[job.ID]; dup {
		return nil, &Rejection{Reason: ReasonDuplicatePermit}
	}

	// 8. Fatal mode.
	if g.fatalMode {
		return nil, &Rejection{Reason: ReasonFatalMode}
	}

	handle = &Handle{
		ID:    uuid.NewString(),
		Job:   job,
		Abort: make(chan struct{}),
	}
	g.activePermits[job.ID] = handle
	g.costSpent += job.CostHint
	return handle, nil
}

// CompletePermit releases the slot and records the outcome (success or
// failure, per the success argument) to the breaker. Idempotent: completing an unknown or already-released job
// id is a no-op.
func (g *Gate) CompletePermit(jobID string, success bool) {
	g.mu.Lock()
	handle, ok := g.activePermits[jobID]
	if ok {
		delete(g.activePermits, jobID)
		g.costSpent -= handle.Job.CostHint
		if g.costSpent < 0 {
			g.costSpent = 0
		}
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	if success {
		g.breakers.recordSuccess(handle.Job.Type)
	} else {
		g.breakers.recordFailure(handle.Job.Type)
	}
}

// RevokePermit does everything CompletePermit does for a failed outcome,
// plus aborts the handle's shared signal so the caller's in-flight work
// observes cancellation. Idempotent: the abort channel is only closed
// once.
func (g *Gate) RevokePermit(jobID string, reason string) {
	g.mu.Lock()
	handle, ok := g.activePermits[jobID]
	if ok {
		delete(g.activePermits, jobID)
		g.costSpent -= handle.Job.CostHint
		if g.costSpent < 0 {
			g.costSpent = 0
		}
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	g.breakers.recordFailure(handle.Job.Type)
	handle.abortOnce.Do(func() { close(handle.Abort) })
}

// ErrorClassFor maps a permit rejection reason to the step-error taxonomy,
// per spec.md §4.5's permit-rejection table.
func ErrorClassFor(reason RejectReason) string {
	switch reason {
	case ReasonFatalMode:
		return "FATAL"
	case ReasonBudgetExhausted, ReasonDuplicatePermit:
		return "NON_RETRYABLE"
	case ReasonRateLimit:
		return "RETRYABLE_RATE_LIMIT"
	case ReasonCircuitOpen:
		return "RETRYABLE_SERVICE"
	case ReasonGlobalShed, ReasonConcurrencyLimit, ReasonDeferred, ReasonQueueStall:
		return "RETRYABLE_TRANSIENT"
	default:
		return fmt.Sprintf("RETRYABLE_TRANSIENT (%s)", reason)
	}
}
