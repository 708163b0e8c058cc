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

// Package permit implements the admission-control gate (C7): the 8-step
// decision order over queue stall, backpressure, circuit breaker, cost
// budget, RPS window, concurrency, duplicate detection, and a fatal-mode
// latch,
// grounded on the teacher's pkg/llm/failover.go retry-and-breaker wiring
// but generalized from an LLM-provider failover into a general job gate.
package permit

import (
	"sync"
	"time"
)

// Job is the unit of work requesting admission.
type Job struct {
	ID       string
	Type     string // derives the circuit-breaker provider key
	CostHint float64
}

// RejectReason is the tagged reason a permit request was denied.
type RejectReason string

const (
	ReasonGlobalShed       RejectReason = "GLOBAL_SHED"
	ReasonDeferred         RejectReason = "DEFERRED"
	ReasonCircuitOpen      RejectReason = "CIRCUIT_OPEN"
	ReasonBudgetExhausted  RejectReason = "BUDGET_EXHAUSTED"
	ReasonRateLimit        RejectReason = "RATE_LIMIT"
	ReasonConcurrencyLimit RejectReason = "CONCURRENCY_LIMIT"
	ReasonDuplicatePermit  RejectReason = "DUPLICATE_PERMIT"
	ReasonFatalMode        RejectReason = "FATAL_MODE"
	ReasonQueueStall       RejectReason = "QUEUE_STALL"
)

// Rejection is returned when requestPermit denies admission.
type Rejection struct {
	Reason RejectReason
}

func (r *Rejection) Error() string { return "permit: rejected: " + string(r.Reason) }

// Handle is returned on grant. Abort is closed by Revoke.
type Handle struct {
	ID    string
	Job   Job
	Abort chan struct{}

	grantedAt time.Time
	abortOnce sync.Once
}

// Config tunes every stage of the decision order.
type Config struct {
	RejectThreshold  float64 // backpressure load >= this -> GLOBAL_SHED
	DeferThreshold   float64 // >= this (and < reject) -> DEFERRED
	DegradeThreshold float64 // not consulted by RequestPermit; a load below DeferThreshold is admitted with no priority change

	MaxCostBudget float64 // 0 = unlimited
	MaxRPS        int     // 0 = unlimited
	MaxConcurrency int    // 0 = unlimited

	BreakerFailureThreshold uint32
	BreakerCooldown         time.Duration

	// QueueStallThresholdMs rejects a request with QUEUE_STALL once the
	// caller reports it has already waited this long for a permit. 0
	// disables the check.
	QueueStallThresholdMs int64

	// DeferredMeansEnqueue resolves spec.md §9 open question (d). Default
	// false: DEFERRED is surfaced as a rejection like every other reason,
	// left to the caller's own retry policy. When true, the DEFERRED
	// verdict is ignored and the request goes on to the remaining checks,
	// so it can still be granted.
	DeferredMeansEnqueue bool
}

// Gate is the admission-control critical section: every counter update
// happens under mu, so back-to-back grant/revoke/complete calls never
// observe a torn state.
type Gate struct {
	cfg Config

	mu            sync.Mutex
	activePermits map[string]*Handle
	queueDepth    int
	latencySumMs  float64
	latencyCount  int
	costSpent     float64
	fatalMode     bool

	breakers *breakerRegistry
	rps      *rpsWindow
}

func New(cfg Config) *Gate {
	return &Gate{
		cfg:           cfg,
		activePermits: map[string]*Handle{},
		breakers:      newBreakerRegistry(cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
		rps:           newRPSWindow(cfg.MaxRPS),
	}
}

// SetFatalMode latches or clears the global fatal-mode shed, set by the
// host process on catastrophic conditions.
func (g *Gate) SetFatalMode(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fatalMode = on
}

// SetQueueDepth lets a caller report queued-but-not-yet-admitted work into
// the backpressure load calculation.
func (g *Gate) SetQueueDepth(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queueDepth = n
}

// RecordLatency folds one observed latency sample into the rolling
// average the backpressure controller reads.
func (g *Gate) RecordLatency(ms float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latencySumMs += ms
	g.latencyCount++
	if g.latencyCount > 100 {
		g.latencySumMs -= g.latencySumMs / float64(g.latencyCount)
		g.latencyCount--
	}
}

func (g *Gate) avgLatencyLocked() float64 {
	if g.latencyCount == 0 {
		return 0
	}
	return g.latencySumMs / float64(g.latencyCount)
}
