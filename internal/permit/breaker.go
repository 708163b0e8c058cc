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
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerRegistry keys a gobreaker.CircuitBreaker per job.Type, following
// the teacher's per-provider failover breaker in pkg/llm/failover.go but
// delegating the open/half-open/closed state machine itself to
// sony/gobreaker rather than the teacher's hand-rolled one (ecosystem
// library preferred per SPEC_FULL §4).
type breakerRegistry struct {
	mu              sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker
	failureThreshold uint32
	cooldown         time.Duration
}

func newBreakerRegistry(failureThreshold uint32, cooldown time.Duration) *breakerRegistry {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerRegistry{
		breakers:         map[string]*gobreaker.CircuitBreaker{},
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

func (r *breakerRegistry) forType(jobType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[jobType]; ok {
		return b
	}

	threshold := r.failureThreshold
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: jobType,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		Timeout: r.cooldown,
	})
	r.breakers[jobType] = b
	return b
}

// isOpen reports whether the breaker for jobType currently rejects calls.
func (r *breakerRegistry) isOpen(jobType string) bool {
	return r.forType(jobType).State() == gobreaker.StateOpen
}

// recordSuccess and recordFailure feed gobreaker's internal counts without
// routing the actual call through Execute, since the gate decides
// admission before the job body runs.
func (r *breakerRegistry) recordSuccess(jobType string) {
	b := r.forType(jobType)
	_, _ = b.Execute(func() (any, error) { return nil, nil })
}

func (r *breakerRegistry) recordFailure(jobType string) {
	b := r.forType(jobType)
	_, _ = b.Execute(func() (any, error) { return nil, errBreakerRecordedFailure })
}

var errBreakerRecordedFailure = &breakerRecordError{}

type breakerRecordError struct{}

func (*breakerRecordError) Error() string { return "permit: recorded failure outcome" }
