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

// backpressureLoad computes a scalar load in [0,1] from active permits,
// queue depth, and average latency, following spec.md §4.4's three-input
// formula. Weights are 0.5 for concurrency, 0.3 for queue depth and 0.2
// for latency, so active permits dominate the load.
func backpressureLoad(activePermits, maxConcurrency, queueDepth int, avgLatencyMs float64) float64 {
	var concurrencyLoad float64
	if maxConcurrency > 0 {
		concurrencyLoad = float64(activePermits) / float64(maxConcurrency)
	}

	queueLoad := float64(queueDepth) / 50.0 // 50 queued items treated as saturated
	if queueLoad > 1 {
		queueLoad = 1
	}

	latencyLoad := avgLatencyMs / 5000.0 // 5s average latency treated as saturated
	if latencyLoad > 1 {
		latencyLoad = 1
	}

	load := 0.5*concurrencyLoad + 0.3*queueLoad + 0.2*latencyLoad
	if load > 1 {
		load = 1
	}
	return load
}
