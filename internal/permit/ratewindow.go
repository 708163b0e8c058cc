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

	"golang.org/x/time/rate"
)

// rpsWindow enforces maxRps using a token bucket sized to refill exactly
// one token per second per permit, which for the gate's non-blocking
// Allow() check behaves as the sliding 1-second window spec.md describes.
type rpsWindow struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	enabled bool
}

func newRPSWindow(maxRPS int) *rpsWindow {
	if maxRPS <= 0 {
		return &rpsWindow{enabled: false}
	}
	return &rpsWindow{
		limiter: rate.NewLimiter(rate.Limit(maxRPS), maxRPS),
		enabled: true,
	}
}

// allow reports whether one more request fits in the current window
// without blocking. It consumes a token only when it returns true.
func (w *rpsWindow) allow() bool {
	if !w.enabled {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limiter.Allow()
}
