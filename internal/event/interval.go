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

package event

import (
	"context"
	"time"
)

// IntervalSource emits an event on a fixed tick.
type IntervalSource struct {
	id       string
	interval time.Duration
}

// NewIntervalSource creates an interval source firing every d.
func NewIntervalSource(id string, d time.Duration) *IntervalSource {
	return &IntervalSource{id: id, interval: d}
}

func (s *IntervalSource) ID() string { return s.id }

func (s *IntervalSource) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var tick int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			tick++
			select {
			case out <- Event{SourceID: s.id, Timestamp: t.UnixMilli(), Payload: IntervalPayload{Tick: tick}}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
