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

// CronSource wraps robfig/cron/v3 rather than hand-rolling a parser,
// following logimos-conduktr's internal/triggers/scheduler.go pattern of
// reaching for the ecosystem-standard cron library.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSource emits an event every time a standard 5-field cron
// expression matches.
type CronSource struct {
	id         string
	expression string
	schedule   cron.Schedule
}

// NewCronSource parses expr (standard 5-field cron) and returns a source
// bound to id.
func NewCronSource(id, expr string) (*CronSource, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("event: invalid cron expression %q: %w", expr, err)
	}
	return &CronSource{id: id, expression: expr, schedule: schedule}, nil
}

func (s *CronSource) ID() string { return s.id }

func (s *CronSource) Run(ctx context.Context, out chan<- Event) error {
	now := time.Now()
	next := s.schedule.Next(now)

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case fired := <-timer.C:
			select {
			case out <- Event{SourceID: s.id, Timestamp: fired.UnixMilli(), Payload: CronPayload{Expression: s.expression}}:
			case <-ctx.Done():
				return ctx.Err()
			}
			next = s.schedule.Next(fired)
		}
	}
}
