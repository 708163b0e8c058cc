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

// WebhookSource has no internal loop: an external HTTP handler (out of
// scope per spec.md §1) calls Emit for every inbound request it accepts.
type WebhookSource struct {
	id  string
	out chan<- Event
}

// NewWebhookSource binds a webhook source to id. Emit is usable once Bind
// or Run has recorded the Merge output channel.
func NewWebhookSource(id string) *WebhookSource {
	return &WebhookSource{id: id}
}

func (s *WebhookSource) ID() string { return s.id }

// Bind records the channel Emit will publish to. Run records the same
// channel and then just waits for cancellation, since WebhookSource has no
// poll cycle of its own; Merge still needs a Source that satisfies the interface so the
// webhook can participate in fan-in shutdown bookkeeping.
func (s *WebhookSource) Bind(out chan<- Event) {
	s.out = out
}

func (s *WebhookSource) Run(ctx context.Context, out chan<- Event) error {
	s.out = out
	<-ctx.Done()
	return ctx.Err()
}

// Emit publishes a webhook payload. It blocks until the event is delivered
// or ctx is cancelled. Returns false if the source has not been bound to a
// running Merge loop yet.
func (s *WebhookSource) Emit(ctx context.Context, body []byte, headers map[string]string) bool {
	if s.out == nil {
		return false
	}
	ev := Event{
		SourceID:  s.id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   WebhookPayload{Body: body, Headers: headers},
	}
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
