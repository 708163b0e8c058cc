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

// FSWatchSource wraps fsnotify, following the teacher's
// internal/controller/filewatcher/service.go wiring.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSWatchSource emits an event for every filesystem change under the
// configured paths.
type FSWatchSource struct {
	id    string
	paths []string
}

// NewFSWatchSource watches paths for changes under id.
func NewFSWatchSource(id string, paths []string) *FSWatchSource {
	return &FSWatchSource{id: id, paths: paths}
}

func (s *FSWatchSource) ID() string { return s.id }

func (s *FSWatchSource) Run(ctx context.Context, out chan<- Event) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("event: create watcher for %s: %w", s.id, err)
	}
	defer watcher.Close()

	for _, p := range s.paths {
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("event: watch %s: %w", p, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				continue
			}
		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ev := Event{
				SourceID:  s.id,
				Timestamp: time.Now().UnixMilli(),
				Payload:   FSWatchPayload{Path: fsEvent.Name, Op: fsEvent.Op.String()},
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
