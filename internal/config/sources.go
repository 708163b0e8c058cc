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

package config

import (
	"fmt"
	"strings"

	"github.com/orkestra-run/orkestra/internal/durationutil"
	"github.com/orkestra-run/orkestra/internal/event"
	pkgerrors "github.com/orkestra-run/orkestra/pkg/errors"
)

// BuildEventSource turns a trigger's "on" string into a concrete event
// source. Individual adapters are out of scope for the wire format itself,
// so this is a small convention, not a parser for an external schema:
//
//	interval:<duration>
//	cron:<five-field expression>
//	fswatch:<path>[,<path>...]
//	webhook:<name>
//	command:<duration>:<name> [args...]
func BuildEventSource(id, on string) (event.Source, error) {
	kind, rest, ok := strings.Cut(on, ":")
	if !ok {
		return nil, &pkgerrors.ValidationError{Field: "on", Message: fmt.Sprintf("malformed trigger source %q", on)}
	}

	switch kind {
	case "interval":
		d, err := durationutil.Parse(rest)
		if err != nil {
			return nil, &pkgerrors.ValidationError{Field: "on", Message: err.Error()}
		}
		return event.NewIntervalSource(id, d), nil

	case "cron":
		src, err := event.NewCronSource(id, rest)
		if err != nil {
			return nil, &pkgerrors.ValidationError{Field: "on", Message: err.Error()}
		}
		return src, nil

	case "fswatch":
		paths := strings.Split(rest, ",")
		for i := range paths {
			paths[i] = strings.TrimSpace(paths[i])
		}
		return event.NewFSWatchSource(id, paths), nil

	case "webhook":
		return event.NewWebhookSource(id), nil

	case "command":
		interval, cmdline, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, &pkgerrors.ValidationError{Field: "on", Message: fmt.Sprintf("command source %q missing interval", on)}
		}
		d, err := durationutil.Parse(interval)
		if err != nil {
			return nil, &pkgerrors.ValidationError{Field: "on", Message: err.Error()}
		}
		fields := strings.Fields(cmdline)
		if len(fields) == 0 {
			return nil, &pkgerrors.ValidationError{Field: "on", Message: fmt.Sprintf("command source %q has no command", on)}
		}
		return event.NewCommandSource(id, d, fields[0], fields[1:]...), nil

	default:
		return nil, &pkgerrors.ValidationError{Field: "on", Message: fmt.Sprintf("unknown event source kind %q", kind)}
	}
}

// WebhookSources filters a built source set down to the subset that need to
// be registered with an external HTTP handler by source id.
func WebhookSources(sources []event.Source) map[string]*event.WebhookSource {
	out := map[string]*event.WebhookSource{}
	for _, s := range sources {
		if wh, ok := s.(*event.WebhookSource); ok {
			out[s.ID()] = wh
		}
	}
	return out
}
