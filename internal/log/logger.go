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

// Package log provides structured logging built on log/slog, shared by
// every long-lived component in orkestra (daemon, executor, permit gate,
// core-IPC runner). Components hold a *slog.Logger field set at
// construction; nothing here depends on slog.Default.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Standard field keys, kept consistent across every component so logs can
// be correlated by trigger/run/step without per-package naming drift.
const (
	TriggerIDKey = "trigger_id"
	WorkflowKey  = "workflow"
	RunIDKey     = "run_id"
	StepIDKey    = "step_id"
	EventKey     = "event"
)

// Config configures logger construction.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns sensible defaults: info level, JSON, stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from environment variables:
//
//	ORKESTRA_LOG_LEVEL  debug|info|warn|error (default info)
//	ORKESTRA_LOG_FORMAT json|text (default json)
//	ORKESTRA_LOG_SOURCE 1 to add file:line
func FromEnv() *Config {
	cfg := DefaultConfig()
	if level := os.Getenv("ORKESTRA_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format := os.Getenv("ORKESTRA_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("ORKESTRA_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New builds a *slog.Logger from cfg.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTrigger returns a logger annotated with a trigger ID.
func WithTrigger(logger *slog.Logger, triggerID string) *slog.Logger {
	return logger.With(slog.String(TriggerIDKey, triggerID))
}

// WithRun returns a logger annotated with workflow name and run ID.
func WithRun(logger *slog.Logger, workflow, runID string) *slog.Logger {
	return logger.With(slog.String(WorkflowKey, workflow), slog.String(RunIDKey, runID))
}

// WithStep returns a logger annotated with run and step IDs.
func WithStep(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}
