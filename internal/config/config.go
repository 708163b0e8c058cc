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

// Package config loads orkestrad's daemon configuration, its trigger list,
// and workflow definitions from YAML, the way the teacher's internal/config
// loads its own Config plus pkg/workflow.ParseDefinition loads a workflow
// file: unmarshal, apply defaults, validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orkestra-run/orkestra/internal/log"
	pkgerrors "github.com/orkestra-run/orkestra/pkg/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	Log          LogConfig    `yaml:"log"`
	StateDir     string       `yaml:"state_dir"`
	RunDir       string       `yaml:"run_dir"`
	TriggersFile string       `yaml:"triggers_file"`
	WorkflowsDir string       `yaml:"workflows_dir"`
	InvDir       string       `yaml:"inv_dir"`
	Daemon       DaemonConfig `yaml:"daemon"`
	Permit       PermitConfig `yaml:"permit"`
	CoreIPC      CoreIPCConfig `yaml:"core_ipc"`
}

// LogConfig mirrors internal/log.Config's YAML-facing fields.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

func (l LogConfig) toLogConfig() *log.Config {
	return &log.Config{
		Level:     l.Level,
		Format:    log.Format(l.Format),
		AddSource: l.AddSource,
	}
}

// DaemonConfig configures dispatch (C5).
type DaemonConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// PermitConfig configures the permit gate (C7).
type PermitConfig struct {
	RejectThreshold         float64 `yaml:"reject_threshold"`
	DeferThreshold          float64 `yaml:"defer_threshold"`
	DegradeThreshold        float64 `yaml:"degrade_threshold"`
	MaxCostBudget           float64 `yaml:"max_cost_budget"`
	MaxRPS                  int     `yaml:"max_rps"`
	MaxConcurrency          int     `yaml:"max_concurrency"`
	BreakerFailureThreshold uint32  `yaml:"breaker_failure_threshold"`
	BreakerCooldown         string  `yaml:"breaker_cooldown"`
	DeferredMeansEnqueue    bool    `yaml:"deferred_means_enqueue"`
}

// CoreIPCConfig configures the core-IPC step runner (C8).
type CoreIPCConfig struct {
	StepTimeoutDefault string `yaml:"step_timeout_default"`
}

// Default returns a Config with sensible defaults, matching the teacher's
// Default() constructor shape.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		StateDir:     "./state",
		RunDir:       "./run",
		TriggersFile: "./triggers.yaml",
		WorkflowsDir: "./workflows",
		InvDir:       "./inv",
		Daemon: DaemonConfig{
			MaxConcurrent: 5,
		},
		Permit: PermitConfig{
			RejectThreshold:         0.95,
			DeferThreshold:          0.8,
			DegradeThreshold:        0.6,
			MaxCostBudget:           0,
			MaxRPS:                  0,
			MaxConcurrency:          10,
			BreakerFailureThreshold: 5,
			BreakerCooldown:         "30s",
		},
		CoreIPC: CoreIPCConfig{
			StepTimeoutDefault: "10m",
		},
	}
}

// Load reads and parses the daemon config file at path. An empty path
// returns the defaults with only the ORKESTRA_* environment overlay
// applied, matching the teacher's LoadDaemon("") convention for "no
// config file present."
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		applyEnv(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pkgerrors.ConfigError{Key: path, Reason: "failed to read config file", Cause: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &pkgerrors.ConfigError{Key: path, Reason: "failed to parse YAML", Cause: err}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays ORKESTRA_* environment variables, matching the
// teacher's layered defaults -> file -> env precedence.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ORKESTRA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ORKESTRA_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("ORKESTRA_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("ORKESTRA_TRIGGERS_FILE"); v != "" {
		cfg.TriggersFile = v
	}
	if v := os.Getenv("ORKESTRA_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("ORKESTRA_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.MaxConcurrent = n
		}
	}
}

// LoggerConfig converts to the internal/log construction type.
func (c *Config) LoggerConfig() *log.Config {
	return c.Log.toLogConfig()
}

// BreakerCooldownDuration parses Permit.BreakerCooldown, defaulting to 30s
// on an empty or invalid value.
func (c *Config) BreakerCooldownDuration() time.Duration {
	d, err := time.ParseDuration(c.Permit.BreakerCooldown)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// StepTimeoutDefaultDuration parses CoreIPC.StepTimeoutDefault, defaulting
// to 10 minutes on an empty or invalid value.
func (c *Config) StepTimeoutDefaultDuration() time.Duration {
	d, err := time.ParseDuration(c.CoreIPC.StepTimeoutDefault)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// Validate reports structural problems a misconfigured daemon would
// otherwise surface as confusing runtime errors.
func (c *Config) Validate() error {
	if c.Daemon.MaxConcurrent < 1 {
		return &pkgerrors.ValidationError{Field: "daemon.max_concurrent", Message: "must be >= 1"}
	}
	if c.Permit.RejectThreshold <= c.Permit.DeferThreshold {
		return &pkgerrors.ValidationError{
			Field:      "permit.reject_threshold",
			Message:    "must be greater than permit.defer_threshold",
			Suggestion: fmt.Sprintf("reject_threshold=%.2f defer_threshold=%.2f", c.Permit.RejectThreshold, c.Permit.DeferThreshold),
		}
	}
	return nil
}
