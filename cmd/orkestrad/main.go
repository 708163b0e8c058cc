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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/orkestra-run/orkestra/internal/config"
	"github.com/orkestra-run/orkestra/internal/coreipc"
	"github.com/orkestra-run/orkestra/internal/daemon"
	"github.com/orkestra-run/orkestra/internal/event"
	"github.com/orkestra-run/orkestra/internal/log"
	"github.com/orkestra-run/orkestra/internal/statestore"
	"github.com/orkestra-run/orkestra/internal/trigger"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to daemon config file")
		stateDir    = flag.String("state-dir", "", "Directory for trigger state")
		triggers    = flag.String("triggers-file", "", "Path to triggers.yaml")
		workflows   = flag.String("workflows-dir", "", "Directory for workflow definitions")
		coreCmd     = flag.String("core-cmd", "orkestra-core", "Path to the supervised Core process binary")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orkestrad %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *triggers != "" {
		cfg.TriggersFile = *triggers
	}
	if *workflows != "" {
		cfg.WorkflowsDir = *workflows
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger := log.New(cfg.LoggerConfig())
	slog.SetDefault(logger)

	if err := run(logger, cfg, *coreCmd); err != nil {
		logger.Error("orkestrad exited with error", "error", err)
		os.Exit(1)
	}
}

// spawnCore starts the supervised Core process and wires a coreipc.Runner
// to its stdin/stdout pipes, per spec.md §4.5's submit -> permit -> execute
// -> cancel lifecycle.
func spawnCore(ctx context.Context, logger *slog.Logger, coreCmd string, stepTimeout time.Duration) (*coreipc.Runner, *exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, coreCmd)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("orkestrad: core stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("orkestrad: core stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("orkestrad: start core process %q: %w", coreCmd, err)
	}

	transport := coreipc.NewTransport(stdout, stdin)
	runner := coreipc.New(logger, transport, stepTimeout)
	return runner, cmd, nil
}

func run(logger *slog.Logger, cfg *config.Config, coreCmd string) error {
	store, err := statestore.NewFileStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("orkestrad: open state store: %w", err)
	}

	defs, order, err := config.LoadTriggers(cfg.TriggersFile)
	if err != nil {
		return fmt.Errorf("orkestrad: load triggers: %w", err)
	}
	logger.Info("loaded triggers", "count", len(defs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner, coreProc, err := spawnCore(ctx, logger, coreCmd, cfg.StepTimeoutDefaultDuration())
	if err != nil {
		return err
	}
	defer func() {
		_ = coreProc.Wait()
	}()

	supervisor := daemon.NewSupervisor(logger, cfg.WorkflowsDir, cfg.RunDir, cfg.InvDir, runner, store)
	dmn := daemon.New(logger, supervisor, cfg.Daemon.MaxConcurrent)

	engine := trigger.New(logger, store, order, defs, dmn)

	sources, err := buildSources(defs)
	if err != nil {
		return fmt.Errorf("orkestrad: build event sources: %w", err)
	}

	runner.Start(ctx)

	events := event.Merge(ctx, sources...)
	go func() {
		for ev := range events {
			view := trigger.EventView{SourceID: ev.SourceID, Timestamp: ev.Timestamp, Payload: ev.Payload}
			actions, err := engine.HandleEvent(view)
			if err != nil {
				logger.Error("trigger engine error handling event", "source_id", ev.SourceID, "error", err)
				continue
			}
			for _, action := range actions {
				logger.Debug("trigger action", "trigger_id", action.TriggerID, "kind", action.Kind)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("orkestrad started", "version", version, "triggers", len(defs))

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	cancel()

	stopped := make(chan struct{})
	go func() {
		dmn.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(35 * time.Second):
		logger.Warn("daemon stop timed out")
	}

	return nil
}

func buildSources(defs map[string]*trigger.Def) ([]event.Source, error) {
	sources := make([]event.Source, 0, len(defs))
	for id, def := range defs {
		src, err := config.BuildEventSource(id, def.On)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", id, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
