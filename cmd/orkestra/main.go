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

// Command orkestra is the operator CLI: a thin wrapper over the same
// internal/config and internal/workflow packages orkestrad uses, for
// validating workflow files and inspecting a triggers.yaml without
// standing up the daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orkestra-run/orkestra/internal/config"
	"github.com/orkestra-run/orkestra/internal/workflow"
)

// Version information, injected via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orkestra",
		Short:         "orkestra - inspect and validate automation workflows and triggers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newTriggersCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "orkestra %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow file's YAML shape and DAG structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			def, err := config.ParseWorkflowDefinition(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := workflow.ValidateDefinition(def); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			cmd.Printf("%s: valid (%d steps)\n", def.Name, len(def.Steps))
			return nil
		},
	}
}

func newTriggersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect triggers.yaml",
	}
	cmd.AddCommand(newTriggersListCommand())
	return cmd
}

func newTriggersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <triggers.yaml>",
		Short: "List every trigger defined in a triggers file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, order, err := config.LoadTriggers(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			for _, id := range order {
				def := defs[id]
				status := "enabled"
				if def.Enabled != nil && !*def.Enabled {
					status = "disabled"
				}
				cmd.Printf("%-24s on=%-28s workflow=%-24s %s\n", id, def.On, def.Workflow, status)
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run or dry-run a single workflow file outside the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			def, err := config.ParseWorkflowDefinition(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := workflow.ValidateDefinition(def); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			if dryRun {
				cmd.Printf("%s: %d step(s), would run in dependency order:\n", def.Name, len(def.Steps))
				printed := map[string]bool{}
				for len(printed) < len(def.Steps) {
					for _, step := range def.Steps {
						ready := !printed[step.ID]
						for _, dep := range step.DependsOn {
							ready = ready && printed[dep]
						}
						if !ready {
							continue
						}
						printed[step.ID] = true
						deps := ""
						if len(step.DependsOn) > 0 {
							deps = fmt.Sprintf(" (after %v)", step.DependsOn)
						}
						cmd.Printf("  - %s [%s]%s\n", step.ID, step.Worker, deps)
					}
				}
				return nil
			}

			return fmt.Errorf("run: executing a workflow outside orkestrad requires a running Core process; use orkestrad instead, or pass --dry-run")
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the execution plan without running anything")
	return cmd
}
