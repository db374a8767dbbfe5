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

// Package rules implements the automation rule commands.
package rules

import (
	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/internal/commands/shared"
)

// NewCommand creates the rules command with subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules",
		Long: `Manage automation rules.

Rules bind a trigger (an entry file event, a time of day, or an
interval) to an action or workflow, optionally gated by a condition
expression. The engine evaluates rules on every poll.`,
	}

	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newUpdateCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newEnableCommand())
	cmd.AddCommand(newDisableCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newDryRunCommand())

	return cmd
}

func newAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add KEY",
		Short: "Add an automation rule",
		Long:  `Add an automation rule. The rule definition is passed as the --params JSON object.`,
		Example: `  # Fire a tool whenever an entry is added
  overseer rules add notify-new '{"trigger":{"type":"entry_added","file":"inbox.json"},"action":{"tool":"mailer","action":"send"}}'

  # The definition can also come from --params
  overseer rules add notify-new --params @rule.json`,
		Args: cobra.RangeArgs(1, 2),
	}
	params := shared.AddParamsFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		raw := *params
		if len(args) == 2 {
			raw = args[1]
		}
		rule, err := shared.DecodeParams(raw)
		if err != nil {
			return err
		}
		rt, err := shared.BuildRuntime()
		if err != nil {
			return err
		}
		result, err := rt.Engine.AddRule(args[0], rule)
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
	return cmd
}

func newUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update KEY",
		Short: "Replace an automation rule",
		Args:  cobra.ExactArgs(1),
	}
	params := shared.AddParamsFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		rule, err := shared.DecodeParams(*params)
		if err != nil {
			return err
		}
		rt, err := shared.BuildRuntime()
		if err != nil {
			return err
		}
		result, err := rt.Engine.UpdateRule(args[0], rule)
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete an automation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Engine.DeleteRule(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Show one automation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Engine.GetRule(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newListCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		Long:  `List automation rules as one-line summaries. With --full the complete definitions are returned.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			var result map[string]any
			if full {
				result, err = rt.Engine.GetRules()
			} else {
				result, err = rt.Engine.ListRules()
			}
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Return complete rule definitions")
	return cmd
}

func newEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable KEY",
		Short: "Enable an automation rule",
		Args:  cobra.ExactArgs(1),
		RunE:  runSetEnabled(true),
	}
}

func newDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable KEY",
		Short: "Disable an automation rule",
		Long:  `Disable an automation rule. The rule stays defined but the engine skips it until it is enabled again.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runSetEnabled(false),
	}
}

func runSetEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := shared.BuildRuntime()
		if err != nil {
			return err
		}
		result, err := rt.Engine.SetRuleEnabled(args[0], enabled)
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rule definition without saving it",
		Long: `Validate a rule definition without saving it.

Reports every problem at once: missing trigger fields, conditions that
do not compile, and tool or action references that do not exist in the
registry (with close-match suggestions).`,
		Args: cobra.NoArgs,
	}
	params := shared.AddParamsFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		rule, err := shared.DecodeParams(*params)
		if err != nil {
			return err
		}
		rt, err := shared.BuildRuntime()
		if err != nil {
			return err
		}
		if err := rt.Engine.ValidateRule(rule); err != nil {
			return err
		}
		return shared.EmitJSON(cmd, map[string]any{"status": "valid"})
	}
	return cmd
}

func newDryRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dry-run [KEY]",
		Short: "Report what a rule would do right now, without firing",
		Long: `Report which entries a rule would fire on right now, with resolved
action parameters, without invoking anything or mutating state. With no
KEY, every enabled rule is evaluated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			var result map[string]any
			if len(args) == 1 {
				result, err = rt.Engine.DryRun(args[0])
			} else {
				result, err = rt.Engine.DryRunAll()
			}
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}
