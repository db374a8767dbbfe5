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

// Package events implements the event type commands.
package events

import (
	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/internal/commands/shared"
	"github.com/overseer-sh/overseer/internal/state"
)

// NewCommand creates the events command with subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Manage event types",
		Long: `Manage event types.

An event type names a reusable predicate over an entry change, written
as an expression over key, old_entry, and new_entry. Rules with an
entry_updated trigger reference event types to describe which changes
they care about.`,
	}

	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDispatchCommand())

	return cmd
}

func newAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add KEY",
		Short: "Define an event type",
		Example: `  # An entry whose status moved to blocked
  overseer events add entry_blocked --params '{"test":"new_entry.status == \"blocked\" and old_entry.status != \"blocked\"","description":"entry became blocked"}'`,
		Args: cobra.ExactArgs(1),
	}
	params := shared.AddParamsFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		p, err := shared.DecodeParams(*params)
		if err != nil {
			return err
		}
		rt, err := shared.BuildRuntime()
		if err != nil {
			return err
		}
		result, err := rt.Engine.AddEventType(args[0], state.EventType{
			Test:        shared.StringParam(p, "test"),
			Description: shared.StringParam(p, "description"),
		})
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
		Short: "Delete an event type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Engine.DeleteEventType(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List event types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Engine.GetEventTypes()
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newDispatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch RULE_KEY",
		Short: "Fire a rule manually against a synthetic entry",
		Long: `Fire a rule manually. The --params object is treated as the entry the
rule fires on; the rule's condition still gates execution. The firing
is recorded in execution history with a manual trigger.`,
		Args: cobra.ExactArgs(1),
	}
	params := shared.AddParamsFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		entry, err := shared.DecodeParams(*params)
		if err != nil {
			return err
		}
		rt, err := shared.BuildRuntime()
		if err != nil {
			return err
		}
		result, err := rt.Engine.DispatchEvent(cmd.Context(), args[0], entry)
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
	return cmd
}
