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

// Package agents implements the worker agent commands.
package agents

import (
	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/internal/commands/shared"
)

// NewCommand creates the agents command with subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Run and stop worker agents",
		Long: `Run and stop worker agents.

execute spawns detached worker processes for the queued tasks, at most
one run at a time (guarded by a lockfile). kill terminates a running
worker set and clears the lockfile.`,
	}

	cmd.AddCommand(newExecuteCommand())
	cmd.AddCommand(newKillCommand())

	return cmd
}

func newExecuteCommand() *cobra.Command {
	var (
		parallel int
		agentID  string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Spawn workers for the queued tasks",
		Long: `Spawn workers for the queued tasks. With --parallel above one, tasks
are bucketed by their assigned agent and one worker runs per bucket,
capped at the configured maximum. With --agent, only that agent's
tasks are run. Refuses to run while another worker set is active, and
refuses to run inside a worker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.ExecuteQueue(parallel, agentID)
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 1, "Number of parallel workers (1-3)")
	cmd.Flags().StringVar(&agentID, "agent", "", "Only run tasks assigned to this agent")
	return cmd
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Terminate running workers and clear the lockfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.KillAgents()
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}
