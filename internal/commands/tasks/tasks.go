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

// Package tasks implements the task queue commands.
package tasks

import (
	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/internal/commands/shared"
	"github.com/overseer-sh/overseer/internal/supervisor"
)

// NewCommand creates the tasks command with subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the agent task queue",
		Long: `Manage the agent task queue.

Tasks are natural-language work items persisted in the queue document.
Worker agents claim them, report progress, and log completions, which
move into the results document and eventually the archive.`,
	}

	cmd.AddCommand(newAssignCommand())
	cmd.AddCommand(newBatchCommand())
	cmd.AddCommand(newUpdateCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newClaimCommand())
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newCompleteCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newQueueCommand())
	cmd.AddCommand(newResultCommand())
	cmd.AddCommand(newResultsCommand())
	cmd.AddCommand(newRecentCommand())

	return cmd
}

func assignRequest(p map[string]any) supervisor.AssignRequest {
	return supervisor.AssignRequest{
		Description: shared.StringParam(p, "description"),
		Context:     shared.MapParam(p, "context"),
		Priority:    shared.StringParam(p, "priority"),
		AssignedBy:  shared.StringParam(p, "assigned_by"),
		BatchID:     shared.StringParam(p, "batch_id"),
		AgentID:     shared.StringParam(p, "agent_id"),
		RequestID:   shared.StringParam(p, "request_id"),
	}
}

func newAssignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "assign",
		Short:   "Assign a task to the queue",
		Example: `  overseer tasks assign --params '{"description":"Draft the release notes","priority":"high"}'`,
		Args:    cobra.NoArgs,
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
		result, err := rt.Supervisor.AssignTask(assignRequest(p))
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
	return cmd
}

func newBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Assign several tasks under one batch",
		Long: `Assign several tasks under one batch id. With parallel above one the
tasks round-robin across agents, so a later execute can run them
concurrently.`,
		Example: `  overseer tasks batch --params '{"tasks":["Summarize inbox","Draft blog post","File receipts"],"parallel":3}'`,
		Args:    cobra.NoArgs,
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
		parallel := shared.IntParam(p, "parallel")
		if parallel == 0 {
			parallel = 1
		}
		result, err := rt.Supervisor.BatchAssign(shared.StringsParam(p, "tasks"), assignRequest(p), parallel)
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
	return cmd
}

func newUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update TASK_ID",
		Short: "Edit a queued task",
		Long:  `Edit a queued task's description, priority, or context. Claimed tasks cannot be edited.`,
		Args:  cobra.ExactArgs(1),
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
		result, err := rt.Supervisor.UpdateTask(args[0],
			shared.StringParam(p, "description"),
			shared.StringParam(p, "priority"),
			shared.MapParam(p, "context"))
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a task that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.CancelTask(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newClaimCommand() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim queued tasks",
		Long: `Claim every queued task and return it. Workers call this at startup;
with --agent only that agent's tasks are claimed, so parallel workers
stay disjoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.ClaimTasks(agentID)
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Only claim tasks assigned to this agent")
	return cmd
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start TASK_ID",
		Short: "Mark the moment actual work began on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.MarkTaskInProgress(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newCompleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete TASK_ID",
		Short: "Log a task completion",
		Long: `Log a task completion. The task leaves the queue and a completion
record enters the results document; older completions overflow into the
archive. Telemetry sidecars written by the worker are folded in.`,
		Example: `  overseer tasks complete task_20260824_101500_1a2b3c4d --params '{"status":"done","output":"Release notes drafted"}'`,
		Args:    cobra.ExactArgs(1),
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
		result, err := rt.Supervisor.LogTaskCompletion(supervisor.CompletionRequest{
			TaskID:  args[0],
			Status:  shared.StringParam(p, "status"),
			Summary: shared.StringParam(p, "summary"),
			Output:  shared.StringParam(p, "output"),
		})
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd, result)
	}
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.GetTaskStatus(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Summarize the queue by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.GetQueueStatus()
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result TASK_ID",
		Short: "Show one completion record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.GetResult(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newResultsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "results",
		Short: "Show retained completion records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.GetResults()
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
}

func newRecentCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest completions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Supervisor.GetRecentTasks(limit)
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum completions to return")
	return cmd
}
