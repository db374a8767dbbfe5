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

// Package enginecmd implements the engine maintenance commands.
package enginecmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/internal/commands/shared"
	"github.com/overseer-sh/overseer/internal/query"
)

// NewCommand creates the engine command with subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Engine maintenance operations",
		Long: `Engine maintenance operations.

The engine normally runs inside overseerd. These commands run a single
poll cycle, requeue failed entries, and query execution history.`,
	}

	cmd.AddCommand(newPollCommand())
	cmd.AddCommand(newRetryFailedCommand())
	cmd.AddCommand(newRetryFailedEntriesCommand())
	cmd.AddCommand(newHistoryCommand())

	return cmd
}

func newPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle",
		Long: `Run one poll cycle: evaluate time and interval triggers, diff watched
entry files, and fire matching rules. Useful for cron-driven setups
that do not keep overseerd running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			if err := rt.Engine.Poll(cmd.Context()); err != nil {
				return err
			}
			return shared.EmitJSON(cmd, map[string]any{"status": "success"})
		},
	}
}

func newRetryFailedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed FILE",
		Short: "Requeue failed entries in an entry file",
		Long: `Requeue every failed entry in an entry file by resetting its status to
queued, so the next poll picks it up again. This bypasses the backoff
ladder; entries marked permanently_failed are not touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			retried, err := rt.Engine.RetryFailed(args[0])
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, map[string]any{
				"status":  "success",
				"retried": retried,
				"count":   len(retried),
			})
		},
	}
}

func newRetryFailedEntriesCommand() *cobra.Command {
	var (
		maxRetries int
		base       int
	)
	cmd := &cobra.Command{
		Use:   "retry-failed-entries FILE",
		Short: "Run the retry ladder over an entry file",
		Long: `Run the retry ladder over an entry file: failed entries that are due
are requeued with exponential backoff (base * 3^attempt minutes), and
entries past --max-retries move to permanently_failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			result, err := rt.Engine.RetryFailedEntries(args[0], maxRetries, base)
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, result)
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Attempts before an entry is permanently failed (default 3)")
	cmd.Flags().IntVar(&base, "base", 0, "Backoff base in minutes (default 5)")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		ruleID string
		result string
		since  string
		limit  int
		filter string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query execution history",
		Long: `Query execution history, newest first.

--since accepts a timestamp or a relative window like 24h or 7d.
--filter applies a jq expression to the result document.`,
		Example: `  # Failures for one rule in the last day
  overseer engine history --rule notify-new --result failed --since 24h

  # Just the entry ids
  overseer engine history --filter '.executions[].entry_id'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			history, err := rt.Engine.GetExecutionHistory(ruleID, result, since, limit)
			if err != nil {
				return err
			}
			if filter == "" {
				return shared.EmitJSON(cmd, history)
			}

			executor := query.NewExecutor(5 * time.Second)
			filtered, err := executor.Execute(cmd.Context(), filter, history)
			if err != nil {
				return err
			}
			return shared.EmitJSON(cmd, filtered)
		},
	}

	cmd.Flags().StringVar(&ruleID, "rule", "", "Only executions of this rule")
	cmd.Flags().StringVar(&result, "result", "", "Only executions with this result (success, failed, error, skipped)")
	cmd.Flags().StringVar(&since, "since", "", "Only executions after this time (timestamp or window like 24h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to return (default 100)")
	cmd.Flags().StringVar(&filter, "filter", "", "jq expression applied to the result")

	return cmd
}
