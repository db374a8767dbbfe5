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

// Package cli builds the root command for the overseer CLI.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/internal/commands/shared"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for overseer.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overseer",
		Short: "Overseer - local workflow automation",
		Long: `Overseer is a local automation engine and agent supervisor. Rules bind
triggers (entry file changes, times of day, intervals) to tool actions
and workflows; the supervisor queues natural-language tasks and spawns
worker agents to process them.

All state lives in plain JSON documents under the data directory, so
every operation here can also be performed by editing those files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(shared.ConfigPathPointer(), "config", "", "Path to config file (default: $OVERSEER_CONFIG, then ./overseer.yaml)")

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, b := shared.GetVersion()
			fmt.Fprintf(cmd.OutOrStdout(), "overseer %s (commit: %s, built: %s)\n", v, c, b)
			return nil
		},
	}
}

// HandleExitError handles exit errors with proper exit codes.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
