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

package shared

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/pkg/errors"
)

// Exit codes for the overseer CLI.
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitNotFound   = 3
	ExitConfig     = 4
)

// EmitJSON prints a result document as indented JSON on the command's
// stdout. Every operation emits its result this way so output is
// machine-consumable.
func EmitJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// HandleExitError prints an error and exits with a code matching its
// kind.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	var validationErr *errors.ValidationError
	var notFoundErr *errors.NotFoundError
	var configErr *errors.ConfigError
	switch {
	case goerrors.As(err, &validationErr):
		os.Exit(ExitValidation)
	case goerrors.As(err, &notFoundErr):
		os.Exit(ExitNotFound)
	case goerrors.As(err, &configErr):
		os.Exit(ExitConfig)
	default:
		os.Exit(ExitFailure)
	}
}
