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

// Package shared holds the plumbing every command package uses: runtime
// construction, the --params flag convention, JSON output, and exit
// codes.
package shared

import (
	"log/slog"

	"github.com/overseer-sh/overseer/internal/config"
	"github.com/overseer-sh/overseer/internal/engine"
	"github.com/overseer-sh/overseer/internal/invoker"
	"github.com/overseer-sh/overseer/internal/log"
	"github.com/overseer-sh/overseer/internal/state"
	"github.com/overseer-sh/overseer/internal/supervisor"
)

// Version information, set from main via SetVersion.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version information.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the recorded version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// configPath is bound to the root --config flag.
var configPath string

// ConfigPathPointer exposes the config path for flag registration.
func ConfigPathPointer() *string {
	return &configPath
}

// Runtime bundles the constructed subsystems a command operates on.
type Runtime struct {
	Cfg        *config.Config
	Store      *state.Store
	Engine     *engine.Engine
	Supervisor *supervisor.Supervisor
	Logger     *slog.Logger
}

// BuildRuntime loads configuration and wires the store, engine, and
// supervisor. Commands call this lazily inside RunE so that help and
// completion never touch the config file.
func BuildRuntime() (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := log.New(log.FromEnv())
	store := state.New(cfg.DataDir)

	registry, err := invoker.LoadRegistry(cfg.RegistryFile)
	if err != nil {
		return nil, err
	}
	inv := invoker.NewSubprocess(registry, cfg.ToolsDir, cfg.HubCommand, logger)

	return &Runtime{
		Cfg:        cfg,
		Store:      store,
		Engine:     engine.New(store, cfg, inv, registry, logger),
		Supervisor: supervisor.New(store, cfg, &supervisor.WorkerSpawner{Worker: cfg.Worker}, logger),
		Logger:     logger,
	}, nil
}
