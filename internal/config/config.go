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

// Package config loads the overseer configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/overseer-sh/overseer/pkg/errors"
)

// DefaultPollIntervalSeconds is the engine poll cadence when unset.
const DefaultPollIntervalSeconds = 5

// DefaultMaxParallelAgents is the hard cap on concurrently spawned workers.
const DefaultMaxParallelAgents = 3

// WorkerConfig describes how worker agent processes are spawned.
type WorkerConfig struct {
	// Command is the worker executable and fixed leading arguments.
	// The task prompt is appended as the final argument.
	Command []string `yaml:"command"`

	// LogDir is where per-agent logs are written (default: DataDir).
	LogDir string `yaml:"log_dir,omitempty"`
}

// Config is the full overseer configuration.
type Config struct {
	// DataDir holds all persisted state documents (rules, queue, results,
	// engine state, execution history).
	DataDir string `yaml:"data_dir"`

	// ToolsDir is where unregistered tool scripts live.
	ToolsDir string `yaml:"tools_dir"`

	// RegistryFile is the NDJSON tool registry.
	RegistryFile string `yaml:"registry_file"`

	// HubCommand is the privileged dispatcher invoked for registered tools.
	HubCommand []string `yaml:"hub_command"`

	// PollIntervalSeconds is the engine poll cadence.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// WatchFiles enables fsnotify wake-ups for watched entry files.
	// The poll cadence still bounds triggering; watching only shortens
	// the latency between a write and the next poll.
	WatchFiles bool `yaml:"watch_files"`

	// MetricsAddr, when set, exposes prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// MaxParallelAgents caps concurrently spawned workers (1-3).
	MaxParallelAgents int `yaml:"max_parallel_agents"`

	// Worker describes worker process spawning.
	Worker WorkerConfig `yaml:"worker"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:             "data",
		ToolsDir:            "tools",
		RegistryFile:        "system_settings.ndjson",
		HubCommand:          []string{"python3", "execution_hub.py", "execute_task"},
		PollIntervalSeconds: DefaultPollIntervalSeconds,
		WatchFiles:          true,
		MaxParallelAgents:   DefaultMaxParallelAgents,
		Worker: WorkerConfig{
			Command: []string{"claude", "-p"},
		},
	}
}

// Load reads the configuration from path. When path is empty it falls
// back to $OVERSEER_CONFIG, then ./overseer.yaml; a missing file yields
// the defaults. $OVERSEER_DATA_DIR overrides the data directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("OVERSEER_CONFIG")
	}
	if path == "" {
		path = "overseer.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Reason: fmt.Sprintf("cannot read %s", path), Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Reason: fmt.Sprintf("cannot parse %s", path), Cause: err}
		}
	}

	if dir := os.Getenv("OVERSEER_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate normalizes and checks the configuration.
func (c *Config) validate() error {
	if c.DataDir == "" {
		return &errors.ConfigError{Key: "data_dir", Reason: "must not be empty"}
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if c.MaxParallelAgents <= 0 {
		c.MaxParallelAgents = DefaultMaxParallelAgents
	}
	if c.MaxParallelAgents > DefaultMaxParallelAgents {
		c.MaxParallelAgents = DefaultMaxParallelAgents
	}
	if len(c.Worker.Command) == 0 {
		return &errors.ConfigError{Key: "worker.command", Reason: "must not be empty"}
	}
	if c.Worker.LogDir == "" {
		c.Worker.LogDir = c.DataDir
	}
	return nil
}
