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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overseer-sh/overseer/internal/config"
	"github.com/overseer-sh/overseer/internal/engine"
	"github.com/overseer-sh/overseer/internal/invoker"
	"github.com/overseer-sh/overseer/internal/log"
	"github.com/overseer-sh/overseer/internal/state"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		metricsAddr = flag.String("metrics", "", "Address for prometheus metrics (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("overseerd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	store := state.New(cfg.DataDir)
	registry, err := invoker.LoadRegistry(cfg.RegistryFile)
	if err != nil {
		logger.Error("Failed to load tool registry", log.Error(err))
		os.Exit(1)
	}
	inv := invoker.NewSubprocess(registry, cfg.ToolsDir, cfg.HubCommand, logger)
	eng := engine.New(store, cfg, inv, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wake <-chan struct{}
	if cfg.WatchFiles {
		watcher, err := engine.NewWatcher(watchDirs(store, cfg), logger)
		if err != nil {
			logger.Warn("File watching disabled", log.Error(err))
		} else {
			watcher.Start()
			defer watcher.Stop()
			wake = watcher.Wake()
		}
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server failed", log.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(ctx, wake)
	}()

	logger.Info("overseerd started",
		slog.String("version", version),
		slog.String("data_dir", cfg.DataDir),
		"poll_interval_seconds", cfg.PollIntervalSeconds,
	)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("Engine error", log.Error(err))
			os.Exit(1)
		}
	}
}

// watchDirs collects the directories worth watching: the data directory
// plus any directory holding a watched entry file. Rules added later
// still fire on the next poll tick; watching only shortens latency.
func watchDirs(store *state.Store, cfg *config.Config) []string {
	dirs := map[string]bool{cfg.DataDir: true}

	rules, err := store.LoadRules()
	if err == nil {
		for _, raw := range rules {
			rule, err := state.DecodeRule(raw)
			if err != nil {
				continue
			}
			if rule.Trigger.File != "" {
				dirs[filepath.Dir(store.Path(rule.Trigger.File))] = true
			}
		}
	}

	out := make([]string, 0, len(dirs))
	for dir := range dirs {
		out = append(out, dir)
	}
	return out
}
