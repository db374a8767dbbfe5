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

package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes the engine when a watched document changes, so entry
// writes are picked up before the next tick. Triggering semantics are
// unchanged; the watcher only shortens latency.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher over the given directories.
func NewWatcher(dirs []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	return &Watcher{
		watcher: fsw,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Wake returns the channel the engine selects on.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("document changed", "file", event.Name, "op", event.Op.String())
			// Coalesce: one pending wake is enough.
			select {
			case w.wake <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

// relevant filters noise: only JSON document writes matter, and never
// lock files or our own temp files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasSuffix(name, ".lock") || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".json")
}

// Stop shuts the watcher down and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}
