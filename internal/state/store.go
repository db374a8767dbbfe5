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

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/overseer-sh/overseer/internal/lock"
)

// Document file names inside the data directory.
const (
	RulesFile       = "automation_rules.json"
	EventTypesFile  = "event_types.json"
	EngineStateFile = "engine_state.json"
	HistoryFile     = "execution_history.json"
	QueueFile       = "task_queue.json"
	ResultsFile     = "task_results.json"
	ArchiveFile     = "tasks.jsonl"

	// ResultOutputDir holds per-request completion files written when a
	// task carries a request_id.
	ResultOutputDir = "results"
)

// Store reads and writes the persisted documents under a data
// directory. Every mutating method frames its read-modify-write in an
// advisory lock on the target document.
type Store struct {
	dataDir     string
	lockTimeout time.Duration
}

// New returns a Store rooted at dataDir.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir, lockTimeout: lock.DefaultTimeout}
}

// DataDir returns the directory the store is rooted at.
func (s *Store) DataDir() string {
	return s.dataDir
}

// Path resolves a document name to its full path. Absolute names pass
// through so watched entry files can live outside the data directory.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.dataDir, name)
}

// WithDocLock runs fn while holding the advisory lock for the named
// document.
func (s *Store) WithDocLock(name string, fn func() error) error {
	return lock.WithLock(s.Path(name), s.lockTimeout, fn)
}

// readJSON decodes path into out. A missing file leaves out untouched
// so callers start from their zero document.
func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeJSON encodes v to path via a temp file and rename, so readers
// never observe a torn document.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

type rulesDoc struct {
	Rules map[string]map[string]any `json:"rules"`
}

// LoadRules returns the rules document as raw maps, preserving every
// key a caller stored.
func (s *Store) LoadRules() (map[string]map[string]any, error) {
	doc := rulesDoc{Rules: make(map[string]map[string]any)}
	if err := readJSON(s.Path(RulesFile), &doc); err != nil {
		return nil, err
	}
	if doc.Rules == nil {
		doc.Rules = make(map[string]map[string]any)
	}
	return doc.Rules, nil
}

// SaveRules writes the rules document.
func (s *Store) SaveRules(rules map[string]map[string]any) error {
	return writeJSON(s.Path(RulesFile), rulesDoc{Rules: rules})
}

// UpdateRules mutates the rules document under its lock.
func (s *Store) UpdateRules(fn func(rules map[string]map[string]any) error) error {
	return s.WithDocLock(RulesFile, func() error {
		rules, err := s.LoadRules()
		if err != nil {
			return err
		}
		if err := fn(rules); err != nil {
			return err
		}
		return s.SaveRules(rules)
	})
}

// DecodeRule converts a raw rule map into its typed view. The singular
// "post_action" and the "retry_delay_base" spellings are accepted as
// aliases for "post_actions" and "retry_delay_minutes".
func DecodeRule(raw map[string]any) (Rule, error) {
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		normalized[k] = v
	}
	if _, has := normalized["post_actions"]; !has {
		if pa, ok := normalized["post_action"]; ok {
			if list, isList := pa.([]any); isList {
				normalized["post_actions"] = list
			} else {
				normalized["post_actions"] = []any{pa}
			}
		}
	}
	if _, has := normalized["retry_delay_minutes"]; !has {
		if base, ok := normalized["retry_delay_base"]; ok {
			normalized["retry_delay_minutes"] = base
		}
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to encode rule: %w", err)
	}
	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return Rule{}, fmt.Errorf("failed to decode rule: %w", err)
	}
	return rule, nil
}

// EventType is a named predicate applied to entry updates before the
// rule condition runs.
type EventType struct {
	Test        string `json:"test"`
	Description string `json:"description,omitempty"`
}

// LoadEventTypes returns the event-type document.
func (s *Store) LoadEventTypes() (map[string]EventType, error) {
	doc := make(map[string]EventType)
	if err := readJSON(s.Path(EventTypesFile), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateEventTypes mutates the event-type document under its lock.
func (s *Store) UpdateEventTypes(fn func(types map[string]EventType) error) error {
	return s.WithDocLock(EventTypesFile, func() error {
		types, err := s.LoadEventTypes()
		if err != nil {
			return err
		}
		if err := fn(types); err != nil {
			return err
		}
		return writeJSON(s.Path(EventTypesFile), types)
	})
}

type entriesDoc struct {
	Entries map[string]Entry `json:"entries"`
}

// LoadEntries reads a watched entry file. A missing file is an empty
// set of entries, not an error.
func (s *Store) LoadEntries(file string) (map[string]Entry, error) {
	doc := entriesDoc{Entries: make(map[string]Entry)}
	if err := readJSON(s.Path(file), &doc); err != nil {
		return nil, err
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]Entry)
	}
	return doc.Entries, nil
}

// SaveEntries writes a watched entry file.
func (s *Store) SaveEntries(file string, entries map[string]Entry) error {
	return writeJSON(s.Path(file), entriesDoc{Entries: entries})
}

// UpdateEntries mutates an entry file under its lock.
func (s *Store) UpdateEntries(file string, fn func(entries map[string]Entry) error) error {
	return s.WithDocLock(file, func() error {
		entries, err := s.LoadEntries(file)
		if err != nil {
			return err
		}
		if err := fn(entries); err != nil {
			return err
		}
		return s.SaveEntries(file, entries)
	})
}

// UpdateEntryStatus sets the status of one entry under the file's lock.
// updated_at is always refreshed; status_changed_at only moves when the
// status actually changed. Extra fields are merged into the entry.
// It returns false when the entry does not exist.
func (s *Store) UpdateEntryStatus(file, key, status string, extra map[string]any) (bool, error) {
	found := false
	err := s.UpdateEntries(file, func(entries map[string]Entry) error {
		entry, ok := entries[key]
		if !ok {
			return nil
		}
		found = true
		now := Now()
		if entry.Status() != status {
			entry["status_changed_at"] = now
		}
		entry["status"] = status
		entry["updated_at"] = now
		for k, v := range extra {
			entry[k] = v
		}
		return nil
	})
	return found, err
}

// LoadEngineState reads the engine's poll-to-poll memory.
func (s *Store) LoadEngineState() (*EngineState, error) {
	st := NewEngineState()
	if err := readJSON(s.Path(EngineStateFile), st); err != nil {
		return nil, err
	}
	return st, nil
}

// SaveEngineState writes the engine's poll-to-poll memory.
func (s *Store) SaveEngineState(st *EngineState) error {
	return writeJSON(s.Path(EngineStateFile), st)
}

type queueDoc struct {
	Tasks map[string]Task `json:"tasks"`
}

// LoadQueue reads the supervisor task queue.
func (s *Store) LoadQueue() (map[string]Task, error) {
	doc := queueDoc{Tasks: make(map[string]Task)}
	if err := readJSON(s.Path(QueueFile), &doc); err != nil {
		return nil, err
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]Task)
	}
	return doc.Tasks, nil
}

// SaveQueue writes the supervisor task queue.
func (s *Store) SaveQueue(tasks map[string]Task) error {
	return writeJSON(s.Path(QueueFile), queueDoc{Tasks: tasks})
}

// UpdateQueue mutates the task queue under its lock.
func (s *Store) UpdateQueue(fn func(tasks map[string]Task) error) error {
	return s.WithDocLock(QueueFile, func() error {
		tasks, err := s.LoadQueue()
		if err != nil {
			return err
		}
		if err := fn(tasks); err != nil {
			return err
		}
		return s.SaveQueue(tasks)
	})
}

type resultsDoc struct {
	Results map[string]TaskResult `json:"results"`
}

// LoadResults reads the task results document.
func (s *Store) LoadResults() (map[string]TaskResult, error) {
	doc := resultsDoc{Results: make(map[string]TaskResult)}
	if err := readJSON(s.Path(ResultsFile), &doc); err != nil {
		return nil, err
	}
	if doc.Results == nil {
		doc.Results = make(map[string]TaskResult)
	}
	return doc.Results, nil
}

// SaveResults writes the task results document.
func (s *Store) SaveResults(results map[string]TaskResult) error {
	return writeJSON(s.Path(ResultsFile), resultsDoc{Results: results})
}

// UpdateResults mutates the results document under its lock.
func (s *Store) UpdateResults(fn func(results map[string]TaskResult) error) error {
	return s.WithDocLock(ResultsFile, func() error {
		results, err := s.LoadResults()
		if err != nil {
			return err
		}
		if err := fn(results); err != nil {
			return err
		}
		return s.SaveResults(results)
	})
}

// AppendArchive appends records to the JSONL archive. The archive is
// append-only; nothing reads it back.
func (s *Store) AppendArchive(records []TaskResult) error {
	if len(records) == 0 {
		return nil
	}
	path := s.Path(ArchiveFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to append to archive: %w", err)
		}
	}
	return nil
}
