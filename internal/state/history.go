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

import "time"

// HistoryRetention is how long execution records are kept. Records
// older than this are dropped on every append.
const HistoryRetention = 30 * 24 * time.Hour

// DefaultHistoryLimit caps query results when the caller sets no limit.
const DefaultHistoryLimit = 100

// AppendHistory appends a record to the execution history and prunes
// records past the retention window, all under the document lock.
func (s *Store) AppendHistory(rec HistoryRecord) error {
	return s.WithDocLock(HistoryFile, func() error {
		var records []HistoryRecord
		if err := readJSON(s.Path(HistoryFile), &records); err != nil {
			return err
		}
		records = append(records, rec)

		cutoff := time.Now().Add(-HistoryRetention)
		kept := records[:0]
		for _, r := range records {
			if t, ok := ParseTime(r.Timestamp); ok && t.Before(cutoff) {
				continue
			}
			kept = append(kept, r)
		}
		return writeJSON(s.Path(HistoryFile), kept)
	})
}

// HistoryFilter narrows a history query. Zero values mean no filter.
type HistoryFilter struct {
	RuleID string
	Since  time.Time
	Result string
	Limit  int
}

// QueryHistory returns matching records newest first, capped at the
// filter limit (default 100).
func (s *Store) QueryHistory(filter HistoryFilter) ([]HistoryRecord, error) {
	var records []HistoryRecord
	if err := readJSON(s.Path(HistoryFile), &records); err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	matched := make([]HistoryRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if filter.RuleID != "" && r.RuleID != filter.RuleID {
			continue
		}
		if filter.Result != "" && r.Result != filter.Result {
			continue
		}
		if !filter.Since.IsZero() {
			t, ok := ParseTime(r.Timestamp)
			if !ok || t.Before(filter.Since) {
				continue
			}
		}
		matched = append(matched, r)
		if len(matched) >= limit {
			break
		}
	}
	return matched, nil
}
