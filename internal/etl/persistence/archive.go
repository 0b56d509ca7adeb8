// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package persistence

import (
	"context"
	"fmt"
	"sync"

	"beatetl/internal/etl/core"
	"beatetl/internal/sinks"
)

// ParquetArchive stores each record's raw heartbeats as a Parquet file.
func ParquetArchive(s *sinks.ParquetSink) IdempotentSink {
	return SinkFunc(func(ctx context.Context, records []Record) error {
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			user := rec.Payload.Summary.UserID.String()
			if err := s.WriteRecord(user, rec.ID, HeartbeatRows(rec)); err != nil {
				return fmt.Errorf("parquet archive record=%s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// HeartbeatRows flattens a record into Parquet rows.
func HeartbeatRows(rec Record) []sinks.HeartbeatRow {
	user := rec.Payload.Summary.UserID.String()
	rows := make([]sinks.HeartbeatRow, len(rec.Heartbeats))
	for i, hb := range rec.Heartbeats {
		rows[i] = sinks.HeartbeatRow{
			RecordID:    rec.ID,
			UserID:      user,
			Seq:         int32(i),
			Path:        hb.Path,
			Entity:      deref(hb.Entity),
			Category:    deref(hb.Category),
			Browser:     deref(hb.Browser),
			Domain:      deref(hb.Domain),
			UserAgent:   deref(hb.UserAgent),
			TimeMs:      hb.Time.UnixMilli(),
			CreatedAtMs: hb.CreatedAt.UnixMilli(),
		}
	}
	return rows
}

// JSONLEntry is one line of the payload log.
type JSONLEntry struct {
	RecordID string       `json:"record_id"`
	Payload  core.Payload `json:"payload"`
}

// jsonlRecentIDs bounds how many appended record ids the JSONL archive
// remembers.
const jsonlRecentIDs = 4096

// JSONLArchive appends payloads to a JSONL log. Record ids appended by this
// process recently are skipped, so a fanout retry caused by another sink does
// not repeat the line. Across restarts the log may still hold duplicates;
// readers keep the first entry per record_id.
func JSONLArchive(s *sinks.JSONLSink) IdempotentSink {
	return &jsonlArchive{sink: s, seen: make(map[string]struct{}, jsonlRecentIDs)}
}

type jsonlArchive struct {
	sink *sinks.JSONLSink

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func (a *jsonlArchive) Write(_ context.Context, records []Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		entries []any
		ids     []string
	)
	batch := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, dup := a.seen[rec.ID]; dup {
			continue
		}
		if _, dup := batch[rec.ID]; dup {
			continue
		}
		batch[rec.ID] = struct{}{}
		entries = append(entries, JSONLEntry{RecordID: rec.ID, Payload: rec.Payload})
		ids = append(ids, rec.ID)
	}
	if len(entries) == 0 {
		return nil
	}
	if err := a.sink.Append(entries...); err != nil {
		return err
	}
	for _, id := range ids {
		a.remember(id)
	}
	return nil
}

func (a *jsonlArchive) remember(id string) {
	if _, ok := a.seen[id]; ok {
		return
	}
	if len(a.order) == jsonlRecentIDs {
		delete(a.seen, a.order[0])
		a.order = a.order[1:]
	}
	a.seen[id] = struct{}{}
	a.order = append(a.order, id)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
