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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"beatetl/internal/etl/core"
)

// Dialect selects the driver name and placeholder style.
type Dialect int

const (
	Postgres Dialect = iota // pgx stdlib, $n placeholders
	SQLite                  // modernc.org/sqlite, ? placeholders
)

// DriverName is the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == SQLite {
		return "sqlite"
	}
	return "pgx"
}

// rebind rewrites ? placeholders for d. Queries in this file never contain
// literal question marks.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// Schema (see migrations/):
//
//	buffer_summaries(id PK, user_id, from_time, to_time, heartbeat_count, distinct_paths, trace_ids, gap_p50_ms, gap_p95_ms)
//	buffer_paths(summary_id, node_id, parent_id, segment, path, hits, first_time, last_time)
//	buffer_groups(summary_id, dimension, seq, tag, hits, first_time, last_time)
//	heartbeats(summary_id, seq, user_id, path, entity, category, browser, domain, user_agent, time, created_at)
//
// Idempotent transaction per record:
//
//	INSERT INTO buffer_summaries(...) VALUES (...) ON CONFLICT DO NOTHING;
//	-- zero rows affected: the record was already written, skip the children.
//	INSERT INTO buffer_paths ...; INSERT INTO buffer_groups ...; INSERT INTO heartbeats ...

const (
	insertSummarySQL = `INSERT INTO buffer_summaries(id, user_id, from_time, to_time, heartbeat_count, distinct_paths, trace_ids, gap_p50_ms, gap_p95_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	insertPathSQL = `INSERT INTO buffer_paths(summary_id, node_id, parent_id, segment, path, hits, first_time, last_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	insertGroupSQL = `INSERT INTO buffer_groups(summary_id, dimension, seq, tag, hits, first_time, last_time)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	insertHeartbeatSQL = `INSERT INTO heartbeats(summary_id, seq, user_id, path, entity, category, browser, domain, user_agent, time, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// SQLSink writes records into the relational schema, one transaction per record.
type SQLSink struct {
	db             *sql.DB
	dialect        Dialect
	archiveBeats   bool
	defaultTimeout time.Duration
}

// NewSQLSink creates a sink. When archiveHeartbeats is true the raw events
// are stored alongside the aggregates.
func NewSQLSink(db *sql.DB, dialect Dialect, archiveHeartbeats bool) *SQLSink {
	return &SQLSink{db: db, dialect: dialect, archiveBeats: archiveHeartbeats, defaultTimeout: 10 * time.Second}
}

// OpenDB opens and pings a database for d.
func OpenDB(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, err
	}
	if d == SQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.DriverName(), err)
	}
	return db, nil
}

func (s *SQLSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.defaultTimeout)
		defer cancel()
	}
	for _, rec := range records {
		if rec.ID == "" {
			return errors.New("Record.ID must be set")
		}
		if err := s.writeOne(ctx, rec); err != nil {
			return fmt.Errorf("write record %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (s *SQLSink) writeOne(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// Ensure rollback on any failure.
	defer func() {
		_ = tx.Rollback()
	}()

	sum := rec.Payload.Summary
	traces, err := json.Marshal(sum.TraceIDs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(insertSummarySQL),
		rec.ID, sum.UserID.String(), sum.FromTime.UTC(), sum.ToTime.UTC(), sum.Count, sum.DistinctPaths,
		string(traces), sum.GapP50.Milliseconds(), sum.GapP95.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert buffer_summaries: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already applied.
		return tx.Commit()
	}

	for _, node := range rec.Payload.Tree.Flatten() {
		first, last := timeBounds(node.Payload)
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(insertPathSQL),
			rec.ID, int(node.ID), int(node.Parent), node.Segment, node.Path, len(node.Payload), first, last); err != nil {
			return fmt.Errorf("insert buffer_paths(%s): %w", node.Path, err)
		}
	}
	dims := []struct {
		name   string
		groups []core.Group
	}{{"domain", rec.Payload.Domains}, {"user_agent", rec.Payload.UserAgents}}
	for _, d := range dims {
		dim := d.name
		for seq, g := range d.groups {
			first, last := timeBounds(g.Times)
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(insertGroupSQL),
				rec.ID, dim, seq, g.Key, len(g.Times), first, last); err != nil {
				return fmt.Errorf("insert buffer_groups(%s/%d): %w", dim, seq, err)
			}
		}
	}
	if s.archiveBeats {
		for seq, hb := range rec.Heartbeats {
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(insertHeartbeatSQL),
				rec.ID, seq, sum.UserID.String(), hb.Path,
				nullable(hb.Entity), nullable(hb.Category), nullable(hb.Browser), nullable(hb.Domain), nullable(hb.UserAgent),
				hb.Time.UTC(), hb.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("insert heartbeats(%d): %w", seq, err)
			}
		}
	}
	return tx.Commit()
}

// timeBounds returns min and max of ts, or NULLs when ts is empty.
func timeBounds(ts []time.Time) (sql.NullTime, sql.NullTime) {
	if len(ts) == 0 {
		return sql.NullTime{}, sql.NullTime{}
	}
	lo, hi := ts[0], ts[0]
	for _, t := range ts[1:] {
		if t.Before(lo) {
			lo = t
		}
		if t.After(hi) {
			hi = t
		}
	}
	return sql.NullTime{Time: lo.UTC(), Valid: true}, sql.NullTime{Time: hi.UTC(), Valid: true}
}

func nullable(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

