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

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"beatetl/internal/etl/core"
	"beatetl/internal/etl/heartbeat"
	"beatetl/internal/etl/persistence"
)

// Test_SQLitePipeline drives the worker into the real SQL sink and checks
// that a redelivered buffer does not duplicate rows.
func Test_SQLitePipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.db")
	require.NoError(t, persistence.Migrate("sqlite://"+path, "up"))

	ctx := context.Background()
	built, err := persistence.BuildPersister(ctx, "sqlite", persistence.Options{SQLitePath: path, ArchiveBeats: true})
	require.NoError(t, err)
	defer built.Close()

	store := core.NewStore(core.StoreOptions{Limits: core.Limits{MaxLength: 4}})
	worker := core.NewWorker(store, built.Persister, core.WorkerOptions{})

	user := uuid.New()
	batch := func(sec int, paths ...string) heartbeat.Batch {
		b := heartbeat.Batch{TraceID: uuid.New(), UserID: user}
		for i, p := range paths {
			b.List = append(b.List, heartbeat.Heartbeat{
				Path:   p,
				Domain: heartbeat.String("example.com"),
				Time:   epoch.Add(time.Duration(sec+i) * time.Second),
			})
		}
		return b
	}

	evicted, err := worker.Ingest(ctx, batch(0, "/x", "/x"))
	require.NoError(t, err)
	require.False(t, evicted)
	evicted, err = worker.Ingest(ctx, batch(2, "/y", "/x/z"))
	require.NoError(t, err)
	require.True(t, evicted)
	tail := batch(10, "/tail")
	_, err = worker.Ingest(ctx, tail)
	require.NoError(t, err)

	res, err := worker.Stop()
	require.NoError(t, err)
	require.Equal(t, 1, res.Buffers)
	require.Equal(t, 0, res.Failed)

	db, err := persistence.OpenDB(ctx, persistence.SQLite, path)
	require.NoError(t, err)
	defer db.Close()

	count := func(q string, args ...any) int {
		var n int
		require.NoError(t, db.QueryRowContext(ctx, q, args...).Scan(&n))
		return n
	}
	require.Equal(t, 2, count("SELECT COUNT(*) FROM buffer_summaries"))
	require.Equal(t, 5, count("SELECT COUNT(*) FROM heartbeats"))
	require.Equal(t, 2, count("SELECT hits FROM buffer_paths WHERE path = ?", "/x"))

	// Redeliver the tail buffer under its original id.
	acc := core.NewAccumulator(tail, epoch)
	require.NoError(t, built.Persister.Persist(ctx, acc))
	require.Equal(t, 2, count("SELECT COUNT(*) FROM buffer_summaries"))
	require.Equal(t, 5, count("SELECT COUNT(*) FROM heartbeats"))
}
