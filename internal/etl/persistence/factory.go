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
	"io"
	"log/slog"
	"strings"
	"time"

	"beatetl/internal/etl/core"
	"beatetl/internal/sinks"
)

// Options holds the knobs for building persisters from configuration.
type Options struct {
	RedisAddr       string // empty selects the logging client
	RedisMarkerTTL  time.Duration
	RedisPayloadTTL time.Duration

	KafkaBrokers []string // empty selects the logging producer
	KafkaTopic   string

	PostgresURL  string
	SQLitePath   string
	ArchiveBeats bool

	ParquetDir string
	JSONLPath  string

	Retry  RetryPolicy
	Logger *slog.Logger
}

// Built is a persister plus the resources that must be closed after the
// final drain.
type Built struct {
	Persister core.Persister
	closers   []io.Closer
}

// Close releases every resource opened by BuildPersister.
func (b *Built) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildPersister constructs a core.Persister from a selector. Several sink
// adapters may be combined with commas ("sqlite,parquet"); they are written
// in order through Fanout.
//
// Supported adapters:
//   - "log" or "": logs payloads (default)
//   - "redis": Lua-scripted idempotent writes; logging client without RedisAddr
//   - "kafka": payload messages; logging producer without KafkaBrokers
//   - "postgres": SQL sink over pgx
//   - "sqlite": SQL sink over modernc.org/sqlite
//   - "parquet": heartbeat archive files
//   - "jsonl": append-only payload log
func BuildPersister(ctx context.Context, adapter string, opts Options) (*Built, error) {
	lg := logger(opts.Logger)
	if adapter == "" || adapter == "log" {
		return &Built{Persister: core.NewLogPersister(lg)}, nil
	}

	b := &Built{}
	var targets []IdempotentSink
	for _, name := range strings.Split(adapter, ",") {
		sink, closer, err := buildSink(ctx, strings.TrimSpace(name), opts, lg)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		if closer != nil {
			b.closers = append(b.closers, closer)
		}
		targets = append(targets, sink)
	}
	sink := targets[0]
	if len(targets) > 1 {
		sink = Fanout(targets...)
	}
	b.Persister = NewIdemShim(WithRetry(sink, opts.Retry))
	return b, nil
}

func buildSink(ctx context.Context, name string, opts Options, lg *slog.Logger) (IdempotentSink, io.Closer, error) {
	switch name {
	case "redis":
		if opts.RedisAddr == "" {
			return NewRedisSink(LoggingRedisEvaler{Logger: lg}, opts.RedisMarkerTTL, opts.RedisPayloadTTL), nil, nil
		}
		ev := NewGoRedisEvaler(opts.RedisAddr)
		return NewRedisSink(ev, opts.RedisMarkerTTL, opts.RedisPayloadTTL), ev, nil
	case "kafka":
		topic := opts.KafkaTopic
		if topic == "" {
			topic = "beatetl-payloads"
		}
		if len(opts.KafkaBrokers) == 0 {
			return NewKafkaSink(LoggingKafkaProducer{Logger: lg}, topic), nil, nil
		}
		p := NewSegmentioProducer(opts.KafkaBrokers)
		return NewKafkaSink(p, topic), p, nil
	case "postgres":
		if opts.PostgresURL == "" {
			return nil, nil, fmt.Errorf("postgres adapter requires a database url")
		}
		db, err := OpenDB(ctx, Postgres, opts.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLSink(db, Postgres, opts.ArchiveBeats), db, nil
	case "sqlite":
		if opts.SQLitePath == "" {
			return nil, nil, fmt.Errorf("sqlite adapter requires a database path")
		}
		db, err := OpenDB(ctx, SQLite, opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLSink(db, SQLite, opts.ArchiveBeats), db, nil
	case "parquet":
		if opts.ParquetDir == "" {
			return nil, nil, fmt.Errorf("parquet adapter requires a directory")
		}
		return ParquetArchive(sinks.NewParquetSink(opts.ParquetDir)), nil, nil
	case "jsonl":
		if opts.JSONLPath == "" {
			return nil, nil, fmt.Errorf("jsonl adapter requires a file path")
		}
		s, err := sinks.NewJSONLSink(opts.JSONLPath)
		if err != nil {
			return nil, nil, err
		}
		return JSONLArchive(s), s, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
}
