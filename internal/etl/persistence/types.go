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

// Package persistence provides idempotent sinks for evicted heartbeat buffers
// (Redis, Kafka, Postgres and SQLite) and the shim that adapts them to the
// core persister interface.
//
// Every sink receives Records carrying a stable idempotency id. Writing the
// same Record twice (retry, redelivery, crash between write and ack) must be
// a no-op the second time.
package persistence

import (
	"context"
	"errors"

	"beatetl/internal/etl/core"
	"beatetl/internal/etl/heartbeat"
)

// ErrUnknownAdapter is returned by BuildPersister for an unrecognized selector.
var ErrUnknownAdapter = errors.New("unknown persistence adapter")

// Record is the sink-facing shape of one evicted buffer.
//
//   - ID: idempotency key, derived from the buffer's contents so that a
//     re-evicted identical buffer maps to the same id.
//   - Payload: the aggregation transform's output.
//   - Heartbeats: the raw events, for sinks that archive them.
type Record struct {
	ID         string
	Payload    core.Payload
	Heartbeats []heartbeat.Heartbeat
}

// IdempotentSink writes records. Implementations must make a duplicate ID a
// no-op and should be safe to retry.
type IdempotentSink interface {
	Write(ctx context.Context, records []Record) error
}

// SinkFunc adapts a function to IdempotentSink.
type SinkFunc func(ctx context.Context, records []Record) error

func (f SinkFunc) Write(ctx context.Context, records []Record) error { return f(ctx, records) }

// Fanout writes to every sink in order and joins their errors. A failing
// sink does not stop the others.
func Fanout(sinks ...IdempotentSink) IdempotentSink {
	return SinkFunc(func(ctx context.Context, records []Record) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Write(ctx, records); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
