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
	"time"

	"github.com/google/uuid"

	"beatetl/internal/etl/core"
	"beatetl/internal/etl/heartbeat"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// sampleAccumulator builds a buffer of three heartbeats across two paths and
// two domains.
func sampleAccumulator(user uuid.UUID) *core.Accumulator {
	b := heartbeat.Batch{
		TraceID: uuid.MustParse("11111111-1111-4111-8111-111111111111"),
		UserID:  user,
		List: []heartbeat.Heartbeat{
			{Path: "/docs/go", Domain: heartbeat.String("go.dev"), UserAgent: heartbeat.String("ff"), Time: epoch, CreatedAt: epoch},
			{Path: "/docs/go", Domain: heartbeat.String("go.dev"), UserAgent: heartbeat.String("ff"), Time: epoch.Add(time.Second), CreatedAt: epoch},
			{Path: "/blog", Domain: heartbeat.String("blog.dev"), Time: epoch.Add(3 * time.Second), CreatedAt: epoch},
		},
	}
	return core.NewAccumulator(b, epoch)
}

func sampleRecord() Record {
	return NewRecord(sampleAccumulator(uuid.MustParse("22222222-2222-4222-8222-222222222222")))
}

// recordingSink captures writes and can fail a fixed number of times.
type recordingSink struct {
	writes   [][]Record
	failures int
	err      error
}

func (s *recordingSink) Write(_ context.Context, records []Record) error {
	s.writes = append(s.writes, records)
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return nil
}
