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
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"

	"beatetl/internal/etl/core"
)

// recordNamespace scopes the name-based record ids.
var recordNamespace = uuid.MustParse("0b5e3f0e-6c1d-4c6e-9d0a-2f0c3b7a9e41")

// IdemShim adapts an IdempotentSink to core.Persister. It runs the
// aggregation transform and derives the record id from the buffer.
type IdemShim struct {
	sink IdempotentSink

	records    atomic.Int64
	heartbeats atomic.Int64
	failures   atomic.Int64
}

func NewIdemShim(sink IdempotentSink) *IdemShim { return &IdemShim{sink: sink} }

// Persist maps the accumulator to a Record and forwards it to the sink.
func (s *IdemShim) Persist(ctx context.Context, acc *core.Accumulator) error {
	rec := NewRecord(acc)
	if err := s.sink.Write(ctx, []Record{rec}); err != nil {
		s.failures.Add(1)
		return err
	}
	s.records.Add(1)
	s.heartbeats.Add(int64(rec.Payload.Summary.Count))
	return nil
}

// PrintFinalMetrics prints the shim's totals alongside the process counters.
func (s *IdemShim) PrintFinalMetrics() {
	core.PrintFinalSummary(core.PersistTotals{
		Buffers:    s.records.Load(),
		Heartbeats: s.heartbeats.Load(),
		Failed:     s.failures.Load(),
	})
}

// NewRecord builds the Record for acc.
func NewRecord(acc *core.Accumulator) Record {
	return Record{
		ID:         RecordID(acc),
		Payload:    core.BuildPayload(acc),
		Heartbeats: acc.Heartbeats(),
	}
}

// RecordID derives a name-based UUID from the user, the window, the event
// count and the contributing trace ids.
func RecordID(acc *core.Accumulator) string {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, uint64(acc.Start().UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(acc.End().UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(acc.Len()))
	for _, id := range acc.TraceIDs() {
		buf = append(buf, id[:]...)
	}
	user := acc.UserID()
	name := append(user[:], buf...)
	return uuid.NewSHA1(recordNamespace, name).String()
}
