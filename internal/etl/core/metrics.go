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

// Package core contains shared, process-level counters used for the final
// end-of-process summary. They are atomic to stay off the ingest hot path.
package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	batchesIngested    atomic.Int64
	heartbeatsIngested atomic.Int64
	evictions          atomic.Int64

	// thresholds holds human-readable configuration thresholds captured at runtime.
	thresholdsMu sync.RWMutex
	thresholds   = make(map[string]string)
)

// RecordBatch counts one ingested batch of n heartbeats.
func RecordBatch(n int) {
	batchesIngested.Add(1)
	if n > 0 {
		heartbeatsIngested.Add(int64(n))
	}
}

// RecordEviction counts buffers the worker handed to the persister, whether
// evicted on ingest, by a sweep or by a flush.
func RecordEviction(n int) {
	if n > 0 {
		evictions.Add(int64(n))
	}
}

// Threshold setters capture important runtime thresholds/config knobs for final printing.
func SetThreshold(name string, value string) {
	thresholdsMu.Lock()
	thresholds[name] = value
	thresholdsMu.Unlock()
}

func SetThresholdInt64(name string, v int64) { SetThreshold(name, fmt.Sprintf("%d", v)) }
func SetThresholdDuration(name string, d time.Duration) { SetThreshold(name, d.String()) }
func SetThresholdString(name, v string) { SetThreshold(name, v) }

func getEventTotals() (batches, heartbeats, evicted int64) {
	return batchesIngested.Load(), heartbeatsIngested.Load(), evictions.Load()
}

// getThresholdSnapshot returns a copy of thresholds for stable iteration/printing.
func getThresholdSnapshot() map[string]string {
	thresholdsMu.RLock()
	defer thresholdsMu.RUnlock()
	out := make(map[string]string, len(thresholds))
	for k, v := range thresholds {
		out[k] = v
	}
	return out
}

// resetEventTotals resets counters to zero. Intended for tests only.
func resetEventTotals() {
	batchesIngested.Store(0)
	heartbeatsIngested.Store(0)
	evictions.Store(0)
}

// resetThresholdsForTests clears the thresholds registry. Intended for tests only.
func resetThresholdsForTests() {
	thresholdsMu.Lock()
	defer thresholdsMu.Unlock()
	for k := range thresholds {
		delete(thresholds, k)
	}
}
