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

package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
)

type point struct {
	ts        time.Time
	batches   int64
	evictions int64
}

// counters feeds the rolling reduction ratio independently of Prometheus so
// the reporter never has to gather the registry.
type counters struct {
	batches   atomic.Int64
	evictions atomic.Int64
}

func (c *counters) addBatch()            { c.batches.Add(1) }
func (c *counters) addEvictions(n int)   { c.evictions.Add(int64(n)) }
func (c *counters) load() (int64, int64) { return c.batches.Load(), c.evictions.Load() }

var (
	window counters

	reporterMu     sync.Mutex
	reporterCancel context.CancelFunc
	reporterTicker quartz.Waiter

	pointsMu sync.Mutex
	points   []point
)

func startOrUpdateReporter(cfg Config) {
	reporterMu.Lock()
	defer reporterMu.Unlock()

	if reporterCancel != nil {
		reporterCancel()
		_ = reporterTicker.Wait()
		reporterCancel, reporterTicker = nil, nil
	}
	if cfg.LogInterval <= 0 {
		return
	}
	clk := cfg.Clock
	if clk == nil {
		clk = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	reporterCancel = cancel
	reporterTicker = clk.TickerFunc(ctx, cfg.LogInterval, func() error {
		publishSnapshot(cfg, clk.Now())
		return nil
	}, "metrics", "reporter")
}

// publishSnapshot records a point, trims the window and logs the ratio.
func publishSnapshot(cfg Config, now time.Time) {
	b, e := window.load()
	ratio, db, de := recordPoint(now, b, e, cfg.Window)
	reductionRatio.Set(ratio)
	cfg.Logger.Info("batch reduction",
		"window", cfg.Window,
		"batches", db,
		"evictions", de,
		"reduction_ratio", ratio,
	)
}

// recordPoint appends a sample and returns the reduction ratio over window
// together with the batch and eviction deltas it was computed from.
func recordPoint(now time.Time, batches, evictions int64, window time.Duration) (float64, int64, int64) {
	pointsMu.Lock()
	defer pointsMu.Unlock()

	points = append(points, point{ts: now, batches: batches, evictions: evictions})
	cut := now.Add(-window)
	i := 0
	for i < len(points)-1 && points[i+1].ts.Before(cut) {
		i++
	}
	points = points[i:]

	first := points[0]
	db := batches - first.batches
	de := evictions - first.evictions
	if len(points) == 1 {
		db, de = batches, evictions
	}
	return reduction(db, de), db, de
}

func reduction(batches, evictions int64) float64 {
	if batches <= 0 {
		return 0
	}
	r := 1 - float64(evictions)/float64(batches)
	if r < 0 {
		return 0
	}
	return r
}

// resetForTests clears the rolling state.
func resetForTests() {
	pointsMu.Lock()
	points = nil
	pointsMu.Unlock()
	window.batches.Store(0)
	window.evictions.Store(0)
}

