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

package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Persister stores an evicted buffer. Implementations own retry, backoff and
// schema concerns; the core only waits for the call to return.
type Persister interface {
	Persist(ctx context.Context, acc *Accumulator) error
}

// FinalMetricsPrinter is implemented by persisters that can print an
// end-of-process summary. Call it after the final drain.
type FinalMetricsPrinter interface {
	PrintFinalMetrics()
}

// PersisterFunc adapts a plain function to Persister.
type PersisterFunc func(ctx context.Context, acc *Accumulator) error

func (f PersisterFunc) Persist(ctx context.Context, acc *Accumulator) error { return f(ctx, acc) }

// NewLogPersister returns a persister that logs every payload instead of
// storing it. It is used for demonstration and local runs.
func NewLogPersister(logger *slog.Logger) *LogPersister {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPersister{logger: logger.With("component", "log-persister")}
}

// LogPersister logs payload summaries and keeps totals for PrintFinalMetrics.
type LogPersister struct {
	logger *slog.Logger

	mu         sync.Mutex
	buffers    int64
	heartbeats int64
	nodes      int64
}

// Persist builds the payload for acc and logs it.
func (p *LogPersister) Persist(_ context.Context, acc *Accumulator) error {
	payload := BuildPayload(acc)
	p.logger.Info("persisting buffer",
		"user_id", payload.Summary.UserID,
		"from", payload.Summary.FromTime.Format(time.RFC3339),
		"to", payload.Summary.ToTime.Format(time.RFC3339),
		"heartbeats", payload.Summary.Count,
		"paths", payload.Summary.DistinctPaths,
		"domain_runs", len(payload.Domains),
		"agent_runs", len(payload.UserAgents),
	)
	p.mu.Lock()
	p.buffers++
	p.heartbeats += int64(payload.Summary.Count)
	p.nodes += int64(payload.Tree.Len())
	p.mu.Unlock()
	return nil
}

// PrintFinalMetrics prints a single summary once at the end of the process.
func (p *LogPersister) PrintFinalMetrics() {
	p.mu.Lock()
	totals := PersistTotals{Buffers: p.buffers, Heartbeats: p.heartbeats, TreeNodes: p.nodes}
	p.mu.Unlock()
	PrintFinalSummary(totals)
}

// PersistTotals are the figures a persister contributes to the final summary.
type PersistTotals struct {
	Buffers    int64
	Heartbeats int64
	Failed     int64
	TreeNodes  int64
}

// PrintFinalSummary renders the process totals and configured thresholds.
func PrintFinalSummary(t PersistTotals) {
	batches, ingested, evictions := getEventTotals()

	th := getThresholdSnapshot()
	keys := make([]string, 0, len(th))
	for k := range th {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	yellow := "\x1b[33m"
	reset := "\x1b[0m"
	now := time.Now().Format(time.RFC3339)

	reduction := "n/a"
	if batches > 0 {
		r := 1.0 - float64(t.Buffers)/float64(batches)
		if r < 0 {
			r = 0
		}
		reduction = fmt.Sprintf("%.1f%%", r*100)
	}

	sep := strings.Repeat("-", 60)
	fmt.Printf("%s[%s] Final persistence metrics\n", yellow, now)
	fmt.Println(sep)
	fmt.Printf("%-22s %12s\n", "Metric", "Value")
	fmt.Println(sep)
	fmt.Printf("%-22s %12d\n", "Batches ingested", batches)
	fmt.Printf("%-22s %12d\n", "Heartbeats ingested", ingested)
	fmt.Printf("%-22s %12d\n", "Evictions", evictions)
	fmt.Printf("%-22s %12d\n", "Buffers persisted", t.Buffers)
	fmt.Printf("%-22s %12d\n", "Heartbeats persisted", t.Heartbeats)
	fmt.Printf("%-22s %12d\n", "Persist failures", t.Failed)
	if t.TreeNodes > 0 {
		fmt.Printf("%-22s %12d\n", "Tree nodes", t.TreeNodes)
	}
	fmt.Printf("%-22s %12s\n", "Write reduction", reduction)
	fmt.Println(sep)

	if len(keys) > 0 {
		fmt.Printf("Configured thresholds\n")
		fmt.Println(sep)
		fmt.Printf("%-30s %24s\n", "Name", "Value")
		fmt.Println(sep)
		for _, k := range keys {
			fmt.Printf("%-30s %24s\n", k, th[k])
		}
		fmt.Println(sep)
	}
	fmt.Print(reset)
}
