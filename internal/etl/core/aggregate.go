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
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"

	"beatetl/internal/etl/heartbeat"
	"beatetl/pkg/pathtree"
)

// Summary describes the time window of an evicted buffer.
type Summary struct {
	UserID        uuid.UUID     `json:"user_id"`
	FromTime      time.Time     `json:"from_time"`
	ToTime        time.Time     `json:"to_time"`
	Count         int           `json:"count"`
	DistinctPaths int           `json:"distinct_paths"`
	TraceIDs      []uuid.UUID   `json:"trace_ids"`
	GapP50        time.Duration `json:"gap_p50"`
	GapP95        time.Duration `json:"gap_p95"`
}

// Payload is what a persister stores for one evicted buffer: the summary,
// one path tree of event times, and the contiguous-run histograms by domain
// and by user agent.
type Payload struct {
	Summary    Summary                    `json:"summary"`
	Tree       *pathtree.Tree[[]time.Time] `json:"tree"`
	Domains    []Group                    `json:"domains"`
	UserAgents []Group                    `json:"user_agents"`
}

// BuildPayload runs the aggregation transform over acc.
func BuildPayload(acc *Accumulator) Payload {
	summary, tree := acc.SummaryAndTree()
	return Payload{
		Summary:    summary,
		Tree:       tree,
		Domains:    acc.Grouped(ByDomain),
		UserAgents: acc.Grouped(ByUserAgent),
	}
}

// gapQuantiles returns the p50 and p95 of the time between consecutive
// heartbeats in arrival order. Fewer than two events yield zeros.
func gapQuantiles(beats []heartbeat.Heartbeat) (p50, p95 time.Duration) {
	if len(beats) < 2 {
		return 0, 0
	}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return 0, 0
	}
	for i := 1; i < len(beats); i++ {
		gap := beats[i].Time.Sub(beats[i-1].Time)
		if gap < 0 {
			gap = -gap
		}
		_ = sketch.Add(gap.Seconds())
	}
	return quantile(sketch, 0.5), quantile(sketch, 0.95)
}

func quantile(s *ddsketch.DDSketch, q float64) time.Duration {
	v, err := s.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
