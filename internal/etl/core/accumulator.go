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

// Package core implements the per-user heartbeat buffering engine: the
// Accumulator, the sharded Store that owns accumulators, the aggregation
// transform that turns an evicted buffer into a storable payload, and the
// background Worker that sweeps and drains the store.
package core

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"beatetl/internal/etl/heartbeat"
	"beatetl/pkg/pathtree"
)

// Limits holds the two fullness thresholds. A zero or negative value
// disables the corresponding check.
type Limits struct {
	MaxLength int           // BUFFER_MAX_LENGTH: heartbeat count
	MaxSpan   time.Duration // BUFFER_MAX_TIME: end - start
}

// Accumulator is the in-memory buffer for a single user. It is only ever
// touched by the goroutine holding the user's slot in a Store, or by the
// owner it was evicted to.
type Accumulator struct {
	userID  uuid.UUID
	start   time.Time
	end     time.Time
	bounded bool // false until an event time has been observed
	beats   []heartbeat.Heartbeat
	traces  []uuid.UUID
	touched time.Time
}

// NewAccumulator creates a buffer from the first batch seen for a user.
// The window is [min, max] of the batch's event times; an empty batch opens
// a zero-width window at now.
func NewAccumulator(batch heartbeat.Batch, now time.Time) *Accumulator {
	a := &Accumulator{userID: batch.UserID, start: now, end: now}
	a.Add(batch, now)
	return a
}

// Add appends the batch's heartbeats in arrival order and widens the window
// to cover their event times.
func (a *Accumulator) Add(batch heartbeat.Batch, now time.Time) {
	a.beats = append(a.beats, batch.List...)
	a.traces = append(a.traces, batch.TraceID)
	for _, hb := range batch.List {
		a.widen(hb.Time)
	}
	a.touched = now
}

func (a *Accumulator) widen(ts time.Time) {
	if !a.bounded {
		a.start, a.end, a.bounded = ts, ts, true
		return
	}
	if ts.Before(a.start) {
		a.start = ts
	}
	if ts.After(a.end) {
		a.end = ts
	}
}

// IsFull reports whether the buffer is ready for eviction. An empty buffer
// is never full.
func (a *Accumulator) IsFull(l Limits) bool {
	if len(a.beats) == 0 {
		return false
	}
	if l.MaxLength > 0 && len(a.beats) >= l.MaxLength {
		return true
	}
	return l.MaxSpan > 0 && a.end.Sub(a.start) >= l.MaxSpan
}

func (a *Accumulator) UserID() uuid.UUID  { return a.userID }
func (a *Accumulator) Start() time.Time   { return a.start }
func (a *Accumulator) End() time.Time     { return a.end }
func (a *Accumulator) Len() int           { return len(a.beats) }
func (a *Accumulator) Touched() time.Time { return a.touched }

// TraceIDs returns the trace ids of every batch folded into the buffer.
func (a *Accumulator) TraceIDs() []uuid.UUID {
	return append([]uuid.UUID(nil), a.traces...)
}

// Heartbeats returns a copy of the buffered events in arrival order.
func (a *Accumulator) Heartbeats() []heartbeat.Heartbeat {
	return append([]heartbeat.Heartbeat(nil), a.beats...)
}

// SummaryAndTree builds the window summary and a path tree holding every
// event time at its pathline.
func (a *Accumulator) SummaryAndTree() (Summary, *pathtree.Tree[[]time.Time]) {
	tree := pathtree.New[[]time.Time]()
	distinct := 0
	for _, hb := range a.beats {
		ts := hb.Time
		id := tree.Insert(hb.Path, func(p *[]time.Time) { *p = append(*p, ts) })
		if v, _ := tree.Payload(id); len(v) == 1 {
			distinct++
		}
	}
	s := Summary{
		UserID:        a.userID,
		FromTime:      a.start,
		ToTime:        a.end,
		Count:         len(a.beats),
		DistinctPaths: distinct,
		TraceIDs:      a.TraceIDs(),
	}
	s.GapP50, s.GapP95 = gapQuantiles(a.beats)
	return s, tree
}

// PathShape returns a presence-only tree of the buffered pathlines.
func (a *Accumulator) PathShape() *pathtree.Tree[pathtree.Presence] {
	tree := pathtree.NewPresence()
	for _, hb := range a.beats {
		tree.Touch(hb.Path)
	}
	return tree
}

// Group is one contiguous run of heartbeats sharing a key.
type Group struct {
	Key   string      `json:"key"`
	Times []time.Time `json:"times"`
}

// TagSelector extracts the grouping key of a heartbeat.
type TagSelector func(heartbeat.Heartbeat) string

// ByTag groups on a single categorical tag; absent tags map to "".
func ByTag(t heartbeat.Tag) TagSelector {
	return func(h heartbeat.Heartbeat) string { return h.Tag(t) }
}

var (
	ByDomain    = ByTag(heartbeat.TagDomain)
	ByUserAgent = ByTag(heartbeat.TagUserAgent)
	ByBrowser   = ByTag(heartbeat.TagBrowser)
	ByCategory  = ByTag(heartbeat.TagCategory)
	ByEntity    = ByTag(heartbeat.TagEntity)
)

// CompositeSep joins the parts of a composite key.
const CompositeSep = "\x1f"

// Composite keys on several selectors at once.
func Composite(sels ...TagSelector) TagSelector {
	return func(h heartbeat.Heartbeat) string {
		parts := make([]string, len(sels))
		for i, s := range sels {
			parts[i] = s(h)
		}
		return strings.Join(parts, CompositeSep)
	}
}

// Grouped splits the buffer into runs of adjacent heartbeats with an equal
// key. A key that reappears after a different one starts a new group.
func (a *Accumulator) Grouped(sel TagSelector) []Group {
	var out []Group
	for _, hb := range a.beats {
		k := sel(hb)
		if n := len(out); n > 0 && out[n-1].Key == k {
			out[n-1].Times = append(out[n-1].Times, hb.Time)
			continue
		}
		out = append(out, Group{Key: k, Times: []time.Time{hb.Time}})
	}
	return out
}
