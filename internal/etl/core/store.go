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
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"beatetl/internal/etl/heartbeat"
	"beatetl/internal/etl/telemetry/metrics"
)

// gateWeight is the capacity of the store-wide gate. Per-key operations hold
// one unit; Flush holds all of them.
const gateWeight = 1 << 30

const defaultShards = 64

// slot is the independently lockable cell for one user id.
//
// refs and live are guarded by the owning shard's mutex. acc is guarded by
// sem: only the goroutine holding sem may read or replace it.
type slot struct {
	sem  *semaphore.Weighted
	refs int
	live bool
	acc  *Accumulator
}

type shard struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*slot
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Limits Limits
	// Shards is rounded up to a power of two. Defaults to 64.
	Shards int
	// FlushConcurrency caps the persist goroutines spawned by Flush. Zero
	// means one goroutine per buffer.
	FlushConcurrency int
	Clock            quartz.Clock
	Logger           *slog.Logger
}

// Store owns every live Accumulator, keyed by user id.
//
// Operations on one user are serialized in acquisition order. Operations on
// different users never wait on each other, except behind a pending Flush,
// which is the only operation that excludes the whole map.
type Store struct {
	limits   Limits
	flushCap int
	clock    quartz.Clock
	logger   *slog.Logger

	gate   *semaphore.Weighted
	shards []shard
	mask   uint64

	buffers  atomic.Int64
	buffered atomic.Int64
}

// NewStore creates an empty store. It must be drained with Flush before the
// process exits or buffered heartbeats are lost.
func NewStore(opts StoreOptions) *Store {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	n = nextPow2(n)
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		limits:   opts.Limits,
		flushCap: opts.FlushConcurrency,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "store"),
		gate:     semaphore.NewWeighted(gateWeight),
		shards:   make([]shard, n),
		mask:     uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i].slots = make(map[uuid.UUID]*slot)
	}
	return s
}

// Limits returns the fullness thresholds the store evaluates.
func (s *Store) Limits() Limits { return s.limits }

func (s *Store) shardFor(id uuid.UUID) *shard {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return &s.shards[h.Sum64()&s.mask]
}

// lock acquires exclusive access to id's slot. The returned release func
// must be called exactly once; it is safe to defer.
func (s *Store) lock(ctx context.Context, id uuid.UUID) (*slot, func(), error) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		metrics.ObserveLockError()
		return nil, nil, &LockError{UserID: id, Err: err}
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	sl, ok := sh.slots[id]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(1)}
		sh.slots[id] = sl
	}
	sl.refs++
	sh.mu.Unlock()

	if err := sl.sem.Acquire(ctx, 1); err != nil {
		s.unref(sh, id, sl, false)
		s.gate.Release(1)
		metrics.ObserveLockError()
		return nil, nil, &LockError{UserID: id, Err: err}
	}
	release := func() {
		s.unref(sh, id, sl, true)
		sl.sem.Release(1)
		s.gate.Release(1)
	}
	return sl, release, nil
}

// unref drops a reference to sl and removes it from the shard once nobody
// holds or waits on it and it carries no buffer.
func (s *Store) unref(sh *shard, id uuid.UUID, sl *slot, holder bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if holder {
		sl.live = sl.acc != nil
	}
	sl.refs--
	if sl.refs == 0 && !sl.live {
		delete(sh.slots, id)
	}
}

// Add folds batch into its user's buffer, creating the buffer if needed.
// When the buffer is full afterwards it is removed and returned; ownership
// passes to the caller.
func (s *Store) Add(ctx context.Context, batch heartbeat.Batch) (*Accumulator, error) {
	sl, release, err := s.lock(ctx, batch.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := s.clock.Now()
	if sl.acc == nil {
		sl.acc = NewAccumulator(batch, now)
		s.buffers.Add(1)
	} else {
		sl.acc.Add(batch, now)
	}
	s.buffered.Add(int64(len(batch.List)))

	if !sl.acc.IsFull(s.limits) {
		return nil, nil
	}
	return s.detach(sl), nil
}

// TakeIfFull removes and returns id's buffer only if it is already full.
func (s *Store) TakeIfFull(ctx context.Context, id uuid.UUID) (*Accumulator, error) {
	return s.TakeIf(ctx, id, func(a *Accumulator) bool { return a.IsFull(s.limits) })
}

// TakeIf removes and returns id's buffer when pred holds for it. pred runs
// while the slot is held.
func (s *Store) TakeIf(ctx context.Context, id uuid.UUID, pred func(*Accumulator) bool) (*Accumulator, error) {
	sl, release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if sl.acc == nil || !pred(sl.acc) {
		return nil, nil
	}
	return s.detach(sl), nil
}

func (s *Store) detach(sl *slot) *Accumulator {
	acc := sl.acc
	sl.acc = nil
	s.buffers.Add(-1)
	s.buffered.Add(-int64(acc.Len()))
	return acc
}

// FlushResult reports what a Flush drained.
type FlushResult struct {
	Buffers    int `json:"buffers"`
	Heartbeats int `json:"heartbeats"`
	Failed     int `json:"failed"`
}

// Flush empties the store regardless of fullness. Every buffer is handed to
// p on its own goroutine, and Flush returns only after all of them finish.
// Persist errors are logged and counted in the result; they are not
// returned and the buffers are not put back.
//
// The whole map is held exclusively only while buffers are detached; per-key
// operations that arrive meanwhile wait and then see an empty slot. Persists
// run after the map is released, so a slow sink never stalls ingestion.
func (s *Store) Flush(ctx context.Context, p Persister) (FlushResult, error) {
	started := s.clock.Now()
	drained, err := s.drainAll(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	var (
		g      errgroup.Group
		failed atomic.Int64
		res    FlushResult
	)
	if s.flushCap > 0 {
		g.SetLimit(s.flushCap)
	}
	for _, acc := range drained {
		res.Buffers++
		res.Heartbeats += acc.Len()
		g.Go(func() error {
			if err := p.Persist(ctx, acc); err != nil {
				failed.Add(1)
				metrics.ObservePersistError()
				s.logger.Error("persist failed during flush", "user_id", acc.UserID(), "heartbeats", acc.Len(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Failed = int(failed.Load())
	metrics.ObserveFlush(res.Buffers, s.clock.Since(started))
	metrics.SetActiveBuffers(int(s.buffers.Load()))
	return res, nil
}

// drainAll detaches every buffer under the store-wide gate.
func (s *Store) drainAll(ctx context.Context) ([]*Accumulator, error) {
	if err := s.gate.Acquire(ctx, gateWeight); err != nil {
		metrics.ObserveLockError()
		return nil, &LockError{Err: err}
	}
	defer s.gate.Release(gateWeight)

	var out []*Accumulator
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, sl := range sh.slots {
			delete(sh.slots, id)
			if sl.acc != nil {
				out = append(out, s.detach(sl))
			}
		}
		sh.mu.Unlock()
	}
	return out, nil
}

// Keys returns the user ids that currently have a buffer. The result is a
// snapshot and may be stale by the time it is used.
func (s *Store) Keys() []uuid.UUID {
	var out []uuid.UUID
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, sl := range sh.slots {
			if sl.live || sl.refs > 0 {
				out = append(out, id)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Len returns the number of live buffers.
func (s *Store) Len() int { return int(s.buffers.Load()) }

// StoreStats is a point-in-time view of the store.
type StoreStats struct {
	Buffers    int    `json:"buffers"`
	Heartbeats int64  `json:"heartbeats"`
	Shards     int    `json:"shards"`
	MaxLength  int    `json:"max_length"`
	MaxSpan    string `json:"max_span"`
}

// Stats returns counters suitable for an admin endpoint.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Buffers:    int(s.buffers.Load()),
		Heartbeats: s.buffered.Load(),
		Shards:     len(s.shards),
		MaxLength:  s.limits.MaxLength,
		MaxSpan:    s.limits.MaxSpan.String(),
	}
}

// idleFor reports how long acc has gone without an Add.
func (s *Store) idleFor(acc *Accumulator) time.Duration {
	return s.clock.Since(acc.Touched())
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	p := 1
	for p < x {
		p <<= 1
	}
	return p
}
