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

// Package core provides the buffering engine for the heartbeat ETL service.
// This file implements the background worker responsible for sweeping idle
// or full buffers and for the periodic and final drains.
package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"beatetl/internal/etl/heartbeat"
	"beatetl/internal/etl/telemetry/metrics"
)

// Eviction reasons reported to metrics.
const (
	ReasonFull  = "full"
	ReasonIdle  = "idle"
	ReasonFlush = metrics.FlushReason
)

// WorkerOptions configures the background loops.
type WorkerOptions struct {
	// SweepInterval is how often keys are scanned for full or idle buffers.
	// Zero disables the sweep loop.
	SweepInterval time.Duration
	// MaxIdle evicts buffers that have not received a batch for this long,
	// even when below both thresholds. Zero disables idle eviction.
	MaxIdle time.Duration
	// FlushInterval drains the whole store periodically. Zero disables it.
	FlushInterval time.Duration
	// DrainTimeout bounds the final drain in Stop. Zero waits indefinitely.
	DrainTimeout time.Duration

	Clock  quartz.Clock
	Logger *slog.Logger
}

// Worker ties a Store to a Persister: it persists buffers evicted on the
// ingest path and runs the sweep and drain loops.
type Worker struct {
	store     *Store
	persister Persister
	opts      WorkerOptions
	logger    *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started uint32
	stopped uint32
}

// NewWorker creates and configures a new background worker.
func NewWorker(store *Store, persister Persister, opts WorkerOptions) *Worker {
	if opts.Clock == nil {
		opts.Clock = store.clock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		store:     store,
		persister: persister,
		opts:      opts,
		logger:    opts.Logger.With("component", "worker"),
	}
}

// Ingest adds batch to the store and, when that fills the user's buffer,
// persists it on the calling goroutine. It reports whether an eviction
// happened. Persist errors are logged, not returned; a LockError is.
func (w *Worker) Ingest(ctx context.Context, batch heartbeat.Batch) (bool, error) {
	acc, err := w.store.Add(ctx, batch)
	if err != nil {
		return false, err
	}
	RecordBatch(len(batch.List))
	metrics.ObserveBatch(len(batch.List))
	metrics.SetActiveBuffers(w.store.Len())
	if acc == nil {
		return false, nil
	}
	// The buffer has already left the store; finish persisting it even if
	// the caller goes away.
	w.persist(context.WithoutCancel(ctx), acc, ReasonFull)
	return true, nil
}

func (w *Worker) persist(ctx context.Context, acc *Accumulator, reason string) {
	RecordEviction(1)
	metrics.ObserveEviction(reason, acc.Len())
	if err := w.persister.Persist(ctx, acc); err != nil {
		metrics.ObservePersistError()
		w.logger.Error("failed to persist buffer", "user_id", acc.UserID(), "reason", reason, "heartbeats", acc.Len(), "err", err)
	}
}

// Start launches the background loops.
func (w *Worker) Start() {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.logger.Info("starting background worker",
		"sweep_interval", w.opts.SweepInterval,
		"max_idle", w.opts.MaxIdle,
		"flush_interval", w.opts.FlushInterval,
	)

	if w.opts.SweepInterval > 0 {
		tk := w.opts.Clock.TickerFunc(ctx, w.opts.SweepInterval, func() error {
			w.runSweepCycle(ctx)
			return nil
		}, "worker", "sweep")
		w.wait(tk)
	}
	if w.opts.FlushInterval > 0 {
		tk := w.opts.Clock.TickerFunc(ctx, w.opts.FlushInterval, func() error {
			w.runFlushCycle(ctx)
			return nil
		}, "worker", "flush")
		w.wait(tk)
	}
}

func (w *Worker) wait(wt quartz.Waiter) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = wt.Wait()
	}()
}

// Stop halts the loops and drains every remaining buffer. Only the first
// call does any work.
func (w *Worker) Stop() (FlushResult, error) {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return FlushResult{}, nil
	}
	w.logger.Info("stopping background worker")
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	ctx := context.Background()
	if w.opts.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.DrainTimeout)
		defer cancel()
	}
	res, err := w.FlushNow(ctx)
	if err != nil {
		w.logger.Error("final drain failed", "err", err)
		return res, err
	}
	w.logger.Info("final drain complete", "buffers", res.Buffers, "heartbeats", res.Heartbeats, "failed", res.Failed)
	return res, nil
}

// FlushNow drains the store immediately.
func (w *Worker) FlushNow(ctx context.Context) (FlushResult, error) {
	res, err := w.store.Flush(ctx, w.persister)
	if err != nil {
		return res, err
	}
	RecordEviction(res.Buffers)
	return res, nil
}

// runSweepCycle evicts buffers that are full or have been idle too long.
// Full buffers normally leave on the ingest path; this catches the ones
// whose last batch crossed MaxSpan only through the time bounds.
func (w *Worker) runSweepCycle(ctx context.Context) {
	limits := w.store.Limits()
	for _, id := range w.store.Keys() {
		var reason string
		acc, err := w.store.TakeIf(ctx, id, func(a *Accumulator) bool {
			switch {
			case a.IsFull(limits):
				reason = ReasonFull
			case w.opts.MaxIdle > 0 && w.store.idleFor(a) >= w.opts.MaxIdle:
				reason = ReasonIdle
			default:
				return false
			}
			return true
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("sweep could not lock buffer", "user_id", id, "err", err)
			continue
		}
		if acc != nil {
			w.persist(context.WithoutCancel(ctx), acc, reason)
		}
	}
	metrics.SetActiveBuffers(w.store.Len())
}

func (w *Worker) runFlushCycle(ctx context.Context) {
	// A drain that has started runs to completion even if Stop races it.
	res, err := w.FlushNow(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.Error("periodic drain failed", "err", err)
		return
	}
	if res.Buffers > 0 {
		w.logger.Info("periodic drain", "buffers", res.Buffers, "heartbeats", res.Heartbeats, "failed", res.Failed)
	}
}
