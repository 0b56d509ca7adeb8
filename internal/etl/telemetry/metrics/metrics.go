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

// Package metrics exposes Prometheus instrumentation for the ETL pipeline and
// a periodic log line summarizing batch reduction.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the metrics module.
//
//   - MetricsAddr, when non-empty, starts a dedicated HTTP server that serves /metrics.
//     If /metrics is already mounted elsewhere (see Handler), leave it empty.
//   - LogInterval enables the reporter loop (see reporter.go). Zero disables it.
type Config struct {
	MetricsAddr string
	LogInterval time.Duration
	Window      time.Duration // rolling window for the reduction ratio; defaults to 1m
	Logger      *slog.Logger
	// Clock drives the reporter ticks. Defaults to the real clock.
	Clock quartz.Clock
}

var (
	batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beatetl_batches_total",
		Help: "Heartbeat batches accepted by the store",
	})
	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beatetl_heartbeats_total",
		Help: "Heartbeats accepted by the store",
	})
	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beatetl_evictions_total",
		Help: "Buffers handed to the persister, by reason",
	}, []string{"reason"})
	evictedHeartbeats = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "beatetl_evicted_heartbeats",
		Help:    "Heartbeats per evicted buffer",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	persistErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beatetl_persist_errors_total",
		Help: "Persist calls that returned an error",
	})
	lockErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beatetl_lock_errors_total",
		Help: "Slot or store lock acquisitions abandoned by their caller",
	})
	decodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beatetl_decode_errors_total",
		Help: "Malformed ingestion payloads, by transport",
	}, []string{"source"})
	activeBuffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beatetl_active_buffers",
		Help: "Buffers currently held in memory",
	})
	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "beatetl_flush_duration_seconds",
		Help:    "Wall time of full drains, including persistence",
		Buckets: prometheus.DefBuckets,
	})
	reductionRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beatetl_batch_reduction_ratio",
		Help: "Estimated fraction of sink writes avoided (1 - evictions/batches) over the window",
	})
)

func init() {
	prometheus.MustRegister(batchesTotal, heartbeatsTotal, evictionsTotal, evictedHeartbeats,
		persistErrorsTotal, lockErrorsTotal, decodeErrorsTotal, activeBuffers, flushDuration, reductionRatio)
}

// ObserveBatch records one accepted batch of n heartbeats.
func ObserveBatch(n int) {
	batchesTotal.Inc()
	heartbeatsTotal.Add(float64(n))
	window.addBatch()
}

// ObserveEviction records a buffer (or, for drains, a set of heartbeats)
// leaving the store.
func ObserveEviction(reason string, heartbeats int) {
	evictionsTotal.WithLabelValues(reason).Inc()
	if heartbeats > 0 {
		evictedHeartbeats.Observe(float64(heartbeats))
	}
	window.addEvictions(1)
}

func ObservePersistError() { persistErrorsTotal.Inc() }

func ObserveLockError() { lockErrorsTotal.Inc() }

func ObserveDecodeError(source string) { decodeErrorsTotal.WithLabelValues(source).Inc() }

func SetActiveBuffers(n int) { activeBuffers.Set(float64(n)) }

// FlushReason labels evictions performed by a full drain.
const FlushReason = "flush"

// ObserveFlush records a completed drain of the given number of buffers.
func ObserveFlush(buffers int, d time.Duration) {
	flushDuration.Observe(d.Seconds())
	if buffers > 0 {
		evictionsTotal.WithLabelValues(FlushReason).Add(float64(buffers))
		window.addEvictions(buffers)
	}
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

var (
	enableMu sync.Mutex
	server   *http.Server
)

// Enable configures the module. Safe to call multiple times; subsequent calls
// replace the configuration.
func Enable(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	startOrUpdateReporter(cfg)

	enableMu.Lock()
	defer enableMu.Unlock()
	if cfg.MetricsAddr != "" && server == nil {
		server = startMetricsEndpoint(cfg.MetricsAddr, cfg.Logger)
	}
}

// Disable stops the reporter loop and the standalone endpoint.
func Disable(ctx context.Context) error {
	startOrUpdateReporter(Config{})
	enableMu.Lock()
	srv := server
	server = nil
	enableMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// startMetricsEndpoint exposes /metrics on addr in a background goroutine.
func startMetricsEndpoint(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint stopped", "addr", addr, "err", err)
		}
	}()
	return srv
}
