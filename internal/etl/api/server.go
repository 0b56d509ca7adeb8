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

// Package api implements the HTTP surface of the heartbeat ETL: batch
// ingestion, a forced drain and buffer inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"beatetl/internal/etl/core"
	"beatetl/internal/etl/heartbeat"
	"beatetl/internal/etl/telemetry/metrics"
)

// Ingester is the part of core.Worker the server drives.
type Ingester interface {
	Ingest(ctx context.Context, batch heartbeat.Batch) (bool, error)
	FlushNow(ctx context.Context) (core.FlushResult, error)
}

// StatsSource reports buffer counters; *core.Store satisfies it.
type StatsSource interface {
	Stats() core.StoreStats
}

// Options tunes request handling.
type Options struct {
	// MaxBodyBytes caps the ingestion payload. Defaults to 4 MiB.
	MaxBodyBytes int64
	// LockTimeout bounds how long a request waits for its user's buffer.
	// Zero waits until the client goes away.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Server handles the HTTP requests for the ETL service.
type Server struct {
	ingester Ingester
	stats    StatsSource
	opts     Options
	logger   *slog.Logger
}

// NewServer creates and configures a new API server.
func NewServer(ingester Ingester, stats StatsSource, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{ingester: ingester, stats: stats, opts: opts, logger: opts.Logger.With("component", "api")}
}

// Routes returns the router with every endpoint and the standard middleware.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes sets up the HTTP routes for the server on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/heartbeats", s.handleIngest)
		r.Post("/flush", s.handleFlush)
		r.Get("/buffers", s.handleBuffers)
	})
}

// MountMetrics exposes the Prometheus handler on r at /metrics.
func MountMetrics(r chi.Router) {
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
}

type ingestResponse struct {
	TraceID string `json:"trace_id"`
	Evicted bool   `json:"evicted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		metrics.ObserveDecodeError("http")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}
	batch, err := heartbeat.Decode(body)
	if err != nil {
		metrics.ObserveDecodeError("http")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx := r.Context()
	if s.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.LockTimeout)
		defer cancel()
	}
	evicted, err := s.ingester.Ingest(ctx, batch)
	if err != nil {
		if errors.Is(err, core.ErrLockAcquire) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("ingest failed", "trace_id", batch.TraceID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "ingest failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{TraceID: batch.TraceID.String(), Evicted: evicted})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	res, err := s.ingester.FlushNow(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBuffers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// NewHTTPServer wraps handler with the timeouts used in production.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
