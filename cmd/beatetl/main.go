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

// Package main runs the heartbeat ETL service.
//
// It wires the configured pieces together:
//  1. the sharded store and the worker that persists evicted buffers,
//  2. the HTTP API (plus /metrics when no separate metrics address is set),
//  3. an optional Kafka consumer feeding the same worker.
//
// On SIGINT/SIGTERM ingestion stops first, then the worker performs a final
// drain so sub-threshold buffers are not lost, then sinks are closed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"beatetl/internal/config"
	"beatetl/internal/etl/api"
	"beatetl/internal/etl/core"
	"beatetl/internal/etl/ingest"
	"beatetl/internal/etl/persistence"
	"beatetl/internal/etl/telemetry/metrics"
	"beatetl/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file; BEATETL_* environment variables override it")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "beatetl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer logging.Close()
	log := logging.Component("main")

	recordThresholds(cfg)
	metrics.Enable(metrics.Config{
		MetricsAddr: cfg.MetricsAddr,
		LogInterval: cfg.Metrics.LogInterval,
		Window:      cfg.Metrics.Window,
		Logger:      logging.Component("metrics"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := persistence.BuildPersister(ctx, cfg.Persistence.Adapter, persistence.Options{
		RedisAddr:       cfg.Redis.Addr,
		RedisMarkerTTL:  cfg.Redis.MarkerTTL,
		RedisPayloadTTL: cfg.Redis.PayloadTTL,
		KafkaBrokers:    cfg.Kafka.Brokers,
		KafkaTopic:      cfg.Kafka.SinkTopic,
		PostgresURL:     cfg.Database.URL,
		SQLitePath:      cfg.SQLite.DSN,
		ArchiveBeats:    cfg.Persistence.ArchiveHeartbeat,
		ParquetDir:      cfg.Files.ParquetDir,
		JSONLPath:       cfg.Files.JSONLPath,
		Retry: persistence.RetryPolicy{
			MaxAttempts:     cfg.Persistence.RetryAttempts,
			InitialInterval: cfg.Persistence.RetryInitial,
			MaxInterval:     cfg.Persistence.RetryMax,
		},
		Logger: logging.Component("persistence"),
	})
	if err != nil {
		return fmt.Errorf("build persister %q: %w", cfg.Persistence.Adapter, err)
	}
	defer func() {
		if err := built.Close(); err != nil {
			log.Warn("closing sinks", "err", err)
		}
	}()

	store := core.NewStore(core.StoreOptions{
		Limits:           core.Limits{MaxLength: cfg.Buffer.MaxLength, MaxSpan: cfg.Buffer.MaxTime},
		Shards:           cfg.Buffer.Shards,
		FlushConcurrency: cfg.Buffer.FlushConcurrency,
		Logger:           logger,
	})
	worker := core.NewWorker(store, built.Persister, core.WorkerOptions{
		SweepInterval: cfg.Worker.SweepInterval,
		MaxIdle:       cfg.Buffer.MaxIdle,
		FlushInterval: cfg.Worker.FlushInterval,
		DrainTimeout:  cfg.Worker.DrainTimeout,
		Logger:        logger,
	})
	worker.Start()

	router := api.NewServer(worker, store, api.Options{Logger: logger}).Routes()
	if cfg.MetricsAddr == "" {
		api.MountMetrics(router)
	}
	httpServer := api.NewHTTPServer(cfg.HTTPAddr, router)

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
		}
	}()

	consumeCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if cfg.KafkaEnabled() {
		reader := ingest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		dlq := persistence.NewSegmentioProducer(cfg.Kafka.Brokers)
		consumer := ingest.NewConsumer(reader, worker, ingest.Options{
			DLQ:      dlq,
			DLQTopic: cfg.Kafka.DLQTopic,
			Logger:   logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reader.Close()
			defer dlq.Close()
			log.Info("kafka consumer started", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
			if err := consumer.Run(consumeCtx); err != nil {
				errc <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
		log.Error("component failed, shutting down", "err", runErr)
	}

	// Stop intake before the final drain.
	stopConsumer()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	wg.Wait()

	if _, err := worker.Stop(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("final drain: %w", err))
	}
	if p, ok := built.Persister.(core.FinalMetricsPrinter); ok {
		p.PrintFinalMetrics()
	}
	if err := metrics.Disable(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", "err", err)
	}
	log.Info("stopped")
	return runErr
}

func recordThresholds(cfg *config.Config) {
	core.SetThresholdInt64("buffer.max_length", int64(cfg.Buffer.MaxLength))
	core.SetThresholdDuration("buffer.max_time", cfg.Buffer.MaxTime)
	core.SetThresholdDuration("buffer.max_idle", cfg.Buffer.MaxIdle)
	core.SetThresholdInt64("buffer.shards", int64(cfg.Buffer.Shards))
	core.SetThresholdDuration("worker.sweep_interval", cfg.Worker.SweepInterval)
	core.SetThresholdDuration("worker.flush_interval", cfg.Worker.FlushInterval)
	core.SetThreshold("persistence.adapter", cfg.Persistence.Adapter)
	core.SetThresholdInt64("persistence.retry_attempts", int64(cfg.Persistence.RetryAttempts))
	core.SetThreshold("http_addr", cfg.HTTPAddr)
	core.SetThreshold("metrics_addr", cfg.MetricsAddr)
	if cfg.KafkaEnabled() {
		core.SetThreshold("kafka.brokers", strings.Join(cfg.Kafka.Brokers, ","))
	}
}
