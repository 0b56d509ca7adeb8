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

// Package ingest consumes heartbeat batches from Kafka and feeds them to the
// worker. Malformed messages are parked on a dead-letter topic; a message is
// committed only after its batch is in the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"beatetl/internal/etl/heartbeat"
	"beatetl/internal/etl/persistence"
	"beatetl/internal/etl/telemetry/metrics"
)

// MessageReader is the consumer-group surface of *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester accepts decoded batches; *core.Worker satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, batch heartbeat.Batch) (bool, error)
}

// Options configures a Consumer.
type Options struct {
	// DLQ receives undecodable messages. Nil drops them after logging.
	DLQ      persistence.KafkaProducer
	DLQTopic string
	// LockTimeout bounds the wait for a user's buffer. Zero waits until
	// the consumer is cancelled.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Consumer runs the fetch, ingest, commit loop.
type Consumer struct {
	reader   MessageReader
	ingester Ingester
	opts     Options
	logger   *slog.Logger
}

func NewConsumer(reader MessageReader, ingester Ingester, opts Options) *Consumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = "heartbeats-dlq"
	}
	return &Consumer{reader: reader, ingester: ingester, opts: opts, logger: opts.Logger.With("component", "ingest")}
}

// NewKafkaReader returns a consumer-group reader with explicit commits.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
}

// Run consumes until ctx is cancelled or the reader is closed, both of
// which return nil. It returns an error when a batch cannot be ingested;
// that message stays uncommitted and is redelivered to the group.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Warn("kafka fetch failed", "err", err)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d/%d: %w", msg.Partition, msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	batch, err := heartbeat.Decode(msg.Value)
	if err != nil {
		metrics.ObserveDecodeError("kafka")
		c.deadLetter(ctx, msg, err)
		return nil
	}

	ictx := ctx
	if c.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, c.opts.LockTimeout)
		defer cancel()
	}
	if _, err := c.ingester.Ingest(ictx, batch); err != nil {
		return fmt.Errorf("ingest trace %s at %d/%d: %w", batch.TraceID, msg.Partition, msg.Offset, err)
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	c.logger.Warn("undecodable message", "partition", msg.Partition, "offset", msg.Offset, "err", cause)
	if c.opts.DLQ == nil {
		return
	}
	headers := map[string]string{
		"x-error":            cause.Error(),
		"x-source-topic":     msg.Topic,
		"x-source-partition": fmt.Sprint(msg.Partition),
		"x-source-offset":    fmt.Sprint(msg.Offset),
	}
	if err := c.opts.DLQ.Produce(ctx, c.opts.DLQTopic, msg.Key, msg.Value, headers); err != nil {
		c.logger.Error("dead-letter produce failed", "offset", msg.Offset, "err", err)
	}
}
