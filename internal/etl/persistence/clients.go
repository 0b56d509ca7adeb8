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

package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"
)

// LoggingRedisEvaler logs the Lua evaluation instead of running it. It lets
// local runs select the Redis sink without a Redis server.
type LoggingRedisEvaler struct{ Logger *slog.Logger }

func (l LoggingRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	logger(l.Logger).Info("redis eval", "script_len", len(script), "keys", keys, "args", len(args))
	return int64(1), nil
}

// GoRedisEvaler implements RedisEvaler on top of github.com/redis/go-redis/v9.
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler connects lazily to addr, e.g. "127.0.0.1:6379".
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	opt := &redis.Options{Addr: addr}
	return &GoRedisEvaler{c: redis.NewClient(opt)}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Ping verifies connectivity.
func (g *GoRedisEvaler) Ping(ctx context.Context) error { return g.c.Ping(ctx).Err() }

func (g *GoRedisEvaler) Close() error { return g.c.Close() }

// LoggingKafkaProducer logs produced messages instead of sending them.
type LoggingKafkaProducer struct{ Logger *slog.Logger }

func (l LoggingKafkaProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	logger(l.Logger).Info("kafka produce", "topic", topic, "key", string(key), "value", truncate(string(value), 256), "headers", headers)
	return nil
}

// SegmentioProducer implements KafkaProducer with github.com/segmentio/kafka-go.
// The writer has no fixed topic so one producer serves several topics.
type SegmentioProducer struct {
	w *kafka.Writer
}

// NewSegmentioProducer creates a producer for the given brokers.
func NewSegmentioProducer(brokers []string) *SegmentioProducer {
	return &SegmentioProducer{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (p *SegmentioProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	return nil
}

func (p *SegmentioProducer) Close() error { return p.w.Close() }

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
