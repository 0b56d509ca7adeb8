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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"beatetl/internal/etl/core"
	"beatetl/pkg/pathtree"
)

// KafkaProducer is a minimal abstraction over a Kafka client. Producers
// should key messages by record id so that broker-side idempotence and
// per-key ordering apply.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaSink publishes payloads as messages for downstream materialization.
// Consumers must ignore record ids they have already applied.
type KafkaSink struct {
	producer       KafkaProducer
	topic          string
	defaultTimeout time.Duration
}

func NewKafkaSink(p KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, defaultTimeout: 10 * time.Second}
}

// PayloadMessage is the serialized message value. The tree is sent in its
// flattened, index-addressed form.
type PayloadMessage struct {
	RecordID   string                           `json:"record_id"`
	UserID     uuid.UUID                        `json:"user_id"`
	Summary    core.Summary                     `json:"summary"`
	Paths      []pathtree.FlatNode[[]time.Time] `json:"paths"`
	Domains    []core.Group                     `json:"domains"`
	UserAgents []core.Group                     `json:"user_agents"`
	TsUnixMs   int64                            `json:"ts_unix_ms"`
}

func (k *KafkaSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	nowMs := time.Now().UnixMilli()
	for _, rec := range records {
		if rec.ID == "" {
			return errors.New("Record.ID must be set")
		}
		msg := PayloadMessage{
			RecordID:   rec.ID,
			UserID:     rec.Payload.Summary.UserID,
			Summary:    rec.Payload.Summary,
			Paths:      rec.Payload.Tree.Flatten(),
			Domains:    rec.Payload.Domains,
			UserAgents: rec.Payload.UserAgents,
			TsUnixMs:   nowMs,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal kafka message: %w", err)
		}
		headers := map[string]string{"content-type": "application/json", "user-id": msg.UserID.String()}
		if err := k.producer.Produce(ctx, k.topic, []byte(rec.ID), b, headers); err != nil {
			return fmt.Errorf("kafka produce user=%s record=%s: %w", msg.UserID, rec.ID, err)
		}
	}
	return nil
}
