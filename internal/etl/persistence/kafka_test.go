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
	"testing"
)

type fakeProducer struct {
	topic   string
	keys    []string
	values  [][]byte
	headers []map[string]string
	err     error
	sawDL   bool
}

func (f *fakeProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	_, f.sawDL = ctx.Deadline()
	f.topic = topic
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	f.headers = append(f.headers, headers)
	return f.err
}

func TestKafkaSink_ProducesPayloadMessage(t *testing.T) {
	fp := &fakeProducer{}
	s := NewKafkaSink(fp, "payloads")
	rec := sampleRecord()
	if err := s.Write(context.Background(), []Record{rec}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if fp.topic != "payloads" || len(fp.keys) != 1 || fp.keys[0] != rec.ID {
		t.Fatalf("topic=%s keys=%v", fp.topic, fp.keys)
	}
	if !fp.sawDL {
		t.Fatalf("expected a default deadline on the producer context")
	}
	var msg struct {
		RecordID string `json:"record_id"`
		Paths    []struct {
			Path    string   `json:"path"`
			Payload []string `json:"payload"`
		} `json:"paths"`
		Domains []struct {
			Key string `json:"key"`
		} `json:"domains"`
	}
	if err := json.Unmarshal(fp.values[0], &msg); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if msg.RecordID != rec.ID || len(msg.Domains) != 2 {
		t.Fatalf("msg = %+v", msg)
	}
	var goHits int
	for _, p := range msg.Paths {
		if p.Path == "/docs/go" {
			goHits = len(p.Payload)
		}
	}
	if goHits != 2 {
		t.Fatalf("/docs/go carries %d times, want 2", goHits)
	}
	if fp.headers[0]["content-type"] != "application/json" {
		t.Fatalf("headers = %v", fp.headers[0])
	}
}

func TestKafkaSink_Errors(t *testing.T) {
	s := NewKafkaSink(&fakeProducer{}, "t")
	if err := s.Write(context.Background(), nil); err != nil {
		t.Fatalf("empty write: %v", err)
	}
	if err := s.Write(context.Background(), []Record{{}}); err == nil {
		t.Fatalf("expected error for missing id")
	}
	boom := errors.New("broker down")
	s = NewKafkaSink(&fakeProducer{err: boom}, "t")
	if err := s.Write(context.Background(), []Record{sampleRecord()}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
