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

// Package sinks holds append-only file sinks used to archive evicted
// heartbeat buffers: a buffered JSONL log and per-record Parquet files.
package sinks

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// JSONLSink is a buffered JSONL sink. It is safe for concurrent use and
// optimized for append-only workloads.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	path string

	lastFlush time.Time
}

// NewJSONLSink opens (or creates) the file at path in append mode with a
// buffered writer. Call Close() when done.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1<<20 /*1MiB*/)
	return &JSONLSink{f: f, w: w, enc: json.NewEncoder(w), path: path, lastFlush: time.Now()}, nil
}

// Append writes each value as one JSON line.
func (s *JSONLSink) Append(values ...any) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		if err := s.enc.Encode(v); err != nil {
			return err
		}
	}
	// Flush periodically to bound data loss on crash.
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		s.lastFlush = time.Now()
		return s.w.Flush()
	}
	return nil
}

// Flush forces buffered data to be written to disk.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// Path returns the file path.
func (s *JSONLSink) Path() string { return s.path }

// ReadAllJSONL reads every decodable line of the file at path. Intended for
// replay and tests.
func ReadAllJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []T
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var v T
		if err := json.Unmarshal(scanner.Bytes(), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, scanner.Err()
}
