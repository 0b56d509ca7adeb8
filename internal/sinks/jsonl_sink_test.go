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

package sinks

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type line struct {
	ID int    `json:"id"`
	V  string `json:"v"`
}

func TestJSONLSink_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Path() != path {
		t.Fatalf("path = %s", s.Path())
	}
	if err := s.Append(line{1, "a"}, line{2, "b"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(); err != nil {
		t.Fatalf("empty append: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err := ReadAllJSONL[line](path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].V != "b" {
		t.Fatalf("got %+v", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestJSONLSink_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	for i := 0; i < 2; i++ {
		s, err := NewJSONLSink(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := s.Append(line{ID: i}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	got, err := ReadAllJSONL[line](path)
	if err != nil || len(got) != 2 {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestJSONLSink_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Append(line{ID: g*100 + i})
			}
		}(g)
	}
	wg.Wait()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := ReadAllJSONL[line](path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 400 {
		t.Fatalf("lines = %d, want 400", len(got))
	}
}

func TestReadAllJSONL_SkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.jsonl")
	if err := os.WriteFile(path, []byte("{\"id\":1}\nnot json\n{\"id\":2}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadAllJSONL[line](path)
	if err != nil || len(got) != 2 {
		t.Fatalf("got %+v err=%v", got, err)
	}
}
