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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// HeartbeatRow is one archived heartbeat in Parquet format.
type HeartbeatRow struct {
	RecordID    string `parquet:"record_id,zstd"`
	UserID      string `parquet:"user_id,zstd"`
	Seq         int32  `parquet:"seq"`
	Path        string `parquet:"path,zstd"`
	Entity      string `parquet:"entity,optional,zstd"`
	Category    string `parquet:"category,optional,zstd"`
	Browser     string `parquet:"browser,optional,zstd"`
	Domain      string `parquet:"domain,optional,zstd"`
	UserAgent   string `parquet:"user_agent,optional,zstd"`
	TimeMs      int64  `parquet:"time_ms"`
	CreatedAtMs int64  `parquet:"created_at_ms"`
}

// ParquetSink writes one zstd-compressed Parquet file per record under dir.
// A record whose file already exists is skipped, which makes rewrites of the
// same record id a no-op.
type ParquetSink struct {
	dir string
}

func NewParquetSink(dir string) *ParquetSink { return &ParquetSink{dir: dir} }

// FilePath returns where the file for recordID lives.
func (s *ParquetSink) FilePath(userID, recordID string) string {
	return filepath.Join(s.dir, userID, recordID+".parquet")
}

// WriteRecord writes rows to the record's file. It writes to a temporary
// file first and renames it into place once the footer is flushed.
func (s *ParquetSink) WriteRecord(userID, recordID string, rows []HeartbeatRow) error {
	path := s.FilePath(userID, recordID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.parquet")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	w := parquet.NewGenericWriter[HeartbeatRow](f, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadParquetFile reads every row of an archived record.
func ReadParquetFile(path string) ([]HeartbeatRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[HeartbeatRow](f)
	defer r.Close()

	rows := make([]HeartbeatRow, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
