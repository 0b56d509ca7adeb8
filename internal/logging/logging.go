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

// Package logging configures the process-wide slog logger.
//
// Logs go to stdout, or to a size-rotated file when a path is given.
//
//	logging.Init(logging.Options{Level: "info", Format: "json"})
//	log := logging.Component("worker")
//	log.Info("sweep", "evicted", 3)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Init.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // empty logs to stdout

	MaxSizeMB  int // rotation size, defaults to 100
	MaxBackups int // defaults to 5
	MaxAgeDays int // defaults to 28
}

var (
	mu     sync.Mutex
	logger *slog.Logger
	closer io.Closer
)

// Init builds the global logger and installs it as slog's default. Calling
// Init again closes the previous log file.
func Init(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	var c io.Closer
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out, c = lj, lj
	}

	return InitWithWriter(out, level, opts.Format, c)
}

// InitWithWriter installs a logger writing to w. closer, if non-nil, is
// closed by the next Init or by Close.
func InitWithWriter(w io.Writer, level slog.Level, format string, c io.Closer) (*slog.Logger, error) {
	hopts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, hopts)
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}

	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}
	logger, closer = slog.New(h), c
	slog.SetDefault(logger)
	return logger, nil
}

// Close releases the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Component returns a logger tagged with the component name.
func Component(name string) *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
