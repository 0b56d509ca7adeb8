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

// Package config loads service configuration with Viper: defaults, an
// optional YAML file, then BEATETL_-prefixed environment variables.
//
// Nested keys map to environment variables by replacing dots with
// underscores, e.g. buffer.max_length -> BEATETL_BUFFER_MAX_LENGTH.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "BEATETL"

// Config holds the service configuration.
type Config struct {
	HTTPAddr    string            `mapstructure:"http_addr"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
	Buffer      BufferConfig      `mapstructure:"buffer"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Database    DatabaseConfig    `mapstructure:"database"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	Files       FilesConfig       `mapstructure:"files"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
}

// BufferConfig holds the fullness thresholds and store layout. A zero
// threshold disables that condition.
type BufferConfig struct {
	MaxLength        int           `mapstructure:"max_length"`
	MaxTime          time.Duration `mapstructure:"max_time"`
	MaxIdle          time.Duration `mapstructure:"max_idle"`
	Shards           int           `mapstructure:"shards"`
	FlushConcurrency int           `mapstructure:"flush_concurrency"`
}

type WorkerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// PersistenceConfig selects the sink adapters. Adapter accepts a comma
// separated list, e.g. "sqlite,parquet".
type PersistenceConfig struct {
	Adapter          string        `mapstructure:"adapter"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMax         time.Duration `mapstructure:"retry_max"`
	ArchiveHeartbeat bool          `mapstructure:"archive_heartbeats"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	MarkerTTL  time.Duration `mapstructure:"marker_ttl"`
	PayloadTTL time.Duration `mapstructure:"payload_ttl"`
}

// KafkaConfig configures both the ingest consumer (Topic, GroupID) and the
// payload and dead-letter producers. No brokers disables the consumer.
type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	GroupID   string   `mapstructure:"group_id"`
	SinkTopic string   `mapstructure:"sink_topic"`
	DLQTopic  string   `mapstructure:"dlq_topic"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type SQLiteConfig struct {
	DSN string `mapstructure:"dsn"`
}

type FilesConfig struct {
	ParquetDir string `mapstructure:"parquet_dir"`
	JSONLPath  string `mapstructure:"jsonl_path"`
}

type MetricsConfig struct {
	LogInterval time.Duration `mapstructure:"log_interval"`
	Window      time.Duration `mapstructure:"window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

var defaults = map[string]any{
	"http_addr":                      ":8080",
	"metrics_addr":                   "",
	"buffer.max_length":              512,
	"buffer.max_time":                "10m",
	"buffer.max_idle":                "2m",
	"buffer.shards":                  64,
	"buffer.flush_concurrency":       8,
	"worker.sweep_interval":          "5s",
	"worker.flush_interval":          "0s",
	"worker.drain_timeout":           "30s",
	"persistence.adapter":            "log",
	"persistence.retry_attempts":     3,
	"persistence.retry_initial":      "100ms",
	"persistence.retry_max":          "5s",
	"persistence.archive_heartbeats": false,
	"redis.addr":                     "",
	"redis.marker_ttl":               "24h",
	"redis.payload_ttl":              "0s",
	"kafka.brokers":                  []string{},
	"kafka.topic":                    "heartbeats",
	"kafka.group_id":                 "beatetl",
	"kafka.sink_topic":               "beatetl-payloads",
	"kafka.dlq_topic":                "heartbeats-dlq",
	"database.url":                   "",
	"sqlite.dsn":                     "",
	"files.parquet_dir":              "",
	"files.jsonl_path":               "",
	"metrics.log_interval":           "0s",
	"metrics.window":                 "1m",
	"log.level":                      "info",
	"log.format":                     "text",
	"log.file":                       "",
}

// Load builds a Config. path may be empty; a non-empty path must name a
// readable config file. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("config: http_addr must be set"))
	}
	if c.Buffer.MaxLength < 0 {
		errs = append(errs, errors.New("config: buffer.max_length must be >= 0"))
	}
	if c.Buffer.MaxTime < 0 || c.Buffer.MaxIdle < 0 {
		errs = append(errs, errors.New("config: buffer durations must be >= 0"))
	}
	if c.Buffer.Shards < 0 || c.Buffer.FlushConcurrency < 0 {
		errs = append(errs, errors.New("config: buffer.shards and buffer.flush_concurrency must be >= 0"))
	}
	if c.Worker.SweepInterval < 0 || c.Worker.FlushInterval < 0 {
		errs = append(errs, errors.New("config: worker intervals must be >= 0"))
	}
	if c.Persistence.RetryAttempts < 0 {
		errs = append(errs, errors.New("config: persistence.retry_attempts must be >= 0"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether the ingest consumer should run.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// splitList trims entries and expands comma separated items, so that both
// YAML lists and "a:9092,b:9092" from the environment work.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
