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
)

// RedisEvaler abstracts the minimal surface we need from a Redis client.
// GoRedisEvaler wraps github.com/redis/go-redis/v9.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisSink stores each record's payload as JSON using a Lua script:
//  1. SETNX beatbuf:commit:<id> 1
//  2. If set -> SET beatbuf:payload:<user>:<id> <json>, RPUSH beatbuf:index:<user> <id>
//  3. EXPIRE the marker (and optionally the payload)
//
// If SETNX fails the record was already written and nothing changes.
type RedisSink struct {
	client     RedisEvaler
	markerTTL  time.Duration
	payloadTTL time.Duration
}

// NewRedisSink returns a sink with the given client and marker TTL. The
// marker TTL must comfortably exceed the longest retry window. payloadTTL of
// zero keeps payloads until a downstream consumer removes them.
func NewRedisSink(client RedisEvaler, markerTTL, payloadTTL time.Duration) *RedisSink {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisSink{client: client, markerTTL: markerTTL, payloadTTL: payloadTTL}
}

// redisLuaScript returns 1 if the record was written, 0 if already present.
const redisLuaScript = `
local markerKey = KEYS[1]
local payloadKey = KEYS[2]
local indexKey = KEYS[3]
local payload = ARGV[1]
local markerTTL = tonumber(ARGV[2])
local recordID = ARGV[3]
local payloadTTL = tonumber(ARGV[4])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('SET', payloadKey, payload)
  redis.call('RPUSH', indexKey, recordID)
  if markerTTL and markerTTL > 0 then
    redis.call('EXPIRE', markerKey, markerTTL)
  end
  if payloadTTL and payloadTTL > 0 then
    redis.call('EXPIRE', payloadKey, payloadTTL)
  end
  return 1
else
  return 0
end
`

// Key layout helpers (public for interoperability with downstream readers).
func RedisMarkerKey(recordID string) string { return "beatbuf:commit:" + recordID }
func RedisPayloadKey(userID, recordID string) string {
	return fmt.Sprintf("beatbuf:payload:%s:%s", userID, recordID)
}
func RedisIndexKey(userID string) string { return "beatbuf:index:" + userID }

// Write evaluates the script once per record.
func (r *RedisSink) Write(ctx context.Context, records []Record) error {
	for _, rec := range records {
		if rec.ID == "" {
			return errors.New("Record.ID must be set")
		}
		body, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload %s: %w", rec.ID, err)
		}
		user := rec.Payload.Summary.UserID.String()
		keys := []string{RedisMarkerKey(rec.ID), RedisPayloadKey(user, rec.ID), RedisIndexKey(user)}
		args := []interface{}{string(body), int(r.markerTTL.Seconds()), rec.ID, int(r.payloadTTL.Seconds())}
		if _, err := r.client.Eval(ctx, redisLuaScript, keys, args...); err != nil {
			return fmt.Errorf("redis eval user=%s record=%s: %w", user, rec.ID, err)
		}
	}
	return nil
}
