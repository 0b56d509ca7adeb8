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

package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"beatetl/internal/etl/heartbeat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func beat(path string, ts time.Time) heartbeat.Heartbeat {
	return heartbeat.Heartbeat{Path: path, Time: ts, CreatedAt: ts}
}

func beatDomain(path, domain string, ts time.Time) heartbeat.Heartbeat {
	hb := beat(path, ts)
	hb.Domain = heartbeat.String(domain)
	return hb
}

func batchFor(user uuid.UUID, beats ...heartbeat.Heartbeat) heartbeat.Batch {
	return heartbeat.Batch{TraceID: uuid.New(), UserID: user, List: beats}
}
