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

package heartbeat

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
  "trace_id": "6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11",
  "user_id": "0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b",
  "list": [
    {"path": "/docs/go", "domain": "go.dev", "user_agent": "firefox",
     "time": "2024-03-01T10:00:00+02:00", "created_at": "2024-03-01T10:00:01+02:00"},
    {"path": "/docs/rust", "time": "2024-03-01T10:00:05+02:00", "created_at": "2024-03-01T10:00:06+02:00"}
  ]
}`

func TestDecode_Valid(t *testing.T) {
	b, err := Decode([]byte(samplePayload))
	require.NoError(t, err)
	require.Equal(t, uuid.MustParse("0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b"), b.UserID)
	require.Equal(t, uuid.MustParse("6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11"), b.TraceID)
	require.Len(t, b.List, 2)

	first := b.List[0]
	require.Equal(t, "/docs/go", first.Path)
	require.Equal(t, "go.dev", first.Tag(TagDomain))
	require.Equal(t, "firefox", first.Tag(TagUserAgent))
	_, offset := first.Time.Zone()
	require.Equal(t, 2*3600, offset)

	second := b.List[1]
	require.Nil(t, second.Domain)
	require.Equal(t, "", second.Tag(TagDomain))
	require.True(t, second.Time.After(first.Time))
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"syntax":             `{"user_id":`,
		"bad uuid":           `{"trace_id":"x","user_id":"not-a-uuid","list":[]}`,
		"missing user":       `{"trace_id":"6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11","list":[]}`,
		"bad time":           `{"trace_id":"6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11","user_id":"0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b","list":[{"path":"/","time":"yesterday"}]}`,
		"missing time":       `{"trace_id":"6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11","user_id":"0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b","list":[{"path":"/","created_at":"2024-03-01T10:00:00Z"}]}`,
		"missing trace":      `{"user_id":"0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b","list":[]}`,
		"missing list":       `{"trace_id":"6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11","user_id":"0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b"}`,
		"missing path":       `{"trace_id":"6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11","user_id":"0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b","list":[{"time":"2024-03-01T10:00:00Z","created_at":"2024-03-01T10:00:00Z"}]}`,
		"missing created_at": `{"trace_id":"6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11","user_id":"0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b","list":[{"path":"/","time":"2024-03-01T10:00:00Z"}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrDecode))
			var de *DecodeError
			require.True(t, errors.As(err, &de))
		})
	}
}

func TestDecode_EmptyListAccepted(t *testing.T) {
	b, err := Decode([]byte(`{"trace_id":"6f1c1e9a-3f7b-4b55-9a8e-0c2c8d7f4a11","user_id":"0e5f3c2a-1d4b-4e8f-9a6c-7b2d1e0f9a8b","list":[]}`))
	require.NoError(t, err)
	require.NotNil(t, b.List)
	require.Empty(t, b.List)
}

func TestEncodeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := Batch{
		TraceID: uuid.New(),
		UserID:  uuid.New(),
		List:    []Heartbeat{{Path: "/a", Browser: String("chrome"), Time: ts, CreatedAt: ts}},
	}
	raw, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, in.UserID, out.UserID)
	require.Equal(t, "chrome", out.List[0].Tag(TagBrowser))
	require.True(t, ts.Equal(out.List[0].Time))
}
