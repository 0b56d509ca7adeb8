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

// Package heartbeat defines the ingestion data model and its JSON decoding.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDecode is matched by every error returned from Decode.
var ErrDecode = errors.New("heartbeat: decode failed")

// DecodeError reports a malformed ingestion payload. It is never retryable.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("heartbeat: decode failed: %s: %v", e.Reason, e.Err)
	}
	return "heartbeat: decode failed: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Tag names a categorical heartbeat attribute.
type Tag string

const (
	TagEntity    Tag = "entity"
	TagCategory  Tag = "category"
	TagBrowser   Tag = "browser"
	TagDomain    Tag = "domain"
	TagUserAgent Tag = "user_agent"
)

// Heartbeat is one event. Optional tags are nil when absent on the wire.
type Heartbeat struct {
	Path      string    `json:"path"`
	Entity    *string   `json:"entity,omitempty"`
	Category  *string   `json:"category,omitempty"`
	Browser   *string   `json:"browser,omitempty"`
	Domain    *string   `json:"domain,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	Time      time.Time `json:"time"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag returns the value of the named tag, or "" when it is absent.
func (h Heartbeat) Tag(t Tag) string {
	var p *string
	switch t {
	case TagEntity:
		p = h.Entity
	case TagCategory:
		p = h.Category
	case TagBrowser:
		p = h.Browser
	case TagDomain:
		p = h.Domain
	case TagUserAgent:
		p = h.UserAgent
	}
	if p == nil {
		return ""
	}
	return *p
}

// Batch is one decoding unit: every heartbeat in List belongs to UserID.
type Batch struct {
	TraceID uuid.UUID   `json:"trace_id"`
	UserID  uuid.UUID   `json:"user_id"`
	List    []Heartbeat `json:"list"`
}

// Validate checks the invariants that JSON decoding alone cannot express.
func (b Batch) Validate() error {
	if b.UserID == uuid.Nil {
		return &DecodeError{Reason: "missing user_id"}
	}
	if b.TraceID == uuid.Nil {
		return &DecodeError{Reason: "missing trace_id"}
	}
	if b.List == nil {
		return &DecodeError{Reason: "missing list"}
	}
	for i, hb := range b.List {
		switch {
		case hb.Path == "":
			return &DecodeError{Reason: fmt.Sprintf("list[%d]: missing path", i)}
		case hb.Time.IsZero():
			return &DecodeError{Reason: fmt.Sprintf("list[%d]: missing time", i)}
		case hb.CreatedAt.IsZero():
			return &DecodeError{Reason: fmt.Sprintf("list[%d]: missing created_at", i)}
		}
	}
	return nil
}

// Decode parses an ingestion payload.
func Decode(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if err := b.Validate(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// Encode is the inverse of Decode; load generators and tests use it.
func Encode(b Batch) ([]byte, error) {
	return json.Marshal(b)
}

// String is a helper for building optional tags.
func String(s string) *string { return &s }
