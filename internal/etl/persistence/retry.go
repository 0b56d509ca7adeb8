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
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	MaxAttempts     int           // total attempts including the first; <=1 disables retries
	InitialInterval time.Duration // defaults to 100ms
	MaxInterval     time.Duration // defaults to 5s
}

// ErrPermanent marks sink errors that retrying cannot fix.
var ErrPermanent = errors.New("permanent sink error")

// WithRetry retries failed writes with exponential backoff. Records keep
// their ids across attempts, so retried writes stay idempotent.
func WithRetry(sink IdempotentSink, p RetryPolicy) IdempotentSink {
	if p.MaxAttempts <= 1 {
		return sink
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Second
	}
	return SinkFunc(func(ctx context.Context, records []Record) error {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialInterval
		eb.MaxInterval = p.MaxInterval
		eb.MaxElapsedTime = 0
		bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
		return backoff.Retry(func() error {
			err := sink.Write(ctx, records)
			if errors.Is(err, ErrPermanent) {
				return backoff.Permanent(err)
			}
			return err
		}, bkoff)
	})
}
