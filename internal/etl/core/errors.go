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
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrLockAcquire is matched by every LockError.
var ErrLockAcquire = errors.New("core: lock acquisition failed")

// LockError reports that a slot or the store-wide gate could not be
// acquired, typically because the caller's context ended while waiting.
// It is recoverable: nothing in the store was changed.
type LockError struct {
	UserID uuid.UUID // uuid.Nil for whole-store operations
	Err    error
}

func (e *LockError) Error() string {
	if e.UserID == uuid.Nil {
		return fmt.Sprintf("core: acquire store: %v", e.Err)
	}
	return fmt.Sprintf("core: acquire slot %s: %v", e.UserID, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

func (e *LockError) Is(target error) bool { return target == ErrLockAcquire }
