// Copyright 2025 The Cockroach Authors
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

package zdict

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound reports an operation that requires an absent key to be
	// present. The core operations report absence via their ok result; the
	// sentinel exists so wrapper layers can translate absence uniformly.
	ErrKeyNotFound = errors.New("zdict: key not found")

	// ErrModeViolation reports a mutation attempted where the dict's mode
	// forbids it. Errors of this kind are always a *ModeError; the sentinel
	// matches the whole class via errors.Is.
	ErrModeViolation = errors.New("zdict: operation not permitted by mode")

	// ErrDuplicateKey reports an insert-only dict refusing to overwrite an
	// already-present key.
	ErrDuplicateKey = errors.New("zdict: duplicate key in insert-only mode")

	// ErrCapacityExceeded reports an arena dict refusing an insertion that
	// would require growth, which would relocate entries and break the
	// pointer-stability guarantee.
	ErrCapacityExceeded = errors.New("zdict: arena capacity exceeded")

	// ErrAllocationFailure reports that a grow or rehash step could not
	// obtain new storage. The dict is left exactly as it was before the
	// failing call.
	ErrAllocationFailure = errors.New("zdict: allocation failed")

	// ErrUnsupportedMode reports construction with a mode tag outside the
	// five recognized modes.
	ErrUnsupportedMode = errors.New("zdict: unsupported mode")

	// ErrNotHashable reports Hash called on a dict that is not immutable, or
	// whose value type supports no content hash.
	ErrNotHashable = errors.New("zdict: dict is not hashable")
)

// ModeError is the concrete error returned for mode violations. It carries
// the dict's mode and the attempted operation.
type ModeError struct {
	Mode Mode
	Op   string
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("zdict: cannot %s in %s mode", e.Op, e.Mode)
}

// Is makes errors.Is(err, ErrModeViolation) match every ModeError.
func (e *ModeError) Is(target error) bool {
	return target == ErrModeViolation
}
