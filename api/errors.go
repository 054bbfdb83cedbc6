// Copyright 2024 The Armored Witness Loader authors. All Rights Reserved.
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

package api

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHeader is returned when a header region does not hold a
	// structurally valid header, e.g. erased flash.
	ErrInvalidHeader = errors.New("invalid firmware header")

	// ErrIntegrity is returned when a recomputed digest does not match the
	// digest recorded in the firmware details.
	ErrIntegrity = errors.New("firmware digest mismatch")

	// ErrConfig is returned when the platform configuration is unusable,
	// e.g. a misaligned application start address.
	ErrConfig = errors.New("invalid configuration")

	// ErrBusy is returned when an exclusive resource is already held by an
	// operation in flight.
	ErrBusy = errors.New("operation already in progress")
)

// CapacityError indicates that a request exceeds a platform limit. It is
// always detected before any hardware mutation.
type CapacityError struct {
	What  string
	Need  uint64
	Limit uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %d exceeds limit of %d", e.What, e.Need, e.Limit)
}

// IOError wraps a failure reported by a storage driver.
type IOError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s @ 0x%08x: %v", e.Op, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
