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

// Package scratch provides the fixed-capacity working buffer shared by the
// read, hash and program steps of a single operation.
package scratch

import (
	"sync"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// Buffer is a scratch buffer which can be held by one operation at a time.
type Buffer struct {
	mu  sync.Mutex
	buf []byte
}

// New allocates a scratch buffer of the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap returns the capacity of the buffer.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Acquire grants exclusive use of the buffer until release is called.
// It fails with api.ErrBusy if the buffer is already held.
func (b *Buffer) Acquire() (buf []byte, release func(), err error) {
	if !b.mu.TryLock() {
		return nil, nil, api.ErrBusy
	}
	var once sync.Once
	return b.buf, func() { once.Do(b.mu.Unlock) }, nil
}
