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

package testonly

import (
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-witness-loader/internal/completion"
)

// MemSource is an in-memory staged image store.
type MemSource struct {
	mu     sync.Mutex
	images map[uint32][]byte
	calls  int

	// Async makes reads complete from a separate goroutine.
	Async bool
	// FailCall, if non-zero, makes the FailCall'th read (counting from 1)
	// complete with ErrInjected.
	FailCall int
}

// NewMemSource creates an empty staged image store.
func NewMemSource() *MemSource {
	return &MemSource{images: make(map[uint32][]byte)}
}

// Put stores img in slot index.
func (s *MemSource) Put(index uint32, img []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[index] = img
}

// Calls returns the number of reads issued so far.
func (s *MemSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ReadAsync implements staged.Source.
func (s *MemSource) ReadAsync(index uint32, offset uint64, buf []byte, done func(completion.Event)) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	img, ok := s.images[index]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no image in slot %d", index)
	}

	e := completion.Event{}
	switch {
	case s.FailCall != 0 && call == s.FailCall:
		e.Err = ErrInjected
	case offset < uint64(len(img)):
		e.N = copy(buf, img[offset:])
	}

	if s.Async {
		go done(e)
	} else {
		done(e)
	}
	return nil
}
