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

// Package staged provides access to firmware images which have been
// downloaded into update storage but not yet installed.
package staged

import (
	"context"
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/internal/completion"
)

// Source is the asynchronous read protocol of the staged storage.
type Source interface {
	// ReadAsync starts reading up to len(buf) bytes of the image stored in
	// slot index, starting at offset. On completion done is called with
	// the number of bytes placed in buf, which may be fewer than requested
	// at the end of the image.
	//
	// An error return means the request was not started and done will not
	// be called.
	ReadAsync(index uint32, offset uint64, buf []byte, done func(completion.Event)) error
}

// Reader makes blocking reads from a Source.
type Reader struct {
	src Source
	sig *completion.Signal
}

// NewReader returns a Reader which issues requests to src, waiting for
// them through sig. The signal may be shared with other asynchronous
// collaborators, in which case only one of them may be in use at a time.
func NewReader(src Source, sig *completion.Signal) *Reader {
	if sig == nil {
		sig = &completion.Signal{}
	}
	return &Reader{src: src, sig: sig}
}

// ReadAt reads from slot index into buf, blocking until the request
// completes, and returns the number of bytes read.
func (r *Reader) ReadAt(ctx context.Context, index uint32, offset uint64, buf []byte) (int, error) {
	e, err := r.sig.Call(ctx, func(done func(completion.Event)) error {
		return r.src.ReadAsync(index, offset, buf, done)
	})
	if err != nil {
		return 0, fmt.Errorf("staged read of slot %d @ %d: %w", index, offset, err)
	}
	if e.Err != nil {
		return 0, fmt.Errorf("staged read of slot %d @ %d: %w", index, offset, e.Err)
	}
	if e.N < 0 || e.N > len(buf) {
		return 0, fmt.Errorf("staged read of slot %d @ %d: completed with %d bytes for a %d byte buffer", index, offset, e.N, len(buf))
	}
	return e.N, nil
}
