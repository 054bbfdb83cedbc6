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

// Package digest computes firmware digests incrementally, so that regions
// much larger than the available RAM can be hashed through a small buffer.
package digest

import (
	"crypto/sha256"
	"errors"
	"hash"

	"github.com/transparency-dev/armored-witness-loader/api"
	"k8s.io/klog/v2"
)

// Hasher is a streaming SHA-256 digest.
type Hasher struct {
	h hash.Hash
}

// New returns a Hasher ready to accept data.
func New() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Begin discards any previously accumulated state.
func (h *Hasher) Begin() {
	h.h.Reset()
}

// Update feeds p into the digest.
func (h *Hasher) Update(p []byte) {
	// hash.Hash never returns an error on Write
	_, _ = h.h.Write(p)
}

// Finish returns the digest of all data fed since the last Begin.
func (h *Hasher) Finish() (sum [api.HashSize]byte) {
	copy(sum[:], h.h.Sum(nil))
	return
}

// ReadFunc reads len(p) bytes starting at addr.
type ReadFunc func(p []byte, addr uint64) error

// ProgressFunc is called after each chunk with the number of bytes
// processed so far and the total.
type ProgressFunc func(done, total uint64)

// Sum reads size bytes starting at addr using read, in chunks no larger
// than buf, and returns their digest. The first read failure aborts.
func Sum(read ReadFunc, addr, size uint64, buf []byte, progress ProgressFunc) (sum [api.HashSize]byte, err error) {
	if len(buf) == 0 {
		return sum, errors.New("digest: empty scratch buffer")
	}

	h := New()
	h.Begin()

	for done := uint64(0); done < size; {
		n := size - done
		if l := uint64(len(buf)); n > l {
			n = l
		}
		if err = read(buf[:n], addr+done); err != nil {
			return sum, err
		}
		h.Update(buf[:n])
		done += n

		klog.V(2).Infof("hashed %d/%d bytes", done, size)

		if progress != nil {
			progress(done, size)
		}
	}

	return h.Finish(), nil
}
