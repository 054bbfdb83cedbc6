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

// Package testonly provides support for storage tests.
package testonly

import (
	"errors"
	"fmt"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory block device.
type MemDev struct {
	Storage [][MemBlockSize]byte

	// InitErr is returned by Init.
	InitErr error
	// WriteCalls counts calls to WriteBlocks.
	WriteCalls int

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint)
	// OnBlockRead is called just after a mem block has been copied into b,
	// and may modify it. Returning an error fails the read.
	OnBlockRead func(lba uint, b []byte) error
}

// Init prepares the device for use.
func (md *MemDev) Init() error {
	return md.InitErr
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

func (md *MemDev) blocks(lba uint, b []byte) (uint, error) {
	if len(b)%MemBlockSize != 0 {
		return 0, fmt.Errorf("length %d is not a multiple of the block size", len(b))
	}
	bl := uint(len(b)) / MemBlockSize
	if l := uint(len(md.Storage)); lba >= l || lba+bl > l {
		return 0, fmt.Errorf("blocks [%d, %d) outside device blocks (%d)", lba, lba+bl, l)
	}
	return bl, nil
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	bl, err := md.blocks(lba, b)
	if err != nil {
		return err
	}
	for i := uint(0); i < bl; i++ {
		blk := b[i*MemBlockSize : (i+1)*MemBlockSize]
		copy(blk, md.Storage[lba+i][:])
		if md.OnBlockRead != nil {
			if err := md.OnBlockRead(lba+i, blk); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
//
// Returns the number of blocks written, or an error.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	md.WriteCalls++
	bl, err := md.blocks(lba, b)
	if err != nil {
		return 0, err
	}
	for i := uint(0); i < bl; i++ {
		copy(md.Storage[lba+i][:], b[i*MemBlockSize:])
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + i)
		}
	}
	return bl, nil
}

// Bytes returns the contents of the device from offset off.
func (md *MemDev) Bytes(off, length int) []byte {
	r := make([]byte, 0, len(md.Storage)*MemBlockSize)
	for _, b := range md.Storage {
		r = append(r, b[:]...)
	}
	return r[off : off+length]
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks uint) *MemDev {
	t.Helper()
	return &MemDev{Storage: make([][MemBlockSize]byte, numBlocks)}
}

// ErrInjected is returned by fault hooks.
var ErrInjected = errors.New("injected failure")
