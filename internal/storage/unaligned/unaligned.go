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

// Package unaligned provides byte addressed access to block storage.
// Note that partial block writes are performed as read-modify-write, so
// care must be taken when other users share the blocks either side of a
// write.
package unaligned

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"k8s.io/klog/v2"
)

var (
	// MaxTransferBytes is the largest transfer we'll attempt.
	// Larger requests are chunked into transfers of at most MaxTransferBytes bytes.
	MaxTransferBytes = 32 * 1024
)

// BlockReaderWriter defines the interface expected of a block device.
type BlockReaderWriter interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint

	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
	// at the given block address.
	// b must be an integer multiple of the device's block size.
	ReadBlocks(lba uint, b []byte) error

	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
	// at the given block address.
	// b must be an integer multiple of the device's block size.
	//
	// Returns the number of blocks written, or an error.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// Initer is implemented by block devices which need preparing before use.
type Initer interface {
	Init() error
}

// Device implements io.ReaderAt and io.WriterAt over a block device.
type Device struct {
	dev BlockReaderWriter
	bs  uint64
	blk []byte
}

// New creates a Device over dev. Init must be called before use.
func New(dev BlockReaderWriter) *Device {
	return &Device{dev: dev}
}

// Init initialises the underlying device, if it needs it, and prepares
// the buffer used for partial block transfers.
func (d *Device) Init() error {
	if i, ok := d.dev.(Initer); ok {
		if err := i.Init(); err != nil {
			return fmt.Errorf("failed to init block device: %w", err)
		}
	}
	bs := uint64(d.dev.BlockSize())
	if bs == 0 {
		return errors.New("block device reports zero block size")
	}
	d.bs = bs
	d.blk = make([]byte, bs)
	klog.V(1).Infof("Unaligned block device ready (block size %d)", bs)
	return nil
}

// maxBlocks returns the largest number of whole blocks to move in a single transfer.
func (d *Device) maxBlocks() uint64 {
	if m := uint64(MaxTransferBytes) / d.bs; m > 0 {
		return m
	}
	return 1
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if d.blk == nil {
		return 0, errors.New("device not initialised")
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	n := 0
	for n < len(p) {
		pos := uint64(off) + uint64(n)
		lba, skip := pos/d.bs, pos%d.bs
		rem := uint64(len(p) - n)

		if skip == 0 && rem >= d.bs {
			bl := min(rem/d.bs, d.maxBlocks())
			l := int(bl * d.bs)

			// Since this could be a long-running operation, we need to play nice with the scheduler.
			runtime.Gosched()

			if err := d.dev.ReadBlocks(uint(lba), p[n:n+l]); err != nil {
				klog.Errorf("ReadBlocks(%d, %d) = %v", lba, l, err)
				return n, err
			}
			n += l
			continue
		}

		if err := d.dev.ReadBlocks(uint(lba), d.blk); err != nil {
			klog.Errorf("ReadBlocks(%d, %d) = %v", lba, d.bs, err)
			return n, err
		}
		n += copy(p[n:], d.blk[skip:])
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if d.blk == nil {
		return 0, errors.New("device not initialised")
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	n := 0
	for n < len(p) {
		pos := uint64(off) + uint64(n)
		lba, skip := pos/d.bs, pos%d.bs
		rem := uint64(len(p) - n)

		if skip == 0 && rem >= d.bs {
			bl := min(rem/d.bs, d.maxBlocks())
			l := int(bl * d.bs)

			runtime.Gosched()

			if err := d.write(lba, bl, p[n:n+l]); err != nil {
				return n, err
			}
			n += l
			continue
		}

		// Partial block: merge with the existing contents.
		if err := d.dev.ReadBlocks(uint(lba), d.blk); err != nil {
			klog.Errorf("ReadBlocks(%d, %d) = %v", lba, d.bs, err)
			return n, err
		}
		c := copy(d.blk[skip:], p[n:])
		if err := d.write(lba, 1, d.blk); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

func (d *Device) write(lba, blocks uint64, b []byte) error {
	w, err := d.dev.WriteBlocks(uint(lba), b)
	if err != nil {
		klog.Errorf("WriteBlocks(%d, %d) = %v", lba, len(b), err)
		return err
	}
	if uint64(w) != blocks {
		return fmt.Errorf("WriteBlocks(%d): wrote %d of %d blocks: %w", lba, w, blocks, io.ErrShortWrite)
	}
	return nil
}
