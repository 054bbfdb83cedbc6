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

package main

import (
	"errors"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// fileDevice is a block device backed by a regular file, standing in for
// the external storage which holds the firmware mirror.
type fileDevice struct {
	path      string
	blockSize uint
	blocks    uint

	f *os.File
}

// Init opens the backing file, creating it and growing it to the device
// size if necessary.
func (d *fileDevice) Init() error {
	if d.blockSize == 0 {
		return errors.New("block size must be non-zero")
	}
	if d.f != nil {
		return nil
	}
	f, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if want := int64(d.blockSize) * int64(d.blocks); fi.Size() < want {
		klog.V(1).Infof("Growing %s to %d bytes", d.path, want)
		if err := f.Truncate(want); err != nil {
			f.Close()
			return err
		}
	}
	d.f = f
	return nil
}

// Close closes the backing file.
func (d *fileDevice) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// BlockSize returns the block size of the device.
func (d *fileDevice) BlockSize() uint {
	return d.blockSize
}

func (d *fileDevice) check(lba uint, b []byte) error {
	if d.f == nil {
		return errors.New("device not open")
	}
	if len(b)%int(d.blockSize) != 0 {
		return fmt.Errorf("length %d is not a multiple of the block size", len(b))
	}
	if n := uint(len(b)) / d.blockSize; lba+n > d.blocks {
		return fmt.Errorf("blocks [%d, %d) outside device blocks (%d)", lba, lba+n, d.blocks)
	}
	return nil
}

// ReadBlocks reads len(b) bytes into b from contiguous blocks starting at lba.
func (d *fileDevice) ReadBlocks(lba uint, b []byte) error {
	if err := d.check(lba, b); err != nil {
		return err
	}
	_, err := d.f.ReadAt(b, int64(lba)*int64(d.blockSize))
	return err
}

// WriteBlocks writes b to contiguous blocks starting at lba, returning the
// number of blocks written.
func (d *fileDevice) WriteBlocks(lba uint, b []byte) (uint, error) {
	if err := d.check(lba, b); err != nil {
		return 0, err
	}
	n, err := d.f.WriteAt(b, int64(lba)*int64(d.blockSize))
	return uint(n) / d.blockSize, err
}
