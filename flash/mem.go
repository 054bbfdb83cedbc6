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

package flash

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// MemDriver is an implementation of an in-memory flash device.
//
// It enforces the same contracts as real hardware: erases must cover
// exactly one sector, programs must be page aligned, and programming can
// only clear bits (i.e. programming over data that was not erased first
// corrupts it rather than replacing it).
type MemDriver struct {
	geo  Geometry
	page uint64
	mem  []byte
	init bool

	// OnErase, if set, is called before a sector is erased. Returning an
	// error fails the erase without modifying the device.
	OnErase func(addr, length uint64) error
	// OnProgram, if set, is called before data is programmed. Returning an
	// error fails the program without modifying the device.
	OnProgram func(addr uint64, p []byte) error
	// OnRead, if set, is called after data has been read into p and may
	// modify it. Returning an error fails the read.
	OnRead func(addr uint64, p []byte) error
}

// NewMemDriver creates a new erased in-memory flash device.
func NewMemDriver(geo Geometry, pageSize uint64) (*MemDriver, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if pageSize == 0 {
		return nil, errors.New("invalid page size 0")
	}
	for i, r := range geo.Regions {
		if r.Size%pageSize != 0 {
			return nil, fmt.Errorf("region %d sector size %d is not a multiple of page size %d", i, r.Size, pageSize)
		}
	}

	md := &MemDriver{
		geo:  geo,
		page: pageSize,
		mem:  make([]byte, geo.Length()),
	}
	for i := range md.mem {
		md.mem[i] = ErasedValue
	}

	return md, nil
}

// Init implements Driver.
func (md *MemDriver) Init() error {
	klog.V(2).Infof("Using in-memory flash (%d bytes @ 0x%08x)", len(md.mem), md.geo.Base)
	md.init = true
	return nil
}

// Deinit implements Driver.
func (md *MemDriver) Deinit() error {
	md.init = false
	return nil
}

// PageSize implements Driver.
func (md *MemDriver) PageSize() uint64 {
	return md.page
}

// SectorSize implements Driver.
func (md *MemDriver) SectorSize(addr uint64) uint64 {
	return md.geo.SectorSize(addr)
}

// Geometry returns the sector layout of the device.
func (md *MemDriver) Geometry() Geometry {
	return md.geo
}

func (md *MemDriver) offset(addr, length uint64) (uint64, error) {
	if !md.init {
		return 0, errors.New("flash not initialized")
	}
	if addr < md.geo.Base {
		return 0, fmt.Errorf("address 0x%08x before start of flash 0x%08x", addr, md.geo.Base)
	}
	off := addr - md.geo.Base
	if l := uint64(len(md.mem)); off+length > l || off+length < off {
		return 0, fmt.Errorf("range [0x%08x, +%d) past end of flash", addr, length)
	}
	return off, nil
}

// Read implements Driver.
func (md *MemDriver) Read(p []byte, addr uint64) error {
	off, err := md.offset(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, md.mem[off:])
	if md.OnRead != nil {
		return md.OnRead(addr, p)
	}
	return nil
}

// Program implements Driver.
func (md *MemDriver) Program(p []byte, addr uint64) error {
	l := uint64(len(p))
	if addr%md.page != 0 {
		return fmt.Errorf("program address 0x%08x not aligned to page size %d", addr, md.page)
	}
	if l%md.page != 0 {
		return fmt.Errorf("program length %d not a multiple of page size %d", l, md.page)
	}
	off, err := md.offset(addr, l)
	if err != nil {
		return err
	}
	if md.OnProgram != nil {
		if err := md.OnProgram(addr, p); err != nil {
			return err
		}
	}
	for i, b := range p {
		md.mem[off+uint64(i)] &= b
	}
	return nil
}

// Erase implements Driver.
func (md *MemDriver) Erase(addr, length uint64) error {
	start, ok := md.geo.SectorStart(addr)
	if !ok || start != addr {
		return fmt.Errorf("erase address 0x%08x is not the start of a sector", addr)
	}
	if size := md.geo.SectorSize(addr); length != size {
		return fmt.Errorf("erase length %d does not match sector size %d at 0x%08x", length, size, addr)
	}
	off, err := md.offset(addr, length)
	if err != nil {
		return err
	}
	if md.OnErase != nil {
		if err := md.OnErase(addr, length); err != nil {
			return err
		}
	}
	for i := off; i < off+length; i++ {
		md.mem[i] = ErasedValue
	}
	return nil
}

// Bytes returns a copy of the device contents.
func (md *MemDriver) Bytes() []byte {
	return append([]byte(nil), md.mem...)
}

// Load replaces the device contents with b, which must not be larger than
// the device. Any remaining bytes are left erased.
func (md *MemDriver) Load(b []byte) error {
	if len(b) > len(md.mem) {
		return fmt.Errorf("image (%d bytes) larger than flash (%d bytes)", len(b), len(md.mem))
	}
	copy(md.mem, b)
	for i := len(b); i < len(md.mem); i++ {
		md.mem[i] = ErasedValue
	}
	return nil
}
