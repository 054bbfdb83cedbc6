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

// Package flash describes the internal flash primitives consumed by the
// active firmware management core, along with helpers for walking flash
// layouts whose sector sizes vary by address.
//
// Flash is erased a sector at a time and programmed a page at a time,
// sectors may differ in size from one address to the next while the page
// size is uniform for a given device.
package flash

// ErasedValue is the value of every byte of an erased sector.
const ErasedValue = 0xff

// SectorSizer reports the size of the sector containing an address.
type SectorSizer interface {
	// SectorSize returns the size in bytes of the sector containing addr,
	// or zero if addr is outside the device.
	SectorSize(addr uint64) uint64
}

// Driver is the raw internal flash interface.
type Driver interface {
	SectorSizer

	// Init prepares the device for use.
	Init() error
	// Deinit releases the device.
	Deinit() error
	// Read reads len(p) bytes starting at addr.
	Read(p []byte, addr uint64) error
	// Program writes p at addr, addr must be page aligned and len(p) a
	// multiple of the page size. The target range must have been erased.
	Program(p []byte, addr uint64) error
	// Erase erases the single sector starting at addr, length must be the
	// value returned by SectorSize(addr).
	Erase(addr, length uint64) error
	// PageSize returns the programming unit of the device.
	PageSize() uint64
}

// RoundUp rounds n up to the next multiple of unit.
func RoundUp(n, unit uint64) uint64 {
	return (n + unit - 1) / unit * unit
}
