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
)

// Region is a run of equally sized sectors.
type Region struct {
	// Size is the size in bytes of each sector in this region.
	Size uint64 `mapstructure:"size"`
	// Count is the number of sectors in this region.
	Count uint64 `mapstructure:"count"`
}

// Geometry describes the physical sector layout of a flash device.
type Geometry struct {
	// Base is the address of the first sector.
	Base uint64 `mapstructure:"base"`
	// Regions is the ordered list of sector runs following Base.
	// i.e. the first sector of Regions[1] directly follows the last
	// sector of Regions[0].
	Regions []Region `mapstructure:"regions"`
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	if len(g.Regions) == 0 {
		return errors.New("invalid geometry: no sector regions")
	}
	for i, r := range g.Regions {
		if r.Size == 0 || r.Count == 0 {
			return fmt.Errorf("invalid geometry: region %d has %d sectors of %d bytes", i, r.Count, r.Size)
		}
	}
	return nil
}

// Length returns the number of bytes covered by the geometry.
func (g Geometry) Length() uint64 {
	t := uint64(0)
	for _, r := range g.Regions {
		t += r.Size * r.Count
	}
	return t
}

// SectorSize implements SectorSizer.
func (g Geometry) SectorSize(addr uint64) uint64 {
	_, size := g.sector(addr)
	return size
}

// SectorStart returns the first address of the sector containing addr.
func (g Geometry) SectorStart(addr uint64) (uint64, bool) {
	start, size := g.sector(addr)
	return start, size > 0
}

func (g Geometry) sector(addr uint64) (start, size uint64) {
	if addr < g.Base {
		return 0, 0
	}
	b := g.Base
	for _, r := range g.Regions {
		l := r.Size * r.Count
		if addr < b+l {
			return b + (addr-b)/r.Size*r.Size, r.Size
		}
		b += l
	}
	return 0, 0
}

// SectorEnd walks forward from start one sector at a time, querying s for
// each sector's size, and returns the first sector boundary at or beyond
// start+length.
func SectorEnd(s SectorSizer, start, length uint64) (uint64, error) {
	end := start
	for end-start < length {
		size := s.SectorSize(end)
		if size == 0 {
			return 0, fmt.Errorf("no sector at 0x%08x", end)
		}
		end += size
	}
	return end, nil
}

// EachSector calls fn for every sector in [start, end), stopping at the
// first error.
func EachSector(s SectorSizer, start, end uint64, fn func(addr, size uint64) error) error {
	for addr := start; addr < end; {
		size := s.SectorSize(addr)
		if size == 0 {
			return fmt.Errorf("no sector at 0x%08x", addr)
		}
		if err := fn(addr, size); err != nil {
			return err
		}
		addr += size
	}
	return nil
}
