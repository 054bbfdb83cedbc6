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

package staged

import (
	"errors"
	"fmt"
	"io"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/completion"
	"github.com/transparency-dev/armored-witness-loader/internal/mirror"
	"k8s.io/klog/v2"
)

// Geometry describes the physical layout of a Partition and its slots on the
// underlying block storage.
type Geometry struct {
	// Start identifies the first block which is part of the partition.
	Start uint `mapstructure:"start"`
	// Length is the number of blocks covered by the partition.
	// i.e. [Start, Start+Length) is the range of blocks covered by it.
	Length uint `mapstructure:"length"`
	// SlotLengths is an ordered list containing the lengths, in blocks, of
	// the slot(s) allocated within this partition.
	SlotLengths []uint `mapstructure:"slot_lengths"`
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	t := uint(0)
	for i, l := range g.SlotLengths {
		if l == 0 {
			return fmt.Errorf("invalid geometry: slot %d has no blocks", i)
		}
		t += l
	}
	if t > g.Length {
		return fmt.Errorf("invalid geometry: total slot length (%d blocks) exceeds overall length (%d blocks)", t, g.Length)
	}
	return nil
}

type slot struct {
	// start and length are in bytes.
	start, length uint64
}

// Partition serves staged images from slots laid out over block storage.
//
// Each slot holds an image in the layout written by the mirror: a details
// record followed by the image body. A slot mirrored from the active
// firmware can therefore be installed again.
type Partition struct {
	dev   io.ReaderAt
	slots []slot
}

// OpenPartition returns a Partition for the slots described by geo on dev,
// whose blocks are blockSize bytes long.
func OpenPartition(dev io.ReaderAt, blockSize uint, geo Geometry) (*Partition, error) {
	if blockSize == 0 {
		return nil, errors.New("invalid block size 0")
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	p := &Partition{dev: dev}
	b := geo.Start
	for i, l := range geo.SlotLengths {
		s := slot{
			start:  uint64(b) * uint64(blockSize),
			length: uint64(l) * uint64(blockSize),
		}
		if s.length < mirror.RecordSize {
			return nil, fmt.Errorf("slot %d (%d bytes) cannot hold a details record", i, s.length)
		}
		p.slots = append(p.slots, s)
		b += l
	}
	return p, nil
}

// NumSlots returns the number of slots configured in this partition.
func (p *Partition) NumSlots() int {
	return len(p.slots)
}

// SlotOffset returns the byte offset of slot index on the device, which is
// where a mirror of the active firmware must be written to populate it.
func (p *Partition) SlotOffset(index uint32) (uint64, error) {
	s, err := p.slot(index)
	if err != nil {
		return 0, err
	}
	return s.start, nil
}

func (p *Partition) slot(index uint32) (slot, error) {
	if l := uint32(len(p.slots)); index >= l {
		return slot{}, fmt.Errorf("invalid slot %d (partition has %d slots)", index, l)
	}
	return p.slots[index], nil
}

// Details returns the details record stored at the head of slot index.
func (p *Partition) Details(index uint32) (api.FirmwareDetails, error) {
	s, err := p.slot(index)
	if err != nil {
		return api.FirmwareDetails{}, err
	}
	var rec [mirror.RecordSize]byte
	if _, err := p.dev.ReadAt(rec[:], int64(s.start)); err != nil {
		return api.FirmwareDetails{}, fmt.Errorf("failed to read slot %d record: %w", index, err)
	}
	d, err := mirror.DecodeRecord(rec[:])
	if err != nil {
		return api.FirmwareDetails{}, err
	}
	if limit := s.length - mirror.RecordSize; d.Size > limit {
		return api.FirmwareDetails{}, &api.CapacityError{What: fmt.Sprintf("slot %d image", index), Need: d.Size, Limit: limit}
	}
	return d, nil
}

// ReadAsync implements Source. Reads are clipped to the slot, and the read
// is performed on a separate goroutine.
func (p *Partition) ReadAsync(index uint32, offset uint64, buf []byte, done func(completion.Event)) error {
	s, err := p.slot(index)
	if err != nil {
		return err
	}
	body := s.length - mirror.RecordSize
	if offset > body {
		return fmt.Errorf("offset %d outside slot %d (%d bytes)", offset, index, body)
	}
	n := min(uint64(len(buf)), body-offset)

	go func() {
		got, err := p.dev.ReadAt(buf[:n], int64(s.start+mirror.RecordSize+offset))
		if errors.Is(err, io.EOF) {
			err = nil
		}
		klog.V(2).Infof("staged partition slot %d: read %d bytes @ %d: %v", index, got, offset, err)
		done(completion.Event{N: got, Err: err})
	}()

	return nil
}
