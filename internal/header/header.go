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

// Package header implements the on-flash encoding of the active firmware
// metadata header.
//
// The header is a fixed 112 byte big-endian structure:
//
//	0   magic (0x5a51b3d4)
//	4   format version (2)
//	8   firmware version
//	16  firmware size
//	24  firmware hash, 64 byte field of which the first 32 bytes are used
//	88  campaign identifier
//	104 signature size
//	108 CRC-32 (IEEE) over bytes [0, 108)
package header

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/transparency-dev/armored-witness-loader/api"
)

const (
	// Magic marks the start of a header.
	Magic = 0x5a51b3d4
	// FormatVersion is the only header format understood by this package.
	FormatVersion = 2
	// Size is the encoded length of a header in bytes.
	Size = 112

	versionOffset   = 8
	sizeOffset      = 16
	hashOffset      = 24
	hashFieldSize   = 64
	campaignOffset  = hashOffset + hashFieldSize
	sigSizeOffset   = campaignOffset + api.CampaignSize
	checksumOffset  = sigSizeOffset + 4
	formatVerOffset = 4
)

// Encode serializes d into dst and returns the number of bytes written.
// Any bytes of dst beyond Size are left untouched.
func Encode(dst []byte, d api.FirmwareDetails) (int, error) {
	if len(dst) < Size {
		return 0, &api.CapacityError{What: "header size", Need: Size, Limit: uint64(len(dst))}
	}

	b := dst[:Size]
	clear(b)

	binary.BigEndian.PutUint32(b[0:], Magic)
	binary.BigEndian.PutUint32(b[formatVerOffset:], FormatVersion)
	binary.BigEndian.PutUint64(b[versionOffset:], d.Version)
	binary.BigEndian.PutUint64(b[sizeOffset:], d.Size)
	copy(b[hashOffset:hashOffset+hashFieldSize], d.Hash[:])
	copy(b[campaignOffset:campaignOffset+api.CampaignSize], d.Campaign[:])
	binary.BigEndian.PutUint32(b[sigSizeOffset:], d.SignatureSize)
	binary.BigEndian.PutUint32(b[checksumOffset:], crc32.ChecksumIEEE(b[:checksumOffset]))

	return Size, nil
}

// Decode parses a header from b. Structural markers are checked before
// any field is extracted, so erased or zeroed flash is reported as
// api.ErrInvalidHeader rather than as an empty image.
func Decode(b []byte) (d api.FirmwareDetails, err error) {
	if len(b) < Size {
		return d, fmt.Errorf("%w: %d bytes, need %d", api.ErrInvalidHeader, len(b), Size)
	}
	if m := binary.BigEndian.Uint32(b[0:]); m != Magic {
		return d, fmt.Errorf("%w: bad magic 0x%08x", api.ErrInvalidHeader, m)
	}
	if v := binary.BigEndian.Uint32(b[formatVerOffset:]); v != FormatVersion {
		return d, fmt.Errorf("%w: unsupported format version %d", api.ErrInvalidHeader, v)
	}
	want := binary.BigEndian.Uint32(b[checksumOffset:])
	if got := crc32.ChecksumIEEE(b[:checksumOffset]); got != want {
		return d, fmt.Errorf("%w: checksum 0x%08x, expected 0x%08x", api.ErrInvalidHeader, got, want)
	}

	d.Version = binary.BigEndian.Uint64(b[versionOffset:])
	d.Size = binary.BigEndian.Uint64(b[sizeOffset:])
	copy(d.Hash[:], b[hashOffset:])
	copy(d.Campaign[:], b[campaignOffset:])
	d.SignatureSize = binary.BigEndian.Uint32(b[sigSizeOffset:])

	return d, nil
}
