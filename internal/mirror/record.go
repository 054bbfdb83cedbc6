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

package mirror

import (
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// RecordSize is the length of the details record stored ahead of the
// mirrored image.
//
// The record is little-endian:
//
//	0   firmware version
//	8   firmware size
//	16  firmware hash, 64 byte field of which the first 32 bytes are used
//	80  campaign identifier
//	96  signature size
//	100 padding
const RecordSize = 104

const (
	recHashOffset     = 16
	recCampaignOffset = recHashOffset + 64
	recSigSizeOffset  = recCampaignOffset + api.CampaignSize
)

// EncodeRecord serializes d into a mirror record.
func EncodeRecord(d api.FirmwareDetails) [RecordSize]byte {
	var b [RecordSize]byte
	binary.LittleEndian.PutUint64(b[0:], d.Version)
	binary.LittleEndian.PutUint64(b[8:], d.Size)
	copy(b[recHashOffset:], d.Hash[:])
	copy(b[recCampaignOffset:], d.Campaign[:])
	binary.LittleEndian.PutUint32(b[recSigSizeOffset:], d.SignatureSize)
	return b
}

// DecodeRecord parses a mirror record. A record carries no structural
// markers, so any RecordSize bytes decode; blank or garbage storage simply
// yields details which won't match a real image.
func DecodeRecord(b []byte) (d api.FirmwareDetails, err error) {
	if len(b) < RecordSize {
		return d, fmt.Errorf("mirror record: %d bytes, need %d", len(b), RecordSize)
	}
	d.Version = binary.LittleEndian.Uint64(b[0:])
	d.Size = binary.LittleEndian.Uint64(b[8:])
	copy(d.Hash[:], b[recHashOffset:])
	copy(d.Campaign[:], b[recCampaignOffset:])
	d.SignatureSize = binary.LittleEndian.Uint32(b[recSigSizeOffset:])
	return d, nil
}
