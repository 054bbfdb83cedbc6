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

// Package api defines the types shared between the active firmware
// management core and its callers.
package api

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// HashSize is the length in bytes of a firmware image digest.
	HashSize = 32
	// CampaignSize is the length in bytes of an update campaign identifier.
	CampaignSize = 16
)

// Result is the status reported by verify, update and mirror operations.
type Result int

const (
	// Success means the operation completed and the image is intact.
	Success Result = iota
	// Empty means the slot legitimately holds no image.
	Empty
	// Error covers integrity failures, I/O failures and capacity violations.
	Error
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Empty:
		return "empty"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ResultOf maps the error returned by an operation onto the public status
// vocabulary.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	return Error
}

// Progress reports that done of total bytes have been processed in the
// named phase of an operation.
type Progress func(phase string, done, total uint64)

// FirmwareDetails describes one firmware image.
type FirmwareDetails struct {
	// Version is a monotonic identifier for the image.
	Version uint64
	// Size is the length of the image body in bytes, zero means no image.
	Size uint64
	// Hash is the SHA-256 digest over exactly Size bytes of the body.
	Hash [HashSize]byte
	// Campaign identifies the update campaign which delivered the image.
	Campaign [CampaignSize]byte
	// SignatureSize is the length of the detached signature shipped with
	// the image, carried for compatibility only.
	SignatureSize uint32
}

// Print returns the firmware details in textual format.
func (d *FirmwareDetails) Print() string {
	var status bytes.Buffer

	v := UnpackVersion(d.Version)

	status.WriteString("----------------------------------------------------- Active firmware ----\n")
	status.WriteString(fmt.Sprintf("Version ................: %d (%s)\n", d.Version, &v))
	status.WriteString(fmt.Sprintf("Size ...................: %d\n", d.Size))
	status.WriteString(fmt.Sprintf("SHA-256 ................: %s\n", hex.EncodeToString(d.Hash[:])))
	status.WriteString(fmt.Sprintf("Campaign ...............: %s", hex.EncodeToString(d.Campaign[:])))

	return status.String()
}
