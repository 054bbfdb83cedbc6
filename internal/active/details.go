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

package active

import (
	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/internal/completion"
	"github.com/transparency-dev/armored-witness-loader/internal/header"
)

// DetailsSource provides the details of the installed firmware.
type DetailsSource interface {
	// GetActiveDetailsAsync starts fetching the active firmware details
	// into d, and calls done once d has been filled in or the fetch has
	// failed. An error return means done will not be called.
	GetActiveDetailsAsync(d *api.FirmwareDetails, done func(completion.Event)) error
}

// FlashDetails is a DetailsSource which decodes the header region of
// internal flash. It completes synchronously.
type FlashDetails struct {
	Driver flash.Driver
	Config Config
}

// GetActiveDetailsAsync implements DetailsSource.
func (f *FlashDetails) GetActiveDetailsAsync(d *api.FirmwareDetails, done func(completion.Event)) error {
	var b [header.Size]byte
	l := min(uint64(len(b)), f.Config.HeaderSize)

	if err := f.Driver.Read(b[:l], f.Config.HeaderAddress); err != nil {
		done(completion.Event{Err: &api.IOError{Op: "read header", Addr: f.Config.HeaderAddress, Err: err}})
		return nil
	}
	hdr, err := header.Decode(b[:l])
	if err != nil {
		done(completion.Event{Err: err})
		return nil
	}

	*d = hdr
	done(completion.Event{N: int(l)})
	return nil
}
