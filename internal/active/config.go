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
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// Config describes where the active firmware lives in internal flash.
type Config struct {
	// ApplicationStart is the address of the first byte of the firmware
	// image, it must be aligned to the flash page size.
	ApplicationStart uint64 `mapstructure:"application_start"`
	// MaxApplicationSize is the largest image which may be installed.
	// Nothing at or beyond ApplicationStart+MaxApplicationSize is ever erased.
	MaxApplicationSize uint64 `mapstructure:"max_application_size"`
	// HeaderAddress is the start of the header region.
	HeaderAddress uint64 `mapstructure:"header_address"`
	// HeaderSize is the declared capacity of the header region.
	HeaderSize uint64 `mapstructure:"header_size"`
}

// Validate checks that the header region precedes the image and that the
// image limits fit the address space.
func (c Config) Validate() error {
	if c.HeaderSize == 0 {
		return fmt.Errorf("%w: empty header region", api.ErrConfig)
	}
	if c.MaxApplicationSize == 0 {
		return fmt.Errorf("%w: zero maximum application size", api.ErrConfig)
	}
	if hdrEnd := c.HeaderAddress + c.HeaderSize; hdrEnd < c.HeaderAddress || hdrEnd > c.ApplicationStart {
		return fmt.Errorf("%w: header region [0x%08x, +%d) overlaps application at 0x%08x", api.ErrConfig, c.HeaderAddress, c.HeaderSize, c.ApplicationStart)
	}
	if c.ApplicationStart+c.MaxApplicationSize < c.ApplicationStart {
		return fmt.Errorf("%w: application region 0x%08x+%d overflows", api.ErrConfig, c.ApplicationStart, c.MaxApplicationSize)
	}
	return nil
}

// limit returns the first address past the application region.
func (c Config) limit() uint64 {
	return c.ApplicationStart + c.MaxApplicationSize
}
