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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/internal/active"
	"github.com/transparency-dev/armored-witness-loader/internal/mirror"
	"github.com/transparency-dev/armored-witness-loader/internal/staged"
	"k8s.io/klog/v2"
)

// platform describes the device whose flash image is being managed.
type platform struct {
	Flash struct {
		Geometry flash.Geometry `mapstructure:"geometry"`
		PageSize uint64         `mapstructure:"page_size"`
	} `mapstructure:"flash"`

	Active active.Config `mapstructure:"active"`

	ScratchSize int `mapstructure:"scratch_size"`

	Mirror struct {
		BlockSize     uint          `mapstructure:"block_size"`
		Blocks        uint          `mapstructure:"blocks"`
		Pace          time.Duration `mapstructure:"pace"`
		VerifyCurrent bool          `mapstructure:"verify_current"`
	} `mapstructure:"mirror"`

	// Staged is the slot layout of the external storage, in mirror blocks.
	Staged staged.Geometry `mapstructure:"staged"`
}

// setDefaults describes a 1MiB part with 16KiB, 64KiB and 128KiB sectors,
// with the header in the fifth sector and the application directly after it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("flash.geometry.base", 0x8000000)
	v.SetDefault("flash.geometry.regions", []map[string]any{
		{"size": 0x4000, "count": 4},
		{"size": 0x10000, "count": 1},
		{"size": 0x20000, "count": 7},
	})
	v.SetDefault("flash.page_size", 256)

	v.SetDefault("active.header_address", 0x8010000)
	v.SetDefault("active.header_size", 0x400)
	v.SetDefault("active.application_start", 0x8010400)
	v.SetDefault("active.max_application_size", 0xefc00)

	v.SetDefault("scratch_size", 4096)

	v.SetDefault("mirror.block_size", 512)
	v.SetDefault("mirror.blocks", 4096)
	v.SetDefault("mirror.pace", mirror.DefaultPace)
	v.SetDefault("mirror.verify_current", false)

	v.SetDefault("staged.start", 0)
	v.SetDefault("staged.length", 4096)
	v.SetDefault("staged.slot_lengths", []uint{2048, 2048})
}

// newViper returns a configuration source which reads ACTIVECTL_ prefixed
// environment variables, e.g. ACTIVECTL_ACTIVE_HEADER_SIZE.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("activectl")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadPlatform reads the platform description from file, if set, layered
// over the defaults and under the environment.
func loadPlatform(v *viper.Viper, file string) (*platform, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read platform config %q: %v", file, err)
		}
		klog.V(1).Infof("Using platform config %s", v.ConfigFileUsed())
	}

	p := &platform{}
	if err := v.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("failed to parse platform config: %v", err)
	}
	if err := p.Flash.Geometry.Validate(); err != nil {
		return nil, err
	}
	if err := p.Active.Validate(); err != nil {
		return nil, err
	}
	if err := p.Staged.Validate(); err != nil {
		return nil, err
	}
	if end := p.Staged.Start + p.Staged.Length; end > p.Mirror.Blocks {
		return nil, fmt.Errorf("staged partition ends at block %d, external storage has %d blocks", end, p.Mirror.Blocks)
	}
	return p, nil
}

// openFlash loads a flash image file into an in-memory flash device.
func openFlash(p *platform, path string) (*flash.MemDriver, error) {
	drv, err := flash.NewMemDriver(p.Flash.Geometry, p.Flash.PageSize)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if l := p.Flash.Geometry.Length(); uint64(len(b)) != l {
		return nil, fmt.Errorf("flash image %s is %d bytes, platform flash is %d bytes", path, len(b), l)
	}
	if err := drv.Load(b); err != nil {
		return nil, err
	}
	return drv, nil
}

// saveFlash writes the contents of drv back to the image file.
func saveFlash(drv *flash.MemDriver, path string) error {
	return os.WriteFile(path, drv.Bytes(), 0o644)
}
