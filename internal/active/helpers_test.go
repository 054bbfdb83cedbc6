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
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/internal/completion"
	"github.com/transparency-dev/armored-witness-loader/internal/header"
)

// testGeometry has sectors of 16KiB, 64KiB and 128KiB.
var testGeometry = flash.Geometry{
	Base: 0x8000000,
	Regions: []flash.Region{
		{Size: 0x4000, Count: 4},
		{Size: 0x10000, Count: 1},
		{Size: 0x20000, Count: 3},
	},
}

const testPageSize = 256

// testConfig places the header in the second 16KiB sector, directly
// followed by the application. The limit at 0x8034000 falls inside the
// 128KiB sector starting at 0x8020000.
var testConfig = Config{
	HeaderAddress:      0x8004000,
	HeaderSize:         0x400,
	ApplicationStart:   0x8004400,
	MaxApplicationSize: 0x2fc00,
}

// largestImage is the largest image whose erase ends at or before the
// limit of testConfig.
const largestImage = 0x8020000 - 0x8004400

func newDriver(t *testing.T) *flash.MemDriver {
	t.Helper()
	drv, err := flash.NewMemDriver(testGeometry, testPageSize)
	if err != nil {
		t.Fatalf("NewMemDriver: %v", err)
	}
	if err := drv.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return drv
}

func testImage(size int, seed byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*31) ^ seed
	}
	return b
}

func detailsFor(version uint64, img []byte) api.FirmwareDetails {
	return api.FirmwareDetails{
		Version: version,
		Size:    uint64(len(img)),
		Hash:    sha256.Sum256(img),
	}
}

// install places a header describing d and the image img directly into drv.
func install(t *testing.T, drv *flash.MemDriver, cfg Config, img []byte, d api.FirmwareDetails) {
	t.Helper()
	mem := drv.Bytes()
	if _, err := header.Encode(mem[cfg.HeaderAddress-testGeometry.Base:], d); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	copy(mem[cfg.ApplicationStart-testGeometry.Base:], img)
	if err := drv.Load(mem); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func newVerifier(drv flash.Driver, cfg Config) *verifier {
	return &verifier{
		drv:     drv,
		cfg:     cfg,
		details: &FlashDetails{Driver: drv, Config: cfg},
		sig:     &completion.Signal{},
	}
}

// gatedSource holds every staged read until gate is closed, then fills the
// buffer with 0xaa.
type gatedSource struct {
	once    sync.Once
	started chan struct{}
	gate    chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{started: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gatedSource) ReadAsync(_ uint32, _ uint64, buf []byte, done func(completion.Event)) error {
	go func() {
		g.once.Do(func() { close(g.started) })
		<-g.gate
		for i := range buf {
			buf[i] = 0xaa
		}
		done(completion.Event{N: len(buf)})
	}()
	return nil
}
