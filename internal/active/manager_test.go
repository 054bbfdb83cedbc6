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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/completion"
	"github.com/transparency-dev/armored-witness-loader/internal/metrics"
	"github.com/transparency-dev/armored-witness-loader/internal/mirror"
	"github.com/transparency-dev/armored-witness-loader/internal/storage/testonly"
	"github.com/transparency-dev/armored-witness-loader/internal/storage/unaligned"
)

func TestConfigValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: testConfig},
		{name: "header directly before application", cfg: Config{HeaderAddress: 0x1000, HeaderSize: 0x100, ApplicationStart: 0x1100, MaxApplicationSize: 1}},
		{name: "gap after header", cfg: Config{HeaderAddress: 0x1000, HeaderSize: 0x100, ApplicationStart: 0x2000, MaxApplicationSize: 1}},
		{name: "no header region", cfg: Config{HeaderAddress: 0x1000, ApplicationStart: 0x2000, MaxApplicationSize: 1}, wantErr: true},
		{name: "no application region", cfg: Config{HeaderAddress: 0x1000, HeaderSize: 0x100, ApplicationStart: 0x2000}, wantErr: true},
		{name: "header overlaps application", cfg: Config{HeaderAddress: 0x1000, HeaderSize: 0x200, ApplicationStart: 0x1100, MaxApplicationSize: 1}, wantErr: true},
		{name: "header after application", cfg: Config{HeaderAddress: 0x3000, HeaderSize: 0x100, ApplicationStart: 0x1000, MaxApplicationSize: 1}, wantErr: true},
		{name: "application overflows", cfg: Config{HeaderAddress: 0, HeaderSize: 0x100, ApplicationStart: 0x1000, MaxApplicationSize: ^uint64(0)}, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if err != nil && !errors.Is(err, api.ErrConfig) {
				t.Fatalf("Got %v, want ErrConfig", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	drv := newDriver(t)
	if _, err := New(drv, Config{}); !errors.Is(err, api.ErrConfig) {
		t.Errorf("New(empty config) = %v, want ErrConfig", err)
	}
	if _, err := New(drv, testConfig, WithScratchSize(0)); !errors.Is(err, api.ErrConfig) {
		t.Errorf("New(WithScratchSize(0)) = %v, want ErrConfig", err)
	}
	m, err := New(drv, testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := m.scratch.Cap(); got != DefaultScratchSize {
		t.Errorf("scratch capacity %d, want %d", got, DefaultScratchSize)
	}
}

func TestUpdateWithoutStagedStorage(t *testing.T) {
	m, err := New(newDriver(t), testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Update(context.Background(), 0, detailsFor(1, testImage(10, 0))); err == nil {
		t.Fatal("Update() without staged storage succeeded")
	}
}

// blockingDetails completes only once release is closed.
type blockingDetails struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingDetails) GetActiveDetailsAsync(d *api.FirmwareDetails, done func(completion.Event)) error {
	go func() {
		b.once.Do(func() { close(b.started) })
		<-b.release
		*d = api.FirmwareDetails{Version: 1}
		done(completion.Event{})
	}()
	return nil
}

func TestOneOperationAtATime(t *testing.T) {
	bd := &blockingDetails{started: make(chan struct{}), release: make(chan struct{})}
	m, err := New(newDriver(t), testConfig, WithDetailsSource(bd))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type result struct {
		r   api.Result
		err error
	}
	first := make(chan result)
	go func() {
		r, err := m.Verify(context.Background())
		first <- result{r, err}
	}()
	<-bd.started

	if r, err := m.Verify(context.Background()); r != api.Error || !errors.Is(err, api.ErrBusy) {
		t.Errorf("concurrent Verify() = %v, %v, want ErrBusy", r, err)
	}
	if _, err := m.ReadHeader(context.Background()); !errors.Is(err, api.ErrBusy) {
		t.Errorf("concurrent ReadHeader() = %v, want ErrBusy", err)
	}
	if err := m.Update(context.Background(), 0, api.FirmwareDetails{}); !errors.Is(err, api.ErrBusy) {
		t.Errorf("concurrent Update() = %v, want ErrBusy", err)
	}

	close(bd.release)
	if got := <-first; got.r != api.Empty || got.err != nil {
		t.Fatalf("first Verify() = %v, %v, want empty", got.r, got.err)
	}
	if r, err := m.Verify(context.Background()); r != api.Empty {
		t.Fatalf("Verify() after completion = %v, %v, want empty", r, err)
	}
}

func TestManagerEndToEnd(t *testing.T) {
	drv := newDriver(t)
	src := testonly.NewMemSource()
	src.Async = true
	img := testImage(20000, 0x5c)
	src.Put(0, img)
	d := detailsFor(1700000000, img)

	mt, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	phases := map[string]uint64{}
	m, err := New(drv, testConfig,
		WithStaged(src),
		WithScratchSize(2048),
		WithMetrics(mt),
		WithMirrorOptions(mirror.Options{}),
		WithProgress(func(phase string, done, _ uint64) { phases[phase] = done }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	if r, err := m.Verify(context.Background()); r != api.Error {
		t.Fatalf("Verify() of erased flash = %v, %v, want error", r, err)
	}
	if err := m.Update(context.Background(), 0, d); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if r, err := m.Verify(context.Background()); r != api.Success {
		t.Fatalf("Verify() = %v, %v, want success", r, err)
	}

	md := testonly.NewMemDev(t, 64)
	for i := 0; i < 2; i++ {
		if r, err := m.Mirror(context.Background(), unaligned.New(md), 1000); r != api.Success {
			t.Fatalf("Mirror() #%d = %v, %v, want success", i, r, err)
		}
	}
	if diff := cmp.Diff(img, md.Bytes(1000+mirror.RecordSize, len(img))); diff != "" {
		t.Fatalf("Mirrored image diff: %s", diff)
	}

	wantPhases := map[string]uint64{
		"erase":         0x8008000 - 0x8004000 + 0x4000,
		"program":       d.Size,
		"verify":        d.Size,
		"mirror":        d.Size,
		"verify mirror": d.Size,
	}
	if diff := cmp.Diff(wantPhases, phases); diff != "" {
		t.Fatalf("Progress diff: %s", diff)
	}

	for _, test := range []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{name: "verify success", c: mt.Operations.WithLabelValues("verify", "success"), want: 1},
		{name: "verify error", c: mt.Operations.WithLabelValues("verify", "error"), want: 1},
		{name: "update success", c: mt.Operations.WithLabelValues("update", "success"), want: 1},
		{name: "mirror success", c: mt.Operations.WithLabelValues("mirror", "success"), want: 2},
		{name: "sectors erased", c: mt.SectorsErased, want: 2},
		{name: "bytes programmed", c: mt.BytesProgrammed, want: testPageSize + 20224},
		{name: "bytes mirrored", c: mt.BytesMirrored, want: 20000},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := testutil.ToFloat64(test.c); got != test.want {
				t.Fatalf("Got %v, want %v", got, test.want)
			}
		})
	}
}

func TestCancelledUpdateHoldsScratch(t *testing.T) {
	src := newGatedSource()
	m, err := New(newDriver(t), testConfig, WithStaged(src), WithScratchSize(1024))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		errc <- m.Update(ctx, 0, detailsFor(5, testImage(3000, 0x33)))
	}()
	<-src.started
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Update() = %v, want context.Canceled", err)
	}

	// The abandoned staged read still owns the scratch buffer.
	if _, _, err := m.scratch.Acquire(); !errors.Is(err, api.ErrBusy) {
		t.Fatalf("Acquire() while the staged read is outstanding = %v, want ErrBusy", err)
	}
	if r, err := m.Verify(context.Background()); r != api.Error || !errors.Is(err, api.ErrBusy) {
		t.Fatalf("Verify() while the staged read is outstanding = %v, %v, want ErrBusy", r, err)
	}

	close(src.gate)
	var (
		buf     []byte
		release func()
	)
	for start := time.Now(); ; time.Sleep(time.Millisecond) {
		if buf, release, err = m.scratch.Acquire(); err == nil {
			break
		}
		if time.Since(start) > 5*time.Second {
			t.Fatalf("scratch buffer never released: %v", err)
		}
	}
	defer release()

	clear(buf)
	time.Sleep(20 * time.Millisecond)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("scratch buffer overwritten after release: buf[%d] = 0x%02x", i, b)
		}
	}
}

func TestOversizedHeaderIsInvalid(t *testing.T) {
	drv := newDriver(t)
	img := testImage(100, 0x44)
	d := detailsFor(9, img)
	d.Size = testConfig.MaxApplicationSize + 1
	install(t, drv, testConfig, img, d)

	m, err := New(drv, testConfig, WithMirrorOptions(mirror.Options{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.ReadHeader(context.Background()); !errors.Is(err, api.ErrInvalidHeader) {
		t.Fatalf("ReadHeader() = %v, want ErrInvalidHeader", err)
	}
	if r, err := m.Verify(context.Background()); r != api.Error || !errors.Is(err, api.ErrInvalidHeader) {
		t.Fatalf("Verify() = %v, %v, want ErrInvalidHeader", r, err)
	}

	md := testonly.NewMemDev(t, 64)
	if r, err := m.Mirror(context.Background(), unaligned.New(md), 0); r != api.Error || !errors.Is(err, api.ErrInvalidHeader) {
		t.Fatalf("Mirror() = %v, %v, want ErrInvalidHeader", r, err)
	}
	if md.WriteCalls != 0 {
		t.Fatalf("Mirror() of an invalid header made %d writes", md.WriteCalls)
	}
}
