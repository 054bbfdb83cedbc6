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
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/storage/testonly"
	"github.com/transparency-dev/armored-witness-loader/internal/storage/unaligned"
)

type fakeSource struct {
	details   api.FirmwareDetails
	body      []byte
	headerErr error
	bodyErr   error
}

func (f *fakeSource) ReadHeader(context.Context) (api.FirmwareDetails, error) {
	return f.details, f.headerErr
}

func (f *fakeSource) ReadBody(p []byte, offset uint64) error {
	if f.bodyErr != nil {
		return f.bodyErr
	}
	copy(p, f.body[offset:])
	return nil
}

func newSource(size int) *fakeSource {
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i*13 + 5)
	}
	return &fakeSource{
		details: api.FirmwareDetails{
			Version:       7,
			Size:          uint64(size),
			Hash:          sha256.Sum256(body),
			Campaign:      [api.CampaignSize]byte{0xca, 0xfe},
			SignatureSize: 64,
		},
		body: body,
	}
}

const (
	imageSize = 3000
	devBlocks = 16
	bufSize   = 700
)

func storedRecord(t *testing.T, md *testonly.MemDev, offset int) api.FirmwareDetails {
	t.Helper()
	d, err := DecodeRecord(md.Bytes(offset, RecordSize))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	return d
}

func TestRecordRoundTrip(t *testing.T) {
	want := newSource(10).details
	rec := EncodeRecord(want)
	got, err := DecodeRecord(rec[:])
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if _, err := DecodeRecord(rec[:RecordSize-1]); err == nil {
		t.Fatal("DecodeRecord() of short record succeeded")
	}
}

func TestCopyIsIdempotent(t *testing.T) {
	for _, offset := range []uint64{0, 1000} {
		src := newSource(imageSize)
		md := testonly.NewMemDev(t, devBlocks)
		m := &Mirror{}

		r, err := m.Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), offset)
		if err != nil || r != api.Success {
			t.Fatalf("first Copy() = %v, %v, want success", r, err)
		}
		if md.WriteCalls == 0 {
			t.Fatal("first Copy() wrote nothing")
		}
		if diff := cmp.Diff(src.body, md.Bytes(int(offset)+RecordSize, imageSize)); diff != "" {
			t.Fatalf("Mirrored image diff: %s", diff)
		}
		if diff := cmp.Diff(src.details, storedRecord(t, md, int(offset))); diff != "" {
			t.Fatalf("Mirrored record diff: %s", diff)
		}

		md.WriteCalls = 0
		r, err = m.Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), offset)
		if err != nil || r != api.Success {
			t.Fatalf("second Copy() = %v, %v, want success", r, err)
		}
		if md.WriteCalls != 0 {
			t.Fatalf("second Copy() made %d writes, want 0", md.WriteCalls)
		}
	}
}

func TestCopyDetectsCorruptReadBack(t *testing.T) {
	src := newSource(imageSize)
	md := testonly.NewMemDev(t, devBlocks)

	corrupt := false
	md.OnBlockRead = func(lba uint, b []byte) error {
		if corrupt && lba == 3 {
			b[17] ^= 0x80
		}
		return nil
	}
	m := &Mirror{
		Progress: func(phase string, done, total uint64) {
			if phase == "mirror" && done == total {
				corrupt = true
			}
		},
	}

	r, err := m.Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), 0)
	if r != api.Error || !errors.Is(err, api.ErrIntegrity) {
		t.Fatalf("Copy() = %v, %v, want error with ErrIntegrity", r, err)
	}
	if got := storedRecord(t, md, 0); got.Version == src.details.Version && got.Size == src.details.Size {
		t.Fatal("Copy() wrote the mirror record after a failed read back")
	}

	// A retry must not be short-circuited by a stale record.
	corrupt = false
	m.Progress = nil
	md.WriteCalls = 0
	r, err = m.Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), 0)
	if err != nil || r != api.Success {
		t.Fatalf("retry Copy() = %v, %v, want success", r, err)
	}
	if md.WriteCalls == 0 {
		t.Fatal("retry Copy() did not recopy the image")
	}
}

func TestCopyVerifyCurrent(t *testing.T) {
	src := newSource(imageSize)
	md := testonly.NewMemDev(t, devBlocks)
	m := &Mirror{}
	if r, err := m.Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), 0); r != api.Success {
		t.Fatalf("Copy() = %v, %v, want success", r, err)
	}

	// Damage the stored image behind the record's back.
	md.Storage[2][5] ^= 0xff

	md.WriteCalls = 0
	if r, err := m.Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), 0); r != api.Success || md.WriteCalls != 0 {
		t.Fatalf("Copy() = %v, %v with %d writes, want short-circuit success", r, err, md.WriteCalls)
	}

	m.VerifyCurrent = true
	if r, err := m.Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), 0); r != api.Success || md.WriteCalls == 0 {
		t.Fatalf("Copy(VerifyCurrent) = %v, %v with %d writes, want recopy and success", r, err, md.WriteCalls)
	}
	if diff := cmp.Diff(src.body, md.Bytes(RecordSize, imageSize)); diff != "" {
		t.Fatalf("Mirrored image diff: %s", diff)
	}
}

func TestCopyFailures(t *testing.T) {
	for _, test := range []struct {
		name   string
		setup  func(*fakeSource, *testonly.MemDev)
		want   api.Result
		writes bool
	}{
		{
			name:  "empty slot",
			setup: func(s *fakeSource, _ *testonly.MemDev) { s.details = api.FirmwareDetails{Version: 1} },
			want:  api.Empty,
		}, {
			name:  "invalid header",
			setup: func(s *fakeSource, _ *testonly.MemDev) { s.headerErr = api.ErrInvalidHeader },
			want:  api.Error,
		}, {
			name:  "device init failure",
			setup: func(_ *fakeSource, md *testonly.MemDev) { md.InitErr = testonly.ErrInjected },
			want:  api.Error,
		}, {
			name: "record read failure",
			setup: func(_ *fakeSource, md *testonly.MemDev) {
				md.OnBlockRead = func(uint, []byte) error { return testonly.ErrInjected }
			},
			want: api.Error,
		}, {
			name:  "source read failure",
			setup: func(s *fakeSource, _ *testonly.MemDev) { s.bodyErr = testonly.ErrInjected },
			want:  api.Error,
		}, {
			name: "image too large for device",
			setup: func(s *fakeSource, _ *testonly.MemDev) {
				s.details.Size = devBlocks * testonly.MemBlockSize
				s.body = make([]byte, s.details.Size)
			},
			want:   api.Error,
			writes: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			src := newSource(imageSize)
			md := testonly.NewMemDev(t, devBlocks)
			test.setup(src, md)

			r, err := (&Mirror{}).Copy(context.Background(), src, make([]byte, bufSize), unaligned.New(md), 0)
			if r != test.want {
				t.Fatalf("Copy() = %v, %v, want %v", r, err, test.want)
			}
			if (r == api.Error) != (err != nil) {
				t.Fatalf("Copy() = %v with error %v", r, err)
			}
			if !test.writes && md.WriteCalls != 0 {
				t.Fatalf("Copy() made %d writes, want 0", md.WriteCalls)
			}
			if got := storedRecord(t, md, 0); got.Size != 0 {
				t.Fatalf("Copy() wrote mirror record %+v", got)
			}
		})
	}
}

func TestCopyPaceHonoursCancellation(t *testing.T) {
	src := newSource(imageSize)
	md := testonly.NewMemDev(t, devBlocks)
	ctx, cancel := context.WithCancel(context.Background())

	m := &Mirror{
		Options: Options{Pace: time.Hour},
		Progress: func(phase string, _, _ uint64) {
			if phase == "mirror" {
				cancel()
			}
		},
	}
	r, err := m.Copy(ctx, src, make([]byte, bufSize), unaligned.New(md), 0)
	if r != api.Error || !errors.Is(err, context.Canceled) {
		t.Fatalf("Copy() = %v, %v, want error with context.Canceled", r, err)
	}
}

func TestDefaultOptions(t *testing.T) {
	if diff := cmp.Diff(Options{Pace: DefaultPace}, DefaultOptions()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}
