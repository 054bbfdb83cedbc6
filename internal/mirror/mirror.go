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

// Package mirror copies the active firmware, and a record of its details,
// into external storage.
//
// The record is written only once the copied image has been read back and
// its digest checked, so a mirror holding a record always held a good image
// at the time it was written.
package mirror

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/digest"
	"github.com/transparency-dev/armored-witness-loader/internal/metrics"
	"k8s.io/klog/v2"
)

// DefaultPace is the pause between chunks written to the target used by
// DefaultOptions.
const DefaultPace = 100 * time.Millisecond

// Source provides the active firmware to be mirrored.
type Source interface {
	// ReadHeader returns the details of the active firmware.
	ReadHeader(ctx context.Context) (api.FirmwareDetails, error)
	// ReadBody reads len(p) bytes of the active firmware image starting
	// offset bytes into it.
	ReadBody(p []byte, offset uint64) error
}

// Target is external storage which tolerates reads and writes at any
// byte offset.
type Target interface {
	Init() error
	io.ReaderAt
	io.WriterAt
}

// Options tune the behaviour of a Mirror.
type Options struct {
	// Pace is the pause inserted between chunks written to the target,
	// for devices which can't keep up with back to back writes.
	Pace time.Duration
	// VerifyCurrent re-hashes the target image before trusting a record
	// whose version and size already match the active firmware.
	VerifyCurrent bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{Pace: DefaultPace}
}

// Mirror copies active firmware into a Target.
type Mirror struct {
	Options

	// Progress, if set, is called as the copy and the read back proceed.
	Progress api.Progress
	// Metrics, if set, counts the bytes written to the target.
	Metrics *metrics.Metrics
}

// Copy mirrors the firmware provided by src into dev at offset, using buf
// for all transfers.
//
// Returns api.Empty if there is no active firmware, and api.Success if the
// target holds an up to date copy on return.
func (m *Mirror) Copy(ctx context.Context, src Source, buf []byte, dev Target, offset uint64) (api.Result, error) {
	klog.Infof("Copying active firmware into external storage @ %d", offset)

	if err := dev.Init(); err != nil {
		klog.Warningf("Could not initialise mirror device: %v", err)
		return api.Error, fmt.Errorf("failed to init mirror device: %w", err)
	}

	d, err := src.ReadHeader(ctx)
	if err != nil {
		klog.Warningf("Could not read active firmware header: %v", err)
		return api.Error, err
	}
	if d.Size == 0 {
		klog.Infof("No active firmware to mirror")
		return api.Empty, nil
	}
	if len(buf) == 0 {
		return api.Error, errors.New("mirror: empty scratch buffer")
	}

	body := offset + RecordSize
	if body < offset || body > math.MaxInt64 || d.Size > math.MaxInt64-body {
		limit := uint64(0)
		if body >= offset && body <= math.MaxInt64 {
			limit = math.MaxInt64 - body
		}
		return api.Error, &api.CapacityError{What: "mirrored image size", Need: d.Size, Limit: limit}
	}

	var rec [RecordSize]byte
	if err := readFull(dev, rec[:], offset); err != nil {
		// The device is inaccessible, as opposed to merely holding no record.
		klog.Warningf("Could not read current mirror details: %v", err)
		return api.Error, fmt.Errorf("failed to read mirror record: %w", err)
	}
	cur, err := DecodeRecord(rec[:])
	if err != nil {
		return api.Error, err
	}

	klog.V(1).Infof("New size=%d version=%d", d.Size, d.Version)
	klog.V(1).Infof("Old size=%d version=%d", cur.Size, cur.Version)

	if cur.Version == d.Version && cur.Size == d.Size {
		if !m.VerifyCurrent {
			klog.Infof("Version and size match, right firmware already in place")
			return api.Success, nil
		}
		sum, err := m.hashTarget(dev, body, d.Size, buf)
		if err != nil {
			return api.Error, err
		}
		if sum == d.Hash {
			klog.Infof("Version, size and digest match, right firmware already in place")
			return api.Success, nil
		}
		klog.Warningf("Mirror record matches but image digest %s does not, copying firmware", hex.EncodeToString(sum[:]))
	} else {
		klog.Infof("Version or size mismatch, copying firmware")
	}

	if err := m.copyBody(ctx, src, dev, body, d.Size, buf); err != nil {
		klog.Warningf("Mirror copy failed: %v", err)
		return api.Error, err
	}

	sum, err := m.hashTarget(dev, body, d.Size, buf)
	if err != nil {
		return api.Error, err
	}
	if sum != d.Hash {
		klog.Warningf("Mirrored image digest mismatch:")
		klog.Warningf("  expected %s", hex.EncodeToString(d.Hash[:]))
		klog.Warningf("  got      %s", hex.EncodeToString(sum[:]))
		return api.Error, fmt.Errorf("%w: mirrored image", api.ErrIntegrity)
	}

	rec = EncodeRecord(d)
	if _, err := dev.WriteAt(rec[:], int64(offset)); err != nil {
		klog.Warningf("Could not write mirror details: %v", err)
		return api.Error, fmt.Errorf("failed to write mirror record: %w", err)
	}

	klog.Infof("Mirrored firmware version %d (%d bytes) SHA-256 %s", d.Version, d.Size, hex.EncodeToString(d.Hash[:]))
	return api.Success, nil
}

func (m *Mirror) copyBody(ctx context.Context, src Source, dev Target, body, size uint64, buf []byte) error {
	for done := uint64(0); done < size; {
		n := min(uint64(len(buf)), size-done)

		if err := src.ReadBody(buf[:n], done); err != nil {
			return fmt.Errorf("failed to read active firmware @ %d: %w", done, err)
		}
		if _, err := dev.WriteAt(buf[:n], int64(body+done)); err != nil {
			return fmt.Errorf("failed to write mirror @ %d: %w", body+done, err)
		}
		done += n

		m.Metrics.Mirrored(n)
		m.progress("mirror", done, size)

		if done < size && m.Pace > 0 {
			t := time.NewTimer(m.Pace)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

// hashTarget computes the digest of the image as stored on the target.
func (m *Mirror) hashTarget(dev Target, body, size uint64, buf []byte) ([api.HashSize]byte, error) {
	sum, err := digest.Sum(func(p []byte, addr uint64) error {
		return readFull(dev, p, addr)
	}, body, size, buf, func(done, total uint64) {
		m.progress("verify mirror", done, total)
	})
	if err != nil {
		return sum, fmt.Errorf("failed to read back mirror: %w", err)
	}
	return sum, nil
}

func (m *Mirror) progress(phase string, done, total uint64) {
	if m.Progress != nil {
		m.Progress(phase, done, total)
	}
}

func readFull(r io.ReaderAt, p []byte, off uint64) error {
	n, err := r.ReadAt(p, int64(off))
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}
