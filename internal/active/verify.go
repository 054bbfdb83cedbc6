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
	"encoding/hex"
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/internal/completion"
	"github.com/transparency-dev/armored-witness-loader/internal/digest"
	"k8s.io/klog/v2"
)

// verifier checks the integrity of the installed firmware.
type verifier struct {
	drv      flash.Driver
	cfg      Config
	details  DetailsSource
	sig      *completion.Signal
	progress api.Progress
}

// ReadHeader returns the details of the installed firmware, blocking until
// the details source completes.
func (v *verifier) ReadHeader(ctx context.Context) (api.FirmwareDetails, error) {
	var d api.FirmwareDetails
	e, err := v.sig.Call(ctx, func(done func(completion.Event)) error {
		return v.details.GetActiveDetailsAsync(&d, done)
	})
	if err != nil {
		return api.FirmwareDetails{}, fmt.Errorf("failed to request active firmware details: %w", err)
	}
	if e.Err != nil {
		return api.FirmwareDetails{}, e.Err
	}
	if d.Size > v.cfg.MaxApplicationSize {
		return api.FirmwareDetails{}, fmt.Errorf("%w: size %d exceeds maximum application size %d", api.ErrInvalidHeader, d.Size, v.cfg.MaxApplicationSize)
	}
	return d, nil
}

// ReadBody reads len(p) bytes of the installed image starting offset bytes
// in. Reads beyond the application region are refused.
func (v *verifier) ReadBody(p []byte, offset uint64) error {
	if end := offset + uint64(len(p)); end < offset || end > v.cfg.MaxApplicationSize {
		return &api.CapacityError{What: "application read", Need: end, Limit: v.cfg.MaxApplicationSize}
	}
	return v.read(p, v.cfg.ApplicationStart+offset)
}

func (v *verifier) read(p []byte, addr uint64) error {
	if err := v.drv.Read(p, addr); err != nil {
		return &api.IOError{Op: "read", Addr: addr, Err: err}
	}
	return nil
}

// verify classifies the installed firmware, hashing it through buf.
func (v *verifier) verify(ctx context.Context, buf []byte) (api.Result, error) {
	d, err := v.ReadHeader(ctx)
	if err != nil {
		klog.Warningf("Active firmware header unreadable: %v", err)
		return api.Error, err
	}
	if d.Size == 0 {
		klog.Infof("Active firmware slot is empty")
		return api.Empty, nil
	}

	klog.V(1).Infof("header start: 0x%08x", v.cfg.HeaderAddress)
	klog.V(1).Infof("app start: 0x%08x", v.cfg.ApplicationStart)
	klog.V(1).Infof("app size: %d", d.Size)

	sum, err := digest.Sum(v.read, v.cfg.ApplicationStart, d.Size, buf, func(done, total uint64) {
		if v.progress != nil {
			v.progress("verify", done, total)
		}
	})
	if err != nil {
		klog.Warningf("Failed to hash active firmware: %v", err)
		return api.Error, err
	}

	if sum != d.Hash {
		klog.Warningf("Active firmware digest mismatch:")
		klog.Warningf("  header   %s", hex.EncodeToString(d.Hash[:]))
		klog.Warningf("  computed %s", hex.EncodeToString(sum[:]))
		return api.Error, fmt.Errorf("%w: active firmware", api.ErrIntegrity)
	}

	klog.Infof("Active firmware version %d (%d bytes) SHA-256 %s is valid", d.Version, d.Size, hex.EncodeToString(sum[:]))
	return api.Success, nil
}
