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
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/internal/header"
	"github.com/transparency-dev/armored-witness-loader/internal/metrics"
	"github.com/transparency-dev/armored-witness-loader/internal/staged"
	"k8s.io/klog/v2"
)

// writer installs firmware into internal flash.
//
// None of its operations roll back on failure: a partially written region
// is left for the next verify to reject.
type writer struct {
	drv      flash.Driver
	cfg      Config
	staged   *staged.Reader
	metrics  *metrics.Metrics
	progress api.Progress
}

// erase wipes the header region and enough of the application region to
// hold an image of the given size, a sector at a time.
func (w *writer) erase(size uint64) error {
	// Any end address we could compute would be past the limit.
	if size > w.cfg.MaxApplicationSize {
		klog.Errorf("Firmware size %d is larger than the maximum application size %d", size, w.cfg.MaxApplicationSize)
		return &api.CapacityError{What: "firmware size", Need: size, Limit: w.cfg.MaxApplicationSize}
	}

	start := w.cfg.HeaderAddress
	end, err := flash.SectorEnd(w.drv, start, (w.cfg.ApplicationStart-start)+size)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrConfig, err)
	}
	if end > w.cfg.limit() {
		klog.Errorf("Firmware size 0x%x rounded up to the nearest sector boundary 0x%x is larger than the maximum application size 0x%x",
			size, end-w.cfg.ApplicationStart, w.cfg.MaxApplicationSize)
		return &api.CapacityError{What: "erase end address", Need: end, Limit: w.cfg.limit()}
	}

	klog.Infof("Erasing from 0x%08x to 0x%08x", start, end)

	return flash.EachSector(w.drv, start, end, func(addr, sectorSize uint64) error {
		if err := w.drv.Erase(addr, sectorSize); err != nil {
			klog.Warningf("Erasing from 0x%08x to 0x%08x failed: %v", addr, addr+sectorSize, err)
			return &api.IOError{Op: "erase", Addr: addr, Err: err}
		}
		w.metrics.Erased()
		w.report("erase", addr+sectorSize-start, end-start)
		return nil
	})
}

// writeHeader programs the encoded details at the start of the header
// region, padding to a whole number of pages.
func (w *writer) writeHeader(buf []byte, d api.FirmwareDetails) error {
	page := w.drv.PageSize()
	if page == 0 {
		return fmt.Errorf("%w: zero page size", api.ErrConfig)
	}

	programSize := flash.RoundUp(header.Size, page)
	if l := uint64(len(buf)); programSize > l {
		return &api.CapacityError{What: "header program size", Need: programSize, Limit: l}
	}
	if programSize > w.cfg.HeaderSize {
		return &api.CapacityError{What: "header program size", Need: programSize, Limit: w.cfg.HeaderSize}
	}

	n, err := header.Encode(buf[:programSize], d)
	if err != nil {
		return err
	}
	for i := uint64(n); i < programSize; i++ {
		buf[i] = flash.ErasedValue
	}

	if err := w.drv.Program(buf[:programSize], w.cfg.HeaderAddress); err != nil {
		klog.Warningf("Programming header at 0x%08x failed: %v", w.cfg.HeaderAddress, err)
		return &api.IOError{Op: "program header", Addr: w.cfg.HeaderAddress, Err: err}
	}
	w.metrics.Programmed(programSize)
	klog.V(1).Infof("Wrote %d byte header for version %d at 0x%08x", programSize, d.Version, w.cfg.HeaderAddress)
	return nil
}

// writeBody copies d.Size bytes of the image in staged slot index into the
// application region, reading and programming through buf.
func (w *writer) writeBody(ctx context.Context, buf []byte, index uint32, d api.FirmwareDetails) error {
	page := w.drv.PageSize()
	if page == 0 {
		return fmt.Errorf("%w: zero page size", api.ErrConfig)
	}
	appStart := w.cfg.ApplicationStart
	if appStart%page != 0 {
		return fmt.Errorf("%w: application start 0x%08x is not aligned to page size %d", api.ErrConfig, appStart, page)
	}
	if d.Size > w.cfg.MaxApplicationSize {
		return &api.CapacityError{What: "firmware size", Need: d.Size, Limit: w.cfg.MaxApplicationSize}
	}
	readSize := uint64(len(buf)) / page * page
	if readSize == 0 {
		return &api.CapacityError{What: "page size", Need: page, Limit: uint64(len(buf))}
	}
	if w.staged == nil {
		return errors.New("no staged storage configured")
	}

	for offset := uint64(0); offset < d.Size; {
		want := min(readSize, d.Size-offset)

		n, err := w.staged.ReadAt(ctx, index, offset, buf[:want])
		if err != nil {
			klog.Warningf("Reading staged slot %d @ %d failed: %v", index, offset, err)
			return err
		}
		if n == 0 {
			klog.Errorf("Staged slot %d read returned 0 bytes @ %d", index, offset)
			return fmt.Errorf("staged read of slot %d @ %d returned no data", index, offset)
		}

		// Pad the final chunk out to a whole page.
		programSize := flash.RoundUp(uint64(n), page)
		for i := uint64(n); i < programSize; i++ {
			buf[i] = flash.ErasedValue
		}

		klog.V(2).Infof("%d/%d writing %d bytes to 0x%08x", offset, d.Size, programSize, appStart+offset)

		for p := uint64(0); p < programSize; p += page {
			addr := appStart + offset + p
			if err := w.drv.Program(buf[p:p+page], addr); err != nil {
				klog.Warningf("Programming 0x%08x failed: %v", addr, err)
				return &api.IOError{Op: "program", Addr: addr, Err: err}
			}
		}
		w.metrics.Programmed(programSize)

		offset += programSize
		w.report("program", min(offset, d.Size), d.Size)
	}
	return nil
}

func (w *writer) report(phase string, done, total uint64) {
	if w.progress != nil {
		w.progress(phase, done, total)
	}
}
