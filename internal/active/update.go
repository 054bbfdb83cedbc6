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

	"github.com/looplab/fsm"
	"github.com/transparency-dev/armored-witness-loader/api"
	"k8s.io/klog/v2"
)

// Update states.
const (
	StateIdle     = "idle"
	StateErased   = "erased"
	StateHeader   = "header"
	StateBody     = "body"
	StateVerified = "verified"
	StateFailed   = "failed"
)

// Update events.
const (
	// EventErase wipes the header and application regions.
	EventErase = "erase"
	// EventWriteHeader programs the new header.
	EventWriteHeader = "write_header"
	// EventWriteBody copies the staged image into the application region.
	EventWriteBody = "write_body"
	// EventVerify re-verifies the installed image.
	EventVerify = "verify"
	// EventFail records that the step in progress failed.
	EventFail = "fail"
)

// updateSteps is the order in which an update runs.
var updateSteps = []string{EventErase, EventWriteHeader, EventWriteBody, EventVerify}

// update drives one installation of a staged image.
//
// Each step runs as the guard of its transition, so a failing step leaves
// the machine in the last state which was reached successfully until the
// fail event moves it to StateFailed.
type update struct {
	*fsm.FSM

	v       *verifier
	w       *writer
	buf     []byte
	index   uint32
	details api.FirmwareDetails
}

func newUpdate(v *verifier, w *writer, buf []byte, index uint32, d api.FirmwareDetails) *update {
	u := &update{v: v, w: w, buf: buf, index: index, details: d}

	events := fsm.Events{
		{Name: EventErase, Src: []string{StateIdle}, Dst: StateErased},
		{Name: EventWriteHeader, Src: []string{StateErased}, Dst: StateHeader},
		{Name: EventWriteBody, Src: []string{StateHeader}, Dst: StateBody},
		{Name: EventVerify, Src: []string{StateBody}, Dst: StateVerified},

		// Any step can fail.
		{Name: EventFail, Src: []string{StateIdle, StateErased, StateHeader, StateBody}, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		// Guards (before_...): perform the step, cancelling the transition on failure.
		"before_" + EventErase:       guard(u.erase),
		"before_" + EventWriteHeader: guard(u.writeHeader),
		"before_" + EventWriteBody:   guard(u.writeBody),
		"before_" + EventVerify:      guard(u.verify),

		"enter_" + StateFailed: u.enterFailed,
		"enter_state": func(_ context.Context, e *fsm.Event) {
			klog.V(1).Infof("Update of slot %d: %s -> %s", u.index, e.Src, e.Dst)
		},
	}

	u.FSM = fsm.NewFSM(StateIdle, events, callbacks)
	return u
}

// guard adapts a step to a before_ callback.
func guard(step func(ctx context.Context) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := step(ctx); err != nil {
			e.Cancel(err)
		}
	}
}

func (u *update) erase(context.Context) error {
	return u.w.erase(u.details.Size)
}

func (u *update) writeHeader(context.Context) error {
	return u.w.writeHeader(u.buf, u.details)
}

func (u *update) writeBody(ctx context.Context) error {
	return u.w.writeBody(ctx, u.buf, u.index, u.details)
}

// verify requires the freshly written image to verify as valid, which
// catches corruption the individual writes didn't report.
func (u *update) verify(ctx context.Context) error {
	klog.Infof("Verify new active firmware:")
	r, err := u.v.verify(ctx, u.buf)
	if r == api.Success {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%w: new firmware verified as %v", api.ErrIntegrity, r)
	}
	return err
}

func (u *update) enterFailed(_ context.Context, e *fsm.Event) {
	var err error
	if len(e.Args) > 0 {
		err, _ = e.Args[0].(error)
	}
	klog.Warningf("Update of slot %d to version %d failed after reaching %q: %v", u.index, u.details.Version, e.Src, err)
}

// run performs every step in order, stopping at the first failure.
func (u *update) run(ctx context.Context) error {
	for _, ev := range updateSteps {
		err := u.Event(ctx, ev)
		if err == nil {
			continue
		}
		var ce fsm.CanceledError
		if errors.As(err, &ce) && ce.Err != nil {
			err = ce.Err
		}
		// The failure is recorded even when ctx was what ended the step.
		if ferr := u.Event(context.WithoutCancel(ctx), EventFail, err); ferr != nil {
			klog.Errorf("Failed to record update failure: %v", ferr)
		}
		return fmt.Errorf("%s: %w", ev, err)
	}
	klog.Infof("Installed firmware version %d (%d bytes) from slot %d", u.details.Version, u.details.Size, u.index)
	return nil
}
