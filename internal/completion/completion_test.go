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

package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transparency-dev/armored-witness-loader/api"
)

func TestCallSynchronousCompletion(t *testing.T) {
	var s Signal
	e, err := s.Call(context.Background(), func(done func(Event)) error {
		done(Event{N: 42})
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if e.N != 42 {
		t.Fatalf("Call() = %+v, want N=42", e)
	}
}

func TestCallAsynchronousCompletion(t *testing.T) {
	var s Signal
	boom := errors.New("boom")
	e, err := s.Call(context.Background(), func(done func(Event)) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			done(Event{Err: boom})
		}()
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !errors.Is(e.Err, boom) {
		t.Fatalf("Call() = %+v, want Err=%v", e, boom)
	}
}

func TestCallRejected(t *testing.T) {
	var s Signal
	rejected := errors.New("rejected")
	if _, err := s.Call(context.Background(), func(func(Event)) error { return rejected }); !errors.Is(err, rejected) {
		t.Fatalf("Call() = %v, want %v", err, rejected)
	}
	// A rejected request must not leave the signal armed.
	if _, err := s.Call(context.Background(), func(done func(Event)) error {
		done(Event{})
		return nil
	}); err != nil {
		t.Fatalf("Call() after rejection: %v", err)
	}
}

func TestSecondOutstandingCallIsBusy(t *testing.T) {
	var s Signal
	release := make(chan func(Event))
	result := make(chan error)

	go func() {
		_, err := s.Call(context.Background(), func(done func(Event)) error {
			release <- done
			return nil
		})
		result <- err
	}()

	done := <-release
	if _, err := s.Call(context.Background(), func(func(Event)) error {
		t.Error("second request was issued")
		return nil
	}); !errors.Is(err, api.ErrBusy) {
		t.Fatalf("second Call() = %v, want ErrBusy", err)
	}

	done(Event{})
	if err := <-result; err != nil {
		t.Fatalf("first Call: %v", err)
	}
}

func TestAbandonedRequestHoldsSlot(t *testing.T) {
	var s Signal
	var late func(Event)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Call(ctx, func(done func(Event)) error {
		late = done
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() = %v, want context.Canceled", err)
	}

	select {
	case <-s.Idle():
		t.Fatal("Idle() closed while the abandoned request is outstanding")
	default:
	}
	if _, err := s.Call(context.Background(), func(func(Event)) error {
		t.Error("request issued while the abandoned one is outstanding")
		return nil
	}); !errors.Is(err, api.ErrBusy) {
		t.Fatalf("Call() = %v, want ErrBusy", err)
	}

	late(Event{N: 1})
	select {
	case <-s.Idle():
	case <-time.After(time.Second):
		t.Fatal("Idle() not closed after the abandoned request completed")
	}

	e, err := s.Call(context.Background(), func(done func(Event)) error {
		// A repeated completion of the abandoned request is ignored.
		late(Event{N: 1})
		done(Event{N: 2})
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if e.N != 2 {
		t.Fatalf("Call() = %+v, observed stale completion", e)
	}
}

func TestAbandonAfterCompletionFreesSlot(t *testing.T) {
	var s Signal
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The request completes synchronously, so whichever way the wait ends
	// nothing is left outstanding.
	if _, err := s.Call(ctx, func(done func(Event)) error {
		done(Event{N: 3})
		return nil
	}); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() = %v", err)
	}
	select {
	case <-s.Idle():
	default:
		t.Fatal("Idle() not closed after a completed request")
	}
}
