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

// Package completion provides a single-slot completion signal used to make
// blocking calls over asynchronous storage subsystems.
//
// At most one request may be outstanding on a Signal at any time.
package completion

import (
	"context"
	"sync"

	"github.com/transparency-dev/armored-witness-loader/api"
	"k8s.io/klog/v2"
)

// Event is the completion of an asynchronous request.
type Event struct {
	// N is the number of bytes transferred, where applicable.
	N int
	// Err is nil if the request succeeded.
	Err error
}

// Signal bridges an asynchronous request to a blocking call.
type Signal struct {
	mu    sync.Mutex
	gen   uint64
	armed bool
	// abandoned is set when the caller stopped waiting for the outstanding
	// request. The slot stays armed until that request completes.
	abandoned bool
	ch        chan Event
	idle      chan struct{}
}

// Call issues a request and blocks until it completes.
//
// issue must start the request and arrange for done to be invoked exactly
// once with its outcome, either before returning or later from another
// goroutine. If issue returns an error the request is considered rejected
// and done must not be called.
//
// There is no timeout: the wait ends only when done is invoked or ctx is
// cancelled. A request abandoned through ctx still owns the Signal, and
// any buffer it was given, until it completes; Idle reports when that
// happens. A Call made while another request is outstanding fails with
// api.ErrBusy.
func (s *Signal) Call(ctx context.Context, issue func(done func(Event)) error) (Event, error) {
	ch, gen, err := s.arm()
	if err != nil {
		return Event{}, err
	}

	if err := issue(func(e Event) { s.fire(gen, e) }); err != nil {
		s.disarm(gen)
		return Event{}, err
	}

	select {
	case e := <-ch:
		s.disarm(gen)
		return e, nil
	case <-ctx.Done():
		s.abandon(gen, ch)
		return Event{}, ctx.Err()
	}
}

// Idle returns a channel which is closed once no request is outstanding.
func (s *Signal) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.idle
}

func (s *Signal) arm() (chan Event, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		return nil, 0, api.ErrBusy
	}
	// A fresh channel per request guarantees that a completion left over
	// from an earlier request cannot be observed.
	s.gen++
	s.armed = true
	s.abandoned = false
	s.ch = make(chan Event, 1)
	s.idle = make(chan struct{})

	return s.ch, s.gen, nil
}

func (s *Signal) disarm(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen == gen && s.armed {
		s.armed = false
		close(s.idle)
	}
}

// abandon stops waiting for request gen. If it has already completed the
// slot is freed, otherwise it is freed by the late completion.
func (s *Signal) abandon(gen uint64, ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || !s.armed {
		return
	}
	select {
	case <-ch:
		s.armed = false
		close(s.idle)
	default:
		klog.Warningf("abandoning request %d, holding the slot until it completes", gen)
		s.abandoned = true
	}
}

func (s *Signal) fire(gen uint64, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed || s.gen != gen {
		klog.Warningf("dropping stale completion (request %d, current %d)", gen, s.gen)
		return
	}
	if s.abandoned {
		klog.Infof("abandoned request %d completed: %d bytes, %v", gen, e.N, e.Err)
		s.armed = false
		s.abandoned = false
		close(s.idle)
		return
	}

	select {
	case s.ch <- e:
	default:
		klog.Warningf("dropping duplicate completion for request %d", gen)
	}
}
