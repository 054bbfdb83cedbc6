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
	"io"

	"github.com/cheggaaa/pb/v3"
)

// progressBars shows one bar per operation phase, replacing the bar each
// time the phase changes.
type progressBars struct {
	w     io.Writer
	phase string
	bar   *pb.ProgressBar
}

func (p *progressBars) update(phase string, done, total uint64) {
	if p.bar == nil || p.phase != phase {
		p.finish()
		p.phase = phase
		p.bar = pb.New64(int64(total)).
			Set(pb.Bytes, true).
			Set("prefix", fmt.Sprintf("%-14s", phase)).
			SetWriter(p.w).
			Start()
	}
	p.bar.SetCurrent(int64(done))
}

func (p *progressBars) finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
