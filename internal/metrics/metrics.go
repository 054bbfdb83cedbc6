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

// Package metrics exports counters describing firmware management activity.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/armored-witness-loader/api"
)

const namespace = "armored_witness_loader"

// Metrics holds the counters for one firmware manager.
type Metrics struct {
	Operations      *prometheus.CounterVec
	BytesProgrammed prometheus.Counter
	SectorsErased   prometheus.Counter
	BytesMirrored   prometheus.Counter
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Number of firmware operations completed, by operation and result.",
			},
			[]string{"op", "result"}, // op: verify/update/mirror, result: success/empty/error
		),
		BytesProgrammed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_programmed_total",
				Help:      "Number of bytes programmed into internal flash.",
			},
		),
		SectorsErased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sectors_erased_total",
				Help:      "Number of internal flash sectors erased.",
			},
		),
		BytesMirrored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_bytes_written_total",
				Help:      "Number of firmware bytes written to the external mirror.",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.Operations, m.BytesProgrammed, m.SectorsErased, m.BytesMirrored} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records the outcome of an operation.
func (m *Metrics) Observe(op string, r api.Result) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, r.String()).Inc()
}

// Programmed records n bytes programmed into internal flash.
func (m *Metrics) Programmed(n uint64) {
	if m == nil {
		return
	}
	m.BytesProgrammed.Add(float64(n))
}

// Erased records one erased sector.
func (m *Metrics) Erased() {
	if m == nil {
		return
	}
	m.SectorsErased.Inc()
}

// Mirrored records n bytes written to the mirror.
func (m *Metrics) Mirrored(n uint64) {
	if m == nil {
		return
	}
	m.BytesMirrored.Add(float64(n))
}
