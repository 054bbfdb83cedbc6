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

// Package active manages the firmware installed in internal flash: it
// verifies the installed image, installs staged images, and mirrors the
// installed image into external storage.
//
// A Manager runs one operation at a time. Operations started while another
// is in flight fail with api.ErrBusy rather than queueing.
package active

import (
	"context"
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/internal/completion"
	"github.com/transparency-dev/armored-witness-loader/internal/metrics"
	"github.com/transparency-dev/armored-witness-loader/internal/mirror"
	"github.com/transparency-dev/armored-witness-loader/internal/scratch"
	"github.com/transparency-dev/armored-witness-loader/internal/staged"
	"k8s.io/klog/v2"
)

// DefaultScratchSize is the scratch buffer capacity used when none is set.
const DefaultScratchSize = 4096

// Manager is the entry point to active firmware management.
type Manager struct {
	drv flash.Driver
	cfg Config

	scratchSize int
	scratch     *scratch.Buffer
	// sig is shared by every asynchronous collaborator.
	sig completion.Signal

	details    DetailsSource
	staged     staged.Source
	progress   api.Progress
	metrics    *metrics.Metrics
	mirrorOpts mirror.Options
}

// Option configures a Manager.
type Option func(*Manager)

// WithScratchSize sets the capacity of the buffer used for all transfers.
func WithScratchSize(n int) Option {
	return func(m *Manager) {
		m.scratchSize = n
	}
}

// WithDetailsSource replaces the default source of the installed firmware
// details, which decodes the header region of the flash.
func WithDetailsSource(d DetailsSource) Option {
	return func(m *Manager) {
		m.details = d
	}
}

// WithStaged sets the storage from which updates are installed.
func WithStaged(s staged.Source) Option {
	return func(m *Manager) {
		m.staged = s
	}
}

// WithProgress sets a callback which is told how far through each phase an
// operation is.
func WithProgress(p api.Progress) Option {
	return func(m *Manager) {
		m.progress = p
	}
}

// WithMetrics sets the counters updated by the Manager.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithMirrorOptions tunes how the installed firmware is mirrored.
func WithMirrorOptions(o mirror.Options) Option {
	return func(m *Manager) {
		m.mirrorOpts = o
	}
}

// New creates a Manager for the firmware described by cfg on drv.
func New(drv flash.Driver, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		drv:         drv,
		cfg:         cfg,
		scratchSize: DefaultScratchSize,
		mirrorOpts:  mirror.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.scratchSize <= 0 {
		return nil, fmt.Errorf("%w: scratch size %d", api.ErrConfig, m.scratchSize)
	}
	m.scratch = scratch.New(m.scratchSize)
	if m.details == nil {
		m.details = &FlashDetails{Driver: drv, Config: cfg}
	}

	return m, nil
}

// Init prepares the flash for use.
func (m *Manager) Init() error {
	if err := m.drv.Init(); err != nil {
		return fmt.Errorf("failed to init flash: %w", err)
	}
	return nil
}

// Close releases the flash.
func (m *Manager) Close() error {
	return m.drv.Deinit()
}

func (m *Manager) verifier() *verifier {
	return &verifier{
		drv:      m.drv,
		cfg:      m.cfg,
		details:  m.details,
		sig:      &m.sig,
		progress: m.progress,
	}
}

func (m *Manager) writer() *writer {
	w := &writer{
		drv:      m.drv,
		cfg:      m.cfg,
		metrics:  m.metrics,
		progress: m.progress,
	}
	if m.staged != nil {
		w.staged = staged.NewReader(m.staged, &m.sig)
	}
	return w
}

// releaseWhenIdle returns the scratch buffer once no asynchronous request
// which may write into it is outstanding. A request abandoned through a
// cancelled context keeps the buffer until it completes.
func (m *Manager) releaseWhenIdle(release func()) {
	idle := m.sig.Idle()
	select {
	case <-idle:
		release()
	default:
		klog.Warning("Holding scratch buffer until the abandoned request completes")
		go func() {
			<-idle
			release()
		}()
	}
}

// ReadHeader returns the details of the installed firmware.
func (m *Manager) ReadHeader(ctx context.Context) (api.FirmwareDetails, error) {
	_, release, err := m.scratch.Acquire()
	if err != nil {
		return api.FirmwareDetails{}, err
	}
	defer m.releaseWhenIdle(release)

	return m.verifier().ReadHeader(ctx)
}

// Verify checks the installed firmware against the digest in its header.
//
// Returns api.Empty if the header is valid and declares no image, and
// api.Error, along with the reason, if the header is invalid or the image
// doesn't match it.
func (m *Manager) Verify(ctx context.Context) (api.Result, error) {
	buf, release, err := m.scratch.Acquire()
	if err != nil {
		return api.Error, err
	}
	defer m.releaseWhenIdle(release)

	r, err := m.verifier().verify(ctx, buf)
	m.metrics.Observe("verify", r)
	return r, err
}

// Update installs the image in staged slot index, described by d, and
// checks that it verifies once installed.
//
// A failed update is not rolled back. Whatever was last successfully
// written stays in flash for the next Verify to classify.
func (m *Manager) Update(ctx context.Context, index uint32, d api.FirmwareDetails) error {
	buf, release, err := m.scratch.Acquire()
	if err != nil {
		return err
	}
	defer m.releaseWhenIdle(release)

	klog.Infof("Installing version %d (%d bytes) from staged slot %d", d.Version, d.Size, index)
	err = newUpdate(m.verifier(), m.writer(), buf, index, d).run(ctx)
	m.metrics.Observe("update", api.ResultOf(err))
	return err
}

// Mirror copies the installed firmware into dev at offset, unless dev
// already holds a record of the same version and size there.
func (m *Manager) Mirror(ctx context.Context, dev mirror.Target, offset uint64) (api.Result, error) {
	buf, release, err := m.scratch.Acquire()
	if err != nil {
		return api.Error, err
	}
	defer m.releaseWhenIdle(release)

	mr := &mirror.Mirror{
		Options:  m.mirrorOpts,
		Progress: m.progress,
		Metrics:  m.metrics,
	}
	r, err := mr.Copy(ctx, m.verifier(), buf, dev, offset)
	m.metrics.Observe("mirror", r)
	return r, err
}
