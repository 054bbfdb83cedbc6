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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/internal/active"
	"github.com/transparency-dev/armored-witness-loader/internal/metrics"
	"github.com/transparency-dev/armored-witness-loader/internal/mirror"
	"github.com/transparency-dev/armored-witness-loader/internal/staged"
	"github.com/transparency-dev/armored-witness-loader/internal/storage/unaligned"
	"k8s.io/klog/v2"
)

// app holds the state shared by all subcommands.
type app struct {
	v *viper.Viper

	configFile   string
	flashFile    string
	stagedDir    string
	stagedDevice string
	metricsFile  string
	progress     bool

	plat *platform
	src  staged.Source
	reg  *prometheus.Registry
	bars *progressBars
}

// newRootCmd builds the command tree. Flags on pflag.CommandLine, where main
// puts klog's, are merged in by cobra.
func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}

	root := &cobra.Command{
		Use:           "activectl",
		Short:         "Inspect, verify, update and mirror the active firmware in a flash image",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPlatform(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.plat = p
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Platform description file (YAML, TOML or JSON).")
	pf.StringVar(&a.flashFile, "flash", "flash.bin", "Internal flash image file.")
	pf.StringVar(&a.stagedDir, "staged-dir", ".", "Directory holding staged images, named slot<N>.bin.")
	pf.StringVar(&a.stagedDevice, "staged-device", "", "If set, install staged images from the slots of this external storage image instead of --staged-dir.")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "If set, write operation metrics to this file in the Prometheus text format.")
	pf.BoolVar(&a.progress, "progress", false, "Show progress bars on stderr.")

	root.AddCommand(
		a.formatCmd(),
		a.headerCmd(),
		a.verifyCmd(),
		a.updateCmd(),
		a.mirrorCmd(),
	)
	return root
}

// withManager opens the flash image, runs f against a Manager for it, and
// writes out metrics afterwards. The flash image is saved back if save is
// set, even when f fails: a failed update is not rolled back.
func (a *app) withManager(cmd *cobra.Command, save bool, f func(context.Context, *active.Manager) error) (err error) {
	drv, err := openFlash(a.plat, a.flashFile)
	if err != nil {
		return err
	}
	if a.src == nil {
		a.src = &staged.DirSource{Dir: a.stagedDir}
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector())
	mt, err := metrics.New(a.reg)
	if err != nil {
		return err
	}

	opts := []active.Option{
		active.WithScratchSize(a.plat.ScratchSize),
		active.WithStaged(a.src),
		active.WithMetrics(mt),
		active.WithMirrorOptions(mirror.Options{
			Pace:          a.plat.Mirror.Pace,
			VerifyCurrent: a.plat.Mirror.VerifyCurrent,
		}),
	}
	if a.progress {
		a.bars = &progressBars{w: cmd.ErrOrStderr()}
		opts = append(opts, active.WithProgress(a.bars.update))
	}

	m, err := active.New(drv, a.plat.Active, opts...)
	if err != nil {
		return err
	}
	if err := m.Init(); err != nil {
		return err
	}
	defer func() {
		if a.bars != nil {
			a.bars.finish()
		}
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if save {
			if serr := saveFlash(drv, a.flashFile); serr != nil && err == nil {
				err = serr
			}
		}
		if a.metricsFile != "" {
			if merr := prometheus.WriteToTextfile(a.metricsFile, a.reg); merr != nil && err == nil {
				err = merr
			}
		}
	}()

	return f(cmd.Context(), m)
}

// openPartition opens the slots of the external storage image at path.
// The returned device must be closed by the caller.
func (a *app) openPartition(path string) (*staged.Partition, *fileDevice, error) {
	dev := &fileDevice{
		path:      path,
		blockSize: a.plat.Mirror.BlockSize,
		blocks:    a.plat.Mirror.Blocks,
	}
	u := unaligned.New(dev)
	if err := u.Init(); err != nil {
		return nil, nil, err
	}
	p, err := staged.OpenPartition(u, dev.BlockSize(), a.plat.Staged)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return p, dev, nil
}

func (a *app) formatCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create an erased internal flash image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(a.flashFile); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", a.flashFile)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			drv, err := flash.NewMemDriver(a.plat.Flash.Geometry, a.plat.Flash.PageSize)
			if err != nil {
				return err
			}
			klog.Infof("Writing erased flash image %s (%d bytes)", a.flashFile, a.plat.Flash.Geometry.Length())
			return saveFlash(drv, a.flashFile)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing flash image.")
	return cmd
}

func (a *app) headerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "header",
		Short: "Print the details of the installed firmware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd, false, func(ctx context.Context, m *active.Manager) error {
				d, err := m.ReadHeader(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), d.Print())
				return nil
			})
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the installed firmware against its header",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd, false, func(ctx context.Context, m *active.Manager) error {
				r, err := m.Verify(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), r)
				if r == api.Error {
					return fmt.Errorf("verification failed: %w", err)
				}
				return nil
			})
		},
	}
}

func (a *app) updateCmd() *cobra.Command {
	var (
		index   uint32
		version string
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Install a staged image into the internal flash",
		Long: `Install a staged image into the internal flash.

Images are read from --staged-dir, in which case --version must be given,
or from a slot of --staged-device, whose record carries the version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var d api.FirmwareDetails
			if a.stagedDevice != "" {
				p, dev, err := a.openPartition(a.stagedDevice)
				if err != nil {
					return err
				}
				defer dev.Close()
				if d, err = p.Details(index); err != nil {
					return err
				}
				if version != "" {
					v, err := api.ParseVersion(version)
					if err != nil {
						return err
					}
					if v != d.Version {
						return fmt.Errorf("slot %d holds version %d, not %d", index, d.Version, v)
					}
				}
				a.src = p
			} else {
				if version == "" {
					return errors.New("--version is required when installing from --staged-dir")
				}
				v, err := api.ParseVersion(version)
				if err != nil {
					return err
				}
				src := &staged.DirSource{Dir: a.stagedDir}
				if d, err = src.Details(index, v, make([]byte, a.plat.ScratchSize)); err != nil {
					return fmt.Errorf("failed to read staged slot %d: %v", index, err)
				}
				a.src = src
			}

			return a.withManager(cmd, true, func(ctx context.Context, m *active.Manager) error {
				if err := m.Update(ctx, index, d); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), d.Print())
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&index, "index", 0, "Staged slot to install.")
	cmd.Flags().StringVar(&version, "version", "", "Version of the staged image, either a number or a semantic version.")
	return cmd
}

func (a *app) mirrorCmd() *cobra.Command {
	var (
		target string
		offset uint64
		slot   int
	)
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Copy the installed firmware into an external storage image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if slot >= 0 {
				p, dev, err := a.openPartition(target)
				if err != nil {
					return err
				}
				offset, err = p.SlotOffset(uint32(slot))
				dev.Close()
				if err != nil {
					return err
				}
			}

			dev := &fileDevice{
				path:      target,
				blockSize: a.plat.Mirror.BlockSize,
				blocks:    a.plat.Mirror.Blocks,
			}
			defer dev.Close()

			return a.withManager(cmd, false, func(ctx context.Context, m *active.Manager) error {
				r, err := m.Mirror(ctx, unaligned.New(dev), offset)
				fmt.Fprintln(cmd.OutOrStdout(), r)
				if r == api.Error {
					return fmt.Errorf("mirror failed: %w", err)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&target, "target", "mirror.bin", "External storage image file.")
	f.Uint64Var(&offset, "offset", 0, "Byte offset of the mirror record in the external storage.")
	f.IntVar(&slot, "slot", -1, "If set, mirror into this staged slot of the external storage, ignoring --offset.")
	f.Duration("pace", mirror.DefaultPace, "Pause between mirrored chunks.")
	f.Bool("verify-current", false, "Re-hash an existing mirror of the same version before skipping the copy.")
	_ = a.v.BindPFlag("mirror.pace", f.Lookup("pace"))
	_ = a.v.BindPFlag("mirror.verify_current", f.Lookup("verify-current"))
	return cmd
}
