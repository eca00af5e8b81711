/* This file is part of raidrecon.
 *
 * Copyright © 2020 Datto, Inc.
 *
 * Licensed under the Apache Software License, Version 2.0
 * Fedora-License-Identifier: ASL 2.0
 * SPDX-2.0-License-Identifier: Apache-2.0
 * SPDX-3.0-License-Identifier: Apache-2.0
 *
 * raidrecon is free software.
 * For more information on the license, see LICENSE.
 * For more information on free software, see <https://www.gnu.org/philosophy/free-sw.en.html>.
 *
 * You may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/datto/raidrecon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type rebuildOptions struct {
	components []string
	spare      string
	failedCol  int
	sectorSize int
	stripeUnit uint64
	reconUnit  uint64
	syncWrites bool
}

var rebuildOpts rebuildOptions

var errComponentMissing = errors.New("component is missing")

var rebuildCmd = &cobra.Command{
	Use:   "rebuild --component c0 --component c1 ... --failed N --spare spare_file",
	Short: "Rebuild a file backed array onto a spare file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(configFile)
		if err != nil {
			return err
		}

		return runRebuild(cmd.Context(), &rebuildOpts, config, raidrecon.LocalFs{}, logrus.StandardLogger())
	},
}

func init() {
	flags := rebuildCmd.Flags()
	flags.StringArrayVar(&rebuildOpts.components, "component", nil, "Component file, in column order (repeatable)")
	flags.StringVar(&rebuildOpts.spare, "spare", "", "File that receives the rebuilt column")
	flags.IntVar(&rebuildOpts.failedCol, "failed", -1, "Column to rebuild")
	flags.IntVar(&rebuildOpts.sectorSize, "sector-size", 512, "Sector size in bytes")
	flags.Uint64Var(&rebuildOpts.stripeUnit, "stripe-unit", 128, "Sectors per stripe unit")
	flags.Uint64Var(&rebuildOpts.reconUnit, "recon-unit", 128, "Sectors per reconstruction unit")
	flags.BoolVar(&rebuildOpts.syncWrites, "sync", false, "Flush the spare after every write")
	_ = rebuildCmd.MarkFlagRequired("spare")
	_ = rebuildCmd.MarkFlagRequired("failed")
}

// missingDisk stands in for the failed component, which is never read once
// its column is marked failed
type missingDisk struct {
	sectorSize int
	numSectors uint64
}

func (d missingDisk) SubmitIO(req *raidrecon.Request, complete func(error)) {
	go complete(errComponentMissing)
}

func (d missingDisk) SectorSize() int {
	return d.sectorSize
}

func (d missingDisk) NumSectors() uint64 {
	return d.numSectors
}

func runRebuild(ctx context.Context, opts *rebuildOptions, config *raidrecon.Config, fs raidrecon.FileSystem, log *logrus.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	numColumns := len(opts.components)
	if opts.failedCol < 0 || opts.failedCol >= numColumns {
		return fmt.Errorf("failed column %d is not one of the %d components", opts.failedCol, numColumns)
	}

	if opts.sectorSize <= 0 || opts.stripeUnit == 0 {
		return fmt.Errorf("%w: sector size and stripe unit must be positive", raidrecon.ErrInvalidConfig)
	}

	columnSectors, err := smallestComponent(fs, opts)
	if err != nil {
		return err
	}

	layout, err := raidrecon.NewRAID5Layout(raidrecon.Geometry{
		NumColumns:           numColumns,
		SectorSize:           opts.sectorSize,
		SectorsPerStripeUnit: opts.stripeUnit,
		SectorsPerReconUnit:  opts.reconUnit,
		NumParityStripes:     columnSectors / opts.stripeUnit,
	})
	if err != nil {
		return err
	}
	geometry := layout.Geometry()

	var files []*raidrecon.FileDisk
	defer func() {
		for _, f := range files {
			if err := f.Close(); err != nil {
				log.Warnf("Could not close component: %s", err)
			}
		}
	}()

	open := func(name string, create bool) (*raidrecon.FileDisk, error) {
		disk, err := raidrecon.OpenFileDisk(&raidrecon.FileDiskConfig{
			Fs:         fs,
			Name:       name,
			SectorSize: opts.sectorSize,
			NumSectors: geometry.ColumnSectors(),
			Create:     create,
			SyncWrites: create && opts.syncWrites,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		files = append(files, disk)

		return disk, nil
	}

	drivers := make([]raidrecon.DiskDriver, numColumns)
	for col, name := range opts.components {
		if col == opts.failedCol {
			drivers[col] = missingDisk{sectorSize: opts.sectorSize, numSectors: geometry.ColumnSectors()}
			continue
		}

		if drivers[col], err = open(name, false); err != nil {
			return err
		}
	}

	spare, err := open(opts.spare, true)
	if err != nil {
		return err
	}

	array, err := raidrecon.NewArray(&raidrecon.ArrayConfig{
		Layout:  layout,
		Drivers: drivers,
		Spare:   spare,
		Config:  config,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	if err := array.FailColumn(opts.failedCol); err != nil {
		return err
	}

	recon, err := array.StartReconstruction(opts.failedCol)
	if err != nil {
		return err
	}

	statusCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !noProgressFlag {
		go outputStatus(statusCtx, recon)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	select {
	case <-sig:
		// The spare is left partially written and must be rebuilt from scratch
		return fmt.Errorf("interrupted at %d%%", recon.Progress().PercentComplete())
	case <-ctx.Done():
		return ctx.Err()
	case <-recon.Done():
	}

	if err := recon.Wait(); err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}

	if err := spare.Flush(); err != nil {
		return err
	}

	printStats(recon)

	return nil
}

// smallestComponent returns the capacity in sectors of the smallest surviving component
func smallestComponent(fs raidrecon.FileSystem, opts *rebuildOptions) (uint64, error) {
	var smallest uint64
	for col, name := range opts.components {
		if col == opts.failedCol {
			continue
		}

		info, err := fs.Stat(name)
		if err != nil {
			return 0, fmt.Errorf("could not stat component %s: %s", name, err)
		}

		sectors := uint64(info.Size()) / uint64(opts.sectorSize)
		if smallest == 0 || sectors < smallest {
			smallest = sectors
		}
	}

	if smallest == 0 {
		return 0, fmt.Errorf("%w: components hold no complete sector", raidrecon.ErrInvalidConfig)
	}

	return smallest, nil
}
