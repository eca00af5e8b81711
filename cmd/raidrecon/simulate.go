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
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/datto/raidrecon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type simulateOptions struct {
	columns    int
	stripes    uint64
	sectorSize int
	stripeUnit uint64
	reconUnit  uint64
	failedCol  int
	writers    int
	latency    time.Duration
	seed       int64
}

var simulateOpts simulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Rebuild an in-memory array under foreground load and verify it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(configFile)
		if err != nil {
			return err
		}

		return runSimulation(cmd.Context(), &simulateOpts, config, logrus.StandardLogger())
	},
}

func init() {
	flags := simulateCmd.Flags()
	flags.IntVar(&simulateOpts.columns, "columns", 5, "Number of columns in the array, parity included")
	flags.Uint64Var(&simulateOpts.stripes, "stripes", 1024, "Number of parity stripes")
	flags.IntVar(&simulateOpts.sectorSize, "sector-size", 512, "Sector size in bytes")
	flags.Uint64Var(&simulateOpts.stripeUnit, "stripe-unit", 16, "Sectors per stripe unit")
	flags.Uint64Var(&simulateOpts.reconUnit, "recon-unit", 8, "Sectors per reconstruction unit")
	flags.IntVar(&simulateOpts.failedCol, "fail", 0, "Column to fail and rebuild")
	flags.IntVar(&simulateOpts.writers, "writers", 4, "Foreground writers running during the rebuild")
	flags.DurationVar(&simulateOpts.latency, "latency", 0, "Latency added to every component request")
	flags.Int64Var(&simulateOpts.seed, "seed", 0, "Random seed, 0 picks one from the clock")
}

// simulation tracks what every unit of the array should contain
type simulation struct {
	array    *raidrecon.Array
	unitSize int
	units    uint64
	expected [][]byte
	lock     *sync.Mutex
	log      *logrus.Logger
}

func runSimulation(ctx context.Context, opts *simulateOptions, config *raidrecon.Config, log *logrus.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Infof("Simulating with seed %d", seed)

	layout, err := raidrecon.NewRAID5Layout(raidrecon.Geometry{
		NumColumns:           opts.columns,
		SectorSize:           opts.sectorSize,
		SectorsPerStripeUnit: opts.stripeUnit,
		SectorsPerReconUnit:  opts.reconUnit,
		NumParityStripes:     opts.stripes,
	})
	if err != nil {
		return err
	}
	geometry := layout.Geometry()

	drivers := make([]raidrecon.DiskDriver, opts.columns)
	for col := range drivers {
		disk := raidrecon.NewMemDisk(opts.sectorSize, geometry.ColumnSectors())
		disk.SetLatency(opts.latency)
		drivers[col] = disk
	}
	spare := raidrecon.NewMemDisk(opts.sectorSize, geometry.ColumnSectors())
	spare.SetLatency(opts.latency)

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

	sim := &simulation{
		array:    array,
		unitSize: geometry.ReconUnitBytes(),
		units:    layout.DataSectors() / geometry.SectorsPerReconUnit,
		lock:     &sync.Mutex{},
		log:      log,
	}
	sim.expected = make([][]byte, sim.units)

	fmt.Printf("filling %d units of %s\n", sim.units, raidrecon.BytesToHumanReadable(uint64(sim.unitSize)))
	if err := sim.fill(rand.New(rand.NewSource(seed))); err != nil {
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

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < opts.writers; i++ {
		worker := i
		rng := rand.New(rand.NewSource(seed + int64(worker) + 1))
		group.Go(func() error {
			return sim.writeUntilDone(groupCtx, recon.Done(), worker, opts.writers, rng)
		})
	}

	reconErr := recon.Wait()
	if err := group.Wait(); err != nil {
		return err
	}
	cancel()

	if reconErr != nil {
		return fmt.Errorf("reconstruction failed: %w", reconErr)
	}

	mismatches, err := sim.verify()
	if err != nil {
		return err
	}

	printStats(recon)
	if mismatches > 0 {
		return fmt.Errorf("%d of %d units differ after the rebuild", mismatches, sim.units)
	}
	fmt.Printf("verified %d units\n", sim.units)

	return nil
}

func (s *simulation) unitAddr(unit uint64) uint64 {
	return unit * s.array.Layout().Geometry().SectorsPerReconUnit
}

func (s *simulation) fill(rng *rand.Rand) error {
	for unit := uint64(0); unit < s.units; unit++ {
		p := make([]byte, s.unitSize)
		rng.Read(p)
		if err := s.array.WriteUnit(s.unitAddr(unit), p); err != nil {
			return err
		}
		s.expected[unit] = p
	}

	return nil
}

// writeUntilDone rewrites random units owned by worker until done closes.
// Units are partitioned between workers so the expected contents stay exact.
func (s *simulation) writeUntilDone(ctx context.Context, done <-chan struct{}, worker, workers int, rng *rand.Rand) error {
	owned := (s.units + uint64(workers-worker-1)) / uint64(workers)
	if owned == 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		default:
		}

		unit := uint64(rng.Int63n(int64(owned)))*uint64(workers) + uint64(worker)
		p := make([]byte, s.unitSize)
		rng.Read(p)
		if err := s.array.WriteUnit(s.unitAddr(unit), p); err != nil {
			return fmt.Errorf("foreground write of unit %d: %w", unit, err)
		}

		s.lock.Lock()
		s.expected[unit] = p
		s.lock.Unlock()
	}
}

func (s *simulation) verify() (uint64, error) {
	var mismatches uint64
	p := make([]byte, s.unitSize)
	for unit := uint64(0); unit < s.units; unit++ {
		if err := s.array.ReadUnit(s.unitAddr(unit), p); err != nil {
			return mismatches, err
		}

		s.lock.Lock()
		same := bytes.Equal(p, s.expected[unit])
		s.lock.Unlock()
		if !same {
			s.log.WithField("unit", unit).Error("Unit differs after the rebuild")
			mismatches++
		}
	}

	return mismatches, nil
}
