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
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datto/raidrecon"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateVerbosityLevel(t *testing.T) {
	assert.Equal(t, verbosityNormal, calculateVerbosityLevel(false, false))
	assert.Equal(t, verbosityVerbose, calculateVerbosityLevel(true, false))
	assert.Equal(t, verbosityVery, calculateVerbosityLevel(true, true))
	assert.Equal(t, verbosityVery, calculateVerbosityLevel(false, true))
}

func TestFieldLogHookKeepsExplicitFields(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.AddHook(fieldLogHook{fields: logrus.Fields{"command": "simulate", "pid": 7}})

	log.WithField("command", "explicit").Info("hello")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "explicit", entry.Data["command"])
	assert.Equal(t, 7, entry.Data["pid"])
}

func TestFieldLogHookLevels(t *testing.T) {
	assert.Equal(t, logrus.AllLevels, fieldLogHook{}.Levels())
	assert.Equal(t, []logrus.Level{logrus.ErrorLevel}, fieldLogHook{levels: []logrus.Level{logrus.ErrorLevel}}.Levels())
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.yaml")
	contents := "floating_buffers: 7\nqueue_policy: sstf\nmax_exec_time: 50ms\nhead_sep_limit: -1\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	t.Setenv("RAIDRECON_XOR_FAN_IN", "3")

	config, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7, config.NumFloatingBuffers)
	assert.Equal(t, "sstf", config.QueuePolicy)
	assert.Equal(t, 50*time.Millisecond, config.MaxExecTime)
	assert.Equal(t, int64(-1), config.HeadSepLimit)
	assert.Equal(t, 3, config.XorFanIn)
	assert.Equal(t, 0, config.MaxOutstanding)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSimulationRebuildsAndVerifies(t *testing.T) {
	noProgressFlag = true
	log, _ := test.NewNullLogger()

	opts := &simulateOptions{
		columns:    4,
		stripes:    32,
		sectorSize: 512,
		stripeUnit: 8,
		reconUnit:  4,
		failedCol:  2,
		writers:    2,
		seed:       42,
	}

	err := runSimulation(context.Background(), opts, &raidrecon.Config{XorFanIn: 2}, log)
	assert.NoError(t, err)
}

func TestSimulationRejectsBadColumn(t *testing.T) {
	noProgressFlag = true
	log, _ := test.NewNullLogger()

	opts := &simulateOptions{columns: 3, stripes: 4, sectorSize: 512, stripeUnit: 4, reconUnit: 4, failedCol: 3, seed: 1}

	err := runSimulation(context.Background(), opts, nil, log)
	assert.ErrorIs(t, err, raidrecon.ErrInvalidConfig)
}

// writeComponents builds a consistent array in memory and dumps each column to a file
func writeComponents(t *testing.T, dir string, geometry raidrecon.Geometry) ([]string, [][]byte) {
	layout, err := raidrecon.NewRAID5Layout(geometry)
	require.NoError(t, err)

	disks := make([]*raidrecon.MemDisk, geometry.NumColumns)
	drivers := make([]raidrecon.DiskDriver, geometry.NumColumns)
	for col := range disks {
		disks[col] = raidrecon.NewMemDisk(geometry.SectorSize, geometry.ColumnSectors())
		drivers[col] = disks[col]
	}

	log, _ := test.NewNullLogger()
	array, err := raidrecon.NewArray(&raidrecon.ArrayConfig{Layout: layout, Drivers: drivers, Logger: log})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	unit := make([]byte, geometry.ReconUnitBytes())
	for addr := uint64(0); addr < layout.DataSectors(); addr += geometry.SectorsPerReconUnit {
		rng.Read(unit)
		require.NoError(t, array.WriteUnit(addr, unit))
	}

	names := make([]string, geometry.NumColumns)
	contents := make([][]byte, geometry.NumColumns)
	for col, disk := range disks {
		contents[col] = make([]byte, geometry.ColumnSectors()*uint64(geometry.SectorSize))
		require.NoError(t, disk.ReadSectors(0, contents[col]))

		names[col] = filepath.Join(dir, "component"+string(rune('0'+col)))
		require.NoError(t, os.WriteFile(names[col], contents[col], 0644))
	}

	return names, contents
}

func TestRebuildFromComponentFiles(t *testing.T) {
	noProgressFlag = true
	log, _ := test.NewNullLogger()
	dir := t.TempDir()

	geometry := raidrecon.Geometry{
		NumColumns:           4,
		SectorSize:           512,
		SectorsPerStripeUnit: 8,
		SectorsPerReconUnit:  8,
		NumParityStripes:     16,
	}
	names, contents := writeComponents(t, dir, geometry)

	// The failed component is gone
	require.NoError(t, os.Remove(names[1]))

	opts := &rebuildOptions{
		components: names,
		spare:      filepath.Join(dir, "spare"),
		failedCol:  1,
		sectorSize: 512,
		stripeUnit: 8,
		reconUnit:  8,
	}

	err := runRebuild(context.Background(), opts, nil, raidrecon.LocalFs{}, log)
	require.NoError(t, err)

	rebuilt, err := os.ReadFile(opts.spare)
	require.NoError(t, err)
	assert.Equal(t, contents[1], rebuilt)
}

func TestRebuildRejectsUnknownFailedColumn(t *testing.T) {
	log, _ := test.NewNullLogger()
	opts := &rebuildOptions{components: []string{"a", "b", "c"}, failedCol: 3, sectorSize: 512, stripeUnit: 8}

	err := runRebuild(context.Background(), opts, nil, raidrecon.LocalFs{}, log)
	assert.Error(t, err)
}

func TestRebuildFailsWithoutComponents(t *testing.T) {
	log, _ := test.NewNullLogger()
	dir := t.TempDir()
	opts := &rebuildOptions{
		components: []string{filepath.Join(dir, "a"), filepath.Join(dir, "b"), filepath.Join(dir, "c")},
		failedCol:  0,
		sectorSize: 512,
		stripeUnit: 8,
	}

	err := runRebuild(context.Background(), opts, nil, raidrecon.LocalFs{}, log)
	assert.Error(t, err)
}
