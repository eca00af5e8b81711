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

package raidrecon

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// testGeometry is a 4+1 array of 25 stripes with four single sector units
// per stripe unit, 100 reconstruction units per column
func testGeometry(numColumns int) Geometry {
	return Geometry{
		NumColumns:           numColumns,
		SectorSize:           DefaultSectorSize,
		SectorsPerStripeUnit: 4,
		SectorsPerReconUnit:  1,
		NumParityStripes:     25,
	}
}

func newTestLayout(t *testing.T, numColumns int) *RAID5Layout {
	layout, err := NewRAID5Layout(testGeometry(numColumns))
	require.NoError(t, err)

	return layout
}

// newParityDisks fills a set of disks with random data and matching parity
func newParityDisks(t *testing.T, layout *RAID5Layout, seed int64) []*MemDisk {
	g := layout.Geometry()
	rng := rand.New(rand.NewSource(seed))
	disks := make([]*MemDisk, g.NumColumns)
	for col := range disks {
		disks[col] = NewMemDisk(g.SectorSize, g.ColumnSectors())
	}

	unitBytes := int(g.SectorsPerStripeUnit) * g.SectorSize
	for psid := uint64(0); psid < g.NumParityStripes; psid++ {
		cols := layout.StripeColumns(psid)
		parity := make([]byte, unitBytes)

		for _, col := range cols[:len(cols)-1] {
			data := make([]byte, unitBytes)
			rng.Read(data)
			nWayXor(parity, data)

			offset, _ := layout.StripeColumnOffset(psid, col)
			require.NoError(t, disks[col].WriteSectors(offset, data))
		}

		offset, _ := layout.StripeColumnOffset(psid, cols[len(cols)-1])
		require.NoError(t, disks[cols[len(cols)-1]].WriteSectors(offset, parity))
	}

	return disks
}

func diskContents(t *testing.T, d *MemDisk) []byte {
	p := make([]byte, d.NumSectors()*uint64(d.SectorSize()))
	require.NoError(t, d.ReadSectors(0, p))

	return p
}

func newTestQueues(t *testing.T, drivers []DiskDriver, config *Config, log *logrus.Logger) []*DiskQueue {
	queues := make([]*DiskQueue, len(drivers))
	for col, driver := range drivers {
		var err error
		queues[col], err = NewDiskQueue(col, driver, config.QueuePolicy, config.MaxOutstanding, log)
		require.NoError(t, err)
	}

	return queues
}

func memDrivers(disks []*MemDisk) []DiskDriver {
	drivers := make([]DiskDriver, len(disks))
	for col, d := range disks {
		drivers[col] = d
	}

	return drivers
}

type statusRecorder struct {
	lock    sync.Mutex
	history []DiskStatus
}

func (s *statusRecorder) SetColumnStatus(col int, status DiskStatus) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.history = append(s.history, status)
}

func (s *statusRecorder) last() DiskStatus {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.history) == 0 {
		return StatusOptimal
	}

	return s.history[len(s.history)-1]
}

type reconFixture struct {
	recon  *Reconstruction
	layout *RAID5Layout
	disks  []*MemDisk
	spare  *MemDisk
	status *statusRecorder
	labels *labelStore
}

// newReconFixture builds a reconstruction of failedCol over consistent disks.
// wrap, when set, decorates each surviving driver.
func newReconFixture(t *testing.T, numColumns int, failedCol int, config *Config, wrap func(col int, d *MemDisk) DiskDriver) *reconFixture {
	logger, _ := test.NewNullLogger()
	layout := newTestLayout(t, numColumns)
	disks := newParityDisks(t, layout, int64(numColumns*100+failedCol))
	g := layout.Geometry()

	cfg, err := setDefaultsAndCopy(config, numColumns)
	require.NoError(t, err)

	drivers := memDrivers(disks)
	if wrap != nil {
		for col, d := range disks {
			drivers[col] = wrap(col, d)
		}
	}

	spare := NewMemDisk(g.SectorSize, g.ColumnSectors())
	spareQueue, err := NewDiskQueue(numColumns, spare, cfg.QueuePolicy, cfg.MaxOutstanding, logger)
	require.NoError(t, err)

	f := &reconFixture{
		layout: layout,
		disks:  disks,
		spare:  spare,
		status: &statusRecorder{},
		labels: newLabelStore(numColumns),
	}

	f.recon, err = NewReconstruction(&ReconParams{
		Layout:     layout,
		Queues:     newTestQueues(t, drivers, cfg, logger),
		SpareQueue: spareQueue,
		FailedCol:  failedCol,
		Labels:     f.labels,
		Status:     f.status,
		Config:     cfg,
		Logger:     logger,
	})
	require.NoError(t, err)

	return f
}

// gatedDisk holds low priority reads until its gate is opened
type gatedDisk struct {
	*MemDisk
	gate chan struct{}
}

func newGatedDisk(d *MemDisk) *gatedDisk {
	return &gatedDisk{MemDisk: d, gate: make(chan struct{})}
}

func (d *gatedDisk) SubmitIO(req *Request, complete func(error)) {
	if req.Type == IORead && req.Priority == PriorityLow {
		go func() {
			<-d.gate
			d.MemDisk.SubmitIO(req, complete)
		}()

		return
	}

	d.MemDisk.SubmitIO(req, complete)
}

type submittedIO struct {
	req      *Request
	complete func(error)
}

// manualDriver records requests and completes them only when told to
type manualDriver struct {
	lock      sync.Mutex
	submitted []submittedIO
}

func (d *manualDriver) SubmitIO(req *Request, complete func(error)) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.submitted = append(d.submitted, submittedIO{req: req, complete: complete})
}

func (d *manualDriver) SectorSize() int {
	return DefaultSectorSize
}

func (d *manualDriver) NumSectors() uint64 {
	return 1 << 20
}

func (d *manualDriver) outstanding() []*Request {
	d.lock.Lock()
	defer d.lock.Unlock()

	reqs := make([]*Request, 0, len(d.submitted))
	for _, io := range d.submitted {
		reqs = append(reqs, io.req)
	}

	return reqs
}

// completeOldest finishes the oldest submitted request with err
func (d *manualDriver) completeOldest(err error) *Request {
	d.lock.Lock()
	if len(d.submitted) == 0 {
		d.lock.Unlock()
		return nil
	}
	io := d.submitted[0]
	d.submitted = d.submitted[1:]
	d.lock.Unlock()

	io.complete(err)

	return io.req
}

// heldDisk keeps every request until released. Once opened it passes
// requests straight through.
type heldDisk struct {
	*MemDisk
	lock sync.Mutex
	held []submittedIO
	open bool
}

func (d *heldDisk) SubmitIO(req *Request, complete func(error)) {
	d.lock.Lock()
	if !d.open {
		d.held = append(d.held, submittedIO{req: req, complete: complete})
		d.lock.Unlock()
		return
	}
	d.lock.Unlock()

	d.MemDisk.SubmitIO(req, complete)
}

func (d *heldDisk) heldCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.held)
}

// release performs every held request. With stayOpen later requests are no
// longer held.
func (d *heldDisk) release(stayOpen bool) {
	d.lock.Lock()
	held := d.held
	d.held = nil
	d.open = stayOpen
	d.lock.Unlock()

	for _, io := range held {
		d.MemDisk.SubmitIO(io.req, io.complete)
	}
}
