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
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ArrayConfig describes the components of an Array
type ArrayConfig struct {
	Layout  StripeMapper
	Drivers []DiskDriver
	// Spare is the dedicated spare used by reconstruction; may be nil
	Spare  DiskDriver
	Config *Config
	Logger *logrus.Logger
}

// Array services reconstruction-unit sized foreground reads and writes over a
// set of component disks, and rebuilds a failed column onto the spare while
// staying online.
type Array struct {
	layout     StripeMapper
	geometry   Geometry
	config     *Config
	queues     []*DiskQueue
	spareQueue *DiskQueue

	statusLock *sync.RWMutex
	status     []DiskStatus

	suspender   *accessSuspender
	stripeLocks *stripeLocker
	labels      *labelStore
	bytes       *bytePool

	reconLock *sync.Mutex
	recon     *Reconstruction
	lastRecon *Reconstruction

	log *logrus.Logger
}

// NewArray builds disk queues over the drivers and checks they fit the layout
func NewArray(config *ArrayConfig) (*Array, error) {
	if config == nil || config.Layout == nil {
		return nil, fmt.Errorf("%w: array needs a layout", ErrInvalidConfig)
	}

	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	geometry := config.Layout.Geometry()
	if len(config.Drivers) != geometry.NumColumns {
		return nil, fmt.Errorf("%w: %d drivers for %d columns", ErrInvalidConfig, len(config.Drivers), geometry.NumColumns)
	}

	reconConfig, err := setDefaultsAndCopy(config.Config, geometry.NumColumns)
	if err != nil {
		return nil, err
	}

	a := &Array{
		layout:      config.Layout,
		geometry:    geometry,
		config:      reconConfig,
		queues:      make([]*DiskQueue, geometry.NumColumns),
		statusLock:  &sync.RWMutex{},
		status:      make([]DiskStatus, geometry.NumColumns),
		suspender:   newAccessSuspender(),
		stripeLocks: newStripeLocker(),
		labels:      newLabelStore(geometry.NumColumns),
		bytes:       newBytePool(log),
		reconLock:   &sync.Mutex{},
		log:         log,
	}

	for col, driver := range config.Drivers {
		if err := checkDriver(driver, geometry); err != nil {
			return nil, fmt.Errorf("column %d: %w", col, err)
		}

		a.queues[col], err = NewDiskQueue(col, driver, reconConfig.QueuePolicy, reconConfig.MaxOutstanding, log)
		if err != nil {
			return nil, err
		}
	}

	if config.Spare != nil {
		if err := checkDriver(config.Spare, geometry); err != nil {
			return nil, fmt.Errorf("spare: %w", err)
		}

		a.spareQueue, err = NewDiskQueue(geometry.NumColumns, config.Spare, reconConfig.QueuePolicy, reconConfig.MaxOutstanding, log)
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

func checkDriver(driver DiskDriver, geometry Geometry) error {
	if driver == nil {
		return fmt.Errorf("%w: missing driver", ErrInvalidConfig)
	}

	if driver.SectorSize() != geometry.SectorSize {
		return fmt.Errorf("%w: sector size %d, array uses %d", ErrInvalidConfig, driver.SectorSize(), geometry.SectorSize)
	}

	if driver.NumSectors() < geometry.ColumnSectors() {
		return fmt.Errorf("%w: %d sectors, %d needed", ErrInvalidConfig, driver.NumSectors(), geometry.ColumnSectors())
	}

	return nil
}

// Layout returns the array layout
func (a *Array) Layout() StripeMapper {
	return a.layout
}

// ColumnStatus returns the service state of col
func (a *Array) ColumnStatus(col int) DiskStatus {
	a.statusLock.RLock()
	defer a.statusLock.RUnlock()

	return a.status[col]
}

// SetColumnStatus records a column status change
func (a *Array) SetColumnStatus(col int, status DiskStatus) {
	a.statusLock.Lock()
	a.status[col] = status
	a.statusLock.Unlock()

	if err := a.labels.setStatus(col, status); err != nil {
		a.log.Warnf("Unable to record status of column %d: %v", col, err)
	}

	a.log.Infof("Column %d is now %s", col, status)
}

// Labels returns a copy of the component labels
func (a *Array) Labels() []ComponentLabel {
	return a.labels.snapshot()
}

// QueueStats returns the counters of every column queue, spare last
func (a *Array) QueueStats() []DiskQueueStats {
	stats := make([]DiskQueueStats, 0, len(a.queues)+1)
	for _, q := range a.queues {
		stats = append(stats, q.Stats())
	}

	if a.spareQueue != nil {
		stats = append(stats, a.spareQueue.Stats())
	}

	return stats
}

// FailColumn takes col out of service. Foreground I/O to it is reconstructed
// from the surviving columns until it is rebuilt.
func (a *Array) FailColumn(col int) error {
	if col < 0 || col >= a.geometry.NumColumns {
		return fmt.Errorf("%w: no column %d", ErrInvalidConfig, col)
	}

	a.suspender.SuspendNewRequestsAndWait()
	defer a.suspender.ResumeNewRequests()

	a.statusLock.Lock()
	for other, status := range a.status {
		if other != col && status != StatusOptimal && status != StatusSpared && status != StatusDistSpared {
			a.statusLock.Unlock()
			return fmt.Errorf("%w: column %d is already %s", ErrColumnFailed, other, status)
		}
	}
	a.status[col] = StatusFailed
	a.statusLock.Unlock()

	if err := a.labels.setStatus(col, StatusFailed); err != nil {
		return err
	}

	a.log.Warnf("Column %d failed", col)

	return a.labels.markDirty(col)
}

// StartReconstruction rebuilds the failed column col onto the spare on a new
// goroutine
func (a *Array) StartReconstruction(col int) (*Reconstruction, error) {
	a.reconLock.Lock()
	defer a.reconLock.Unlock()

	if a.recon != nil {
		return nil, ErrReconInProgress
	}

	if a.spareQueue == nil {
		return nil, ErrNoSpare
	}

	if col < 0 || col >= a.geometry.NumColumns || a.ColumnStatus(col) != StatusFailed {
		return nil, fmt.Errorf("%w: column %d is not failed", ErrInvalidConfig, col)
	}

	recon, err := NewReconstruction(&ReconParams{
		Layout:     a.layout,
		Queues:     a.queues,
		SpareQueue: a.spareQueue,
		FailedCol:  col,
		Quiescer:   a.suspender,
		Labels:     a.labels,
		Status:     a,
		Config:     a.config,
		Logger:     a.log,
	})
	if err != nil {
		return nil, err
	}

	a.recon = recon
	recon.OnComplete(func(err error) {
		a.reconLock.Lock()
		a.recon = nil
		a.lastRecon = recon
		a.reconLock.Unlock()
	})

	go func() {
		if err := recon.Run(); err != nil {
			a.log.Errorf("Reconstruction of column %d failed: %v", col, err)
		}
	}()

	return recon, nil
}

// Reconstruction returns the running reconstruction, or the last one run
func (a *Array) Reconstruction() *Reconstruction {
	a.reconLock.Lock()
	defer a.reconLock.Unlock()

	if a.recon != nil {
		return a.recon
	}

	return a.lastRecon
}

func (a *Array) activeRecon() *Reconstruction {
	a.reconLock.Lock()
	defer a.reconLock.Unlock()

	return a.recon
}

func (a *Array) checkUnit(raidAddr uint64, p []byte) error {
	if !isReconUnitAligned(raidAddr, a.geometry) {
		return fmt.Errorf("%w: address %d is not unit aligned", ErrInvalidConfig, raidAddr)
	}

	if raidAddr >= a.layout.DataSectors() {
		return fmt.Errorf("%w: address %d beyond %d data sectors", ErrInvalidConfig, raidAddr, a.layout.DataSectors())
	}

	if len(p) != a.geometry.ReconUnitBytes() {
		return fmt.Errorf("%w: buffer of %d bytes, units are %d bytes", ErrInvalidConfig, len(p), a.geometry.ReconUnitBytes())
	}

	return nil
}

// columnQueue returns the queue holding col's copy of the unit at raidAddr,
// or nil when that copy must be reconstructed
func (a *Array) columnQueue(col int, raidAddr uint64, recon *Reconstruction) *DiskQueue {
	switch a.ColumnStatus(col) {
	case StatusOptimal:
		return a.queues[col]
	case StatusSpared, StatusDistSpared:
		return a.spareQueue
	case StatusReconstructing:
		if recon != nil && recon.IsReconstructed(raidAddr) {
			return a.spareQueue
		}
	}

	return nil
}

// queueOrder ranks queues for lock acquisition, spare last
func (a *Array) queueOrder(q *DiskQueue) int {
	if q == a.spareQueue {
		return a.geometry.NumColumns
	}

	return q.Column()
}

func (a *Array) unitOffset(psid uint64, ru int, col int) uint64 {
	base, _ := a.layout.StripeColumnOffset(psid, col)

	return base + uint64(ru)*a.geometry.SectorsPerReconUnit
}

// ReadUnit reads the reconstruction unit at raidAddr into p
func (a *Array) ReadUnit(raidAddr uint64, p []byte) error {
	if err := a.checkUnit(raidAddr, p); err != nil {
		return err
	}

	a.suspender.begin()
	defer a.suspender.end()

	psid, ru := a.layout.ParityStripeID(raidAddr)
	a.stripeLocks.lockStripes(psid, psid)
	defer a.unlockStripe(psid)

	recon := a.activeRecon()
	col, offset := a.layout.MapSector(raidAddr)

	if q := a.columnQueue(col, raidAddr, recon); q != nil {
		return q.Do(NewRequest(IORead, offset, a.geometry.SectorsPerReconUnit, p, psid, ru, nil), PriorityNormal)
	}

	if recon != nil && a.config.ForceOnDegradedRead {
		if wait := recon.Accelerate(raidAddr); wait != nil {
			<-wait

			if recon.IsReconstructed(raidAddr) {
				return a.spareQueue.Do(NewRequest(IORead, offset, a.geometry.SectorsPerReconUnit, p, psid, ru, nil), PriorityNormal)
			}
		}
	}

	return a.reconstructUnit(raidAddr, col, p, recon)
}

// reconstructUnit rebuilds missing's copy of the unit at raidAddr from the
// rest of its stripe
func (a *Array) reconstructUnit(raidAddr uint64, missing int, p []byte, recon *Reconstruction) error {
	psid, ru := a.layout.ParityStripeID(raidAddr)
	bufs, err := a.readStripeUnits(raidAddr, recon, missing)
	defer a.releaseAll(bufs)

	if err != nil {
		return err
	}

	for i := range p {
		p[i] = 0
	}
	nWayXor(p, bufs...)

	a.log.Debugf("[Array] Reconstructed unit %d/%d of column %d", psid, ru, missing)

	return nil
}

// readStripeUnits reads the unit at raidAddr from every column of its stripe
// except the excluded ones
func (a *Array) readStripeUnits(raidAddr uint64, recon *Reconstruction, exclude ...int) ([][]byte, error) {
	psid, ru := a.layout.ParityStripeID(raidAddr)
	unitBytes := uint64(a.geometry.ReconUnitBytes())
	bufs := make([][]byte, 0, a.geometry.NumColumns)
	g := &errgroup.Group{}

	for _, col := range a.layout.IdentifyStripe(raidAddr) {
		if containsColumn(exclude, col) {
			continue
		}

		q := a.columnQueue(col, raidAddr, recon)
		if q == nil {
			return bufs, fmt.Errorf("%w: column %d needed to rebuild unit %d/%d", ErrColumnFailed, col, psid, ru)
		}

		buf := a.bytes.get(unitBytes)
		bufs = append(bufs, buf)
		req := NewRequest(IORead, a.unitOffset(psid, ru, col), a.geometry.SectorsPerReconUnit, buf, psid, ru, nil)

		g.Go(func() error {
			return q.Do(req, PriorityNormal)
		})
	}

	return bufs, g.Wait()
}

func (a *Array) releaseAll(bufs [][]byte) {
	for _, buf := range bufs {
		a.bytes.release(buf)
	}
}

// WriteUnit writes p to the reconstruction unit at raidAddr and updates parity
func (a *Array) WriteUnit(raidAddr uint64, p []byte) error {
	if err := a.checkUnit(raidAddr, p); err != nil {
		return err
	}

	a.suspender.begin()
	defer a.suspender.end()

	psid, ru := a.layout.ParityStripeID(raidAddr)
	a.stripeLocks.lockStripes(psid, psid)
	defer a.unlockStripe(psid)

	recon := a.activeRecon()
	if recon != nil {
		wait, blocked := recon.ForceOrBlock(raidAddr)
		if blocked {
			defer recon.UnblockRecon(raidAddr)
		}

		if wait != nil {
			<-wait
		}

		recon.tracker.recordAction(ForegroundWrite, uint64(len(p)))
	}

	dataCol, dataOffset := a.layout.MapSector(raidAddr)
	parityCol, parityOffset := a.layout.MapParity(raidAddr)
	dataQ := a.columnQueue(dataCol, raidAddr, recon)
	parityQ := a.columnQueue(parityCol, raidAddr, recon)

	switch {
	case dataQ != nil && parityQ != nil:
		return a.readModifyWrite(dataQ, dataOffset, parityQ, parityOffset, psid, ru, p)
	case dataQ == nil && parityQ != nil:
		return a.reconstructWrite(raidAddr, dataCol, parityQ, parityOffset, recon, p)
	case dataQ != nil:
		// Parity is rebuilt from data later
		return dataQ.Do(NewRequest(IOWrite, dataOffset, a.geometry.SectorsPerReconUnit, p, psid, ru, nil), PriorityNormal)
	}

	return fmt.Errorf("%w: data column %d and parity column %d unavailable", ErrColumnFailed, dataCol, parityCol)
}

type lockedAccess struct {
	q      *DiskQueue
	offset uint64
	buf    []byte
}

// readModifyWrite updates data and parity atomically with respect to other
// users of the two queues. Locks are taken in column order.
func (a *Array) readModifyWrite(dataQ *DiskQueue, dataOffset uint64, parityQ *DiskQueue, parityOffset uint64, psid uint64, ru int, p []byte) error {
	unitBytes := uint64(len(p))
	oldData := a.bytes.get(unitBytes)
	parity := a.bytes.get(unitBytes)
	defer a.bytes.release(oldData)
	defer a.bytes.release(parity)

	accesses := []lockedAccess{
		{q: dataQ, offset: dataOffset, buf: oldData},
		{q: parityQ, offset: parityOffset, buf: parity},
	}
	sort.Slice(accesses, func(i, j int) bool {
		return a.queueOrder(accesses[i].q) < a.queueOrder(accesses[j].q)
	})

	for i, access := range accesses {
		req := NewRequest(IORead, access.offset, a.geometry.SectorsPerReconUnit, access.buf, psid, ru, nil)
		req.Lock = LockAcquire

		if err := access.q.Do(req, PriorityNormal); err != nil {
			for _, held := range accesses[:i] {
				unlock := NewRequest(IONoOp, held.offset, 0, nil, psid, ru, nil)
				unlock.Lock = LockRelease
				if unlockErr := held.q.Do(unlock, PriorityNormal); unlockErr != nil {
					a.log.Warnf("Could not unlock column %d after a failed read-modify-write of unit %d/%d: %v", held.q.col, psid, ru, unlockErr)
				}
			}

			return fmt.Errorf("read-modify-write of unit %d/%d: %w", psid, ru, err)
		}
	}

	nWayXor(parity, oldData, p)

	g := &errgroup.Group{}
	for _, write := range []lockedAccess{{q: dataQ, offset: dataOffset, buf: p}, {q: parityQ, offset: parityOffset, buf: parity}} {
		req := NewRequest(IOWrite, write.offset, a.geometry.SectorsPerReconUnit, write.buf, psid, ru, nil)
		req.Lock = LockRelease
		q := write.q

		g.Go(func() error {
			return q.Do(req, PriorityNormal)
		})
	}

	return g.Wait()
}

// reconstructWrite computes new parity from p and the other data columns
// when the data column itself is unavailable
func (a *Array) reconstructWrite(raidAddr uint64, dataCol int, parityQ *DiskQueue, parityOffset uint64, recon *Reconstruction, p []byte) error {
	psid, ru := a.layout.ParityStripeID(raidAddr)
	parityCol, _ := a.layout.MapParity(raidAddr)

	bufs, err := a.readStripeUnits(raidAddr, recon, dataCol, parityCol)
	defer a.releaseAll(bufs)

	if err != nil {
		return err
	}

	parity := a.bytes.get(uint64(len(p)))
	defer a.bytes.release(parity)
	copy(parity, p)
	nWayXor(parity, bufs...)

	return parityQ.Do(NewRequest(IOWrite, parityOffset, a.geometry.SectorsPerReconUnit, parity, psid, ru, nil), PriorityNormal)
}

func (a *Array) unlockStripe(psid uint64) {
	panicOnError(a.stripeLocks.unlockStripes(psid, psid), a.log)
}
