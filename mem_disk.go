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
	"sync"
	"sync/atomic"
	"time"
)

// MemDisk is an in-memory component disk. Requests complete asynchronously
// on their own goroutine after an optional latency.
type MemDisk struct {
	data       []byte
	sectorSize int
	numSectors uint64
	latency    atomic.Int64
	lock       *sync.RWMutex
	failure    func(req *Request) error
	reads      atomic.Uint64
	writes     atomic.Uint64
}

// NewMemDisk allocates a zeroed disk of numSectors sectors
func NewMemDisk(sectorSize int, numSectors uint64) *MemDisk {
	return &MemDisk{
		data:       make([]byte, uint64(sectorSize)*numSectors),
		sectorSize: sectorSize,
		numSectors: numSectors,
		lock:       &sync.RWMutex{},
	}
}

// SectorSize returns the sector size in bytes
func (d *MemDisk) SectorSize() int {
	return d.sectorSize
}

// NumSectors returns the disk capacity in sectors
func (d *MemDisk) NumSectors() uint64 {
	return d.numSectors
}

// SetLatency delays every subsequent completion by latency
func (d *MemDisk) SetLatency(latency time.Duration) {
	d.latency.Store(int64(latency))
}

// InjectFailure makes every request for which fn returns an error fail with
// that error instead of touching the media. A nil fn clears the injection.
func (d *MemDisk) InjectFailure(fn func(req *Request) error) {
	d.lock.Lock()
	d.failure = fn
	d.lock.Unlock()
}

// SubmitIO services req on a new goroutine
func (d *MemDisk) SubmitIO(req *Request, complete func(error)) {
	go func() {
		if latency := time.Duration(d.latency.Load()); latency > 0 {
			time.Sleep(latency)
		}

		complete(d.perform(req))
	}()
}

// Counts returns the number of reads and writes serviced
func (d *MemDisk) Counts() (reads uint64, writes uint64) {
	return d.reads.Load(), d.writes.Load()
}

func (d *MemDisk) span(sectorOffset, numSectors uint64) (uint64, uint64, error) {
	if sectorOffset+numSectors > d.numSectors {
		return 0, 0, fmt.Errorf(
			"sectors %d-%d beyond end of %d sector disk",
			sectorOffset,
			sectorOffset+numSectors,
			d.numSectors,
		)
	}

	start := sectorOffset * uint64(d.sectorSize)

	return start, start + numSectors*uint64(d.sectorSize), nil
}

func (d *MemDisk) perform(req *Request) error {
	if req.Type == IONoOp {
		return nil
	}

	start, end, err := d.span(req.SectorOffset, req.NumSectors)
	if err != nil {
		return err
	}

	if uint64(len(req.Buf)) < end-start {
		return fmt.Errorf("buffer of %d bytes too small for %d sectors", len(req.Buf), req.NumSectors)
	}

	if req.Type == IOWrite {
		d.lock.Lock()
		defer d.lock.Unlock()
	} else {
		d.lock.RLock()
		defer d.lock.RUnlock()
	}

	if d.failure != nil {
		if err := d.failure(req); err != nil {
			return err
		}
	}

	if req.Type == IOWrite {
		copy(d.data[start:end], req.Buf)
		d.writes.Add(1)
	} else {
		copy(req.Buf, d.data[start:end])
		d.reads.Add(1)
	}

	return nil
}

// ReadSectors synchronously copies sectors into p, bypassing any queue
func (d *MemDisk) ReadSectors(sectorOffset uint64, p []byte) error {
	start, end, err := d.span(sectorOffset, uint64(len(p)/d.sectorSize))
	if err != nil {
		return err
	}

	d.lock.RLock()
	copy(p, d.data[start:end])
	d.lock.RUnlock()

	return nil
}

// WriteSectors synchronously copies p onto the disk, bypassing any queue
func (d *MemDisk) WriteSectors(sectorOffset uint64, p []byte) error {
	start, end, err := d.span(sectorOffset, uint64(len(p)/d.sectorSize))
	if err != nil {
		return err
	}

	d.lock.Lock()
	copy(d.data[start:end], p)
	d.lock.Unlock()

	return nil
}
