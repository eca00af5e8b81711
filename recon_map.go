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
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"
)

// ReconProgress is a snapshot of how much of the failed column has been rebuilt
type ReconProgress struct {
	TotalUnits     uint64
	CompletedUnits uint64
	RemainingUnits uint64
}

// PercentComplete returns completion as an integer percentage
func (p ReconProgress) PercentComplete() uint64 {
	if p.TotalUnits == 0 {
		return 100
	}

	return (p.CompletedUnits * 100) / p.TotalUnits
}

// ReconMap records which reconstruction units have been written to the spare.
// It is a thin wrapper around https://github.com/RoaringBitmap/roaring adding
// thread safety. Maps larger than uint32 (largest index supported by roaring)
// are stored as a slice of bitmaps. Only the controller marks units done;
// status queries read under the read lock.
type ReconMap struct {
	bitmaps   []*roaring.Bitmap
	lock      *sync.RWMutex
	size      uint64
	total     uint64
	completed uint64
	logger    *logrus.Logger
}

// newReconMap creates a map over size unit indices of which total live on the failed column
func newReconMap(size, total uint64, logger *logrus.Logger) *ReconMap {
	bitmapCount := (size / math.MaxUint32) + 1
	bitmaps := make([]*roaring.Bitmap, 0, bitmapCount)

	for i := uint64(0); i < bitmapCount; i++ {
		bitmaps = append(bitmaps, roaring.New())
	}

	return &ReconMap{
		bitmaps: bitmaps,
		lock:    &sync.RWMutex{},
		size:    size,
		total:   total,
		logger:  logger,
	}
}

func (m *ReconMap) locate(unit uint64) (int, uint32) {
	if unit >= m.size {
		m.logger.Errorf("unit %d out of range", unit)
		panic(fmt.Sprintf("unit %d out of range", unit))
	}

	return int(unit / math.MaxUint32), uint32(unit % math.MaxUint32)
}

// markDone records unit as rebuilt, returning false if it already was
func (m *ReconMap) markDone(unit uint64) bool {
	bitmap, bitmapIx := m.locate(unit)

	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.bitmaps[bitmap].CheckedAdd(bitmapIx) {
		return false
	}

	m.completed++

	return true
}

// isDone checks if a unit has been written to the spare
func (m *ReconMap) isDone(unit uint64) bool {
	bitmap, bitmapIx := m.locate(unit)

	m.lock.RLock()
	done := m.bitmaps[bitmap].Contains(bitmapIx)
	m.lock.RUnlock()

	return done
}

// remaining returns how many units are still to be rebuilt
func (m *ReconMap) remaining() uint64 {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.total - m.completed
}

// Progress returns a consistent snapshot of the map counters
func (m *ReconMap) Progress() ReconProgress {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return ReconProgress{
		TotalUnits:     m.total,
		CompletedUnits: m.completed,
		RemainingUnits: m.total - m.completed,
	}
}
