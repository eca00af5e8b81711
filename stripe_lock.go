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
)

// stripeRange is an inclusive range of parity stripes
type stripeRange struct {
	Start uint64
	End   uint64
}

// stripeLocker serializes foreground writes over inclusive ranges of parity
// stripes, so that two read-modify-write cycles never interleave on one stripe
type stripeLocker struct {
	lockedRanges []*stripeRange
	cond         *sync.Cond
	rangePool    *sync.Pool
	waits        uint64
}

func newStripeLocker() *stripeLocker {
	return &stripeLocker{
		lockedRanges: make([]*stripeRange, 0),
		cond:         sync.NewCond(&sync.Mutex{}),
		rangePool: &sync.Pool{
			New: func() interface{} {
				return &stripeRange{}
			},
		},
	}
}

// lockStripes blocks until it holds an exclusive lock on stripes first
// through last (both inclusive)
func (sl *stripeLocker) lockStripes(first uint64, last uint64) {
	currentRange := sl.rangePool.Get().(*stripeRange)
	currentRange.Start = first
	currentRange.End = last

	sl.cond.L.Lock()

	for sl.existsConflictingRange(currentRange) {
		sl.waits++
		sl.cond.Wait()
	}

	sl.lockedRanges = append(sl.lockedRanges, currentRange)
	sl.cond.L.Unlock()
}

// unlockStripes drops a lock taken by lockStripes, and returns an error if
// no matching range is held
func (sl *stripeLocker) unlockStripes(first uint64, last uint64) error {
	sl.cond.L.Lock()
	defer sl.cond.L.Unlock()

	for i, lockedRange := range sl.lockedRanges {
		if lockedRange.Start == first && lockedRange.End == last {
			end := len(sl.lockedRanges) - 1
			sl.lockedRanges[i] = sl.lockedRanges[end]
			sl.lockedRanges[end] = nil
			sl.lockedRanges = sl.lockedRanges[:end]
			sl.rangePool.Put(lockedRange)
			// Wake up waiters
			sl.cond.Broadcast()

			return nil
		}
	}

	return fmt.Errorf("stripes %d-%d are not locked", first, last)
}

// contended returns how many times a locker had to wait
func (sl *stripeLocker) contended() uint64 {
	sl.cond.L.Lock()
	defer sl.cond.L.Unlock()

	return sl.waits
}

func (sl *stripeLocker) existsConflictingRange(rangeToCheck *stripeRange) bool {
	for _, lockedRange := range sl.lockedRanges {
		if (lockedRange.Start <= rangeToCheck.End) && (lockedRange.End >= rangeToCheck.Start) {
			return true
		}
	}

	return false
}
