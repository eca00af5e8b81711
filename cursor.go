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
	"math"
	"sort"
)

// diskCursor tracks how far one surviving column has been read
type diskCursor struct {
	col     int
	psid    uint64
	ru      int
	started bool
	done    bool

	diskOffset   uint64
	failedOffset uint64
	spareOffset  uint64
	// headSepCounter counts the units this cursor has moved through
	headSepCounter int64
	buf            *reconBuffer
}

type headSepWaiter struct {
	col    int
	resume int64
}

// advanceCursor moves c to the next unit shared by its column and the failed
// column. It returns false once the column is exhausted.
func (r *Reconstruction) advanceCursor(c *diskCursor) bool {
	rus := r.geometry.ReconUnitsPerStripe()

	for {
		if !c.started {
			c.started = true
			c.psid = 0
			c.ru = 0
		} else {
			c.ru++
			if c.ru >= rus {
				c.ru = 0
				c.psid++
			}
		}

		if c.psid >= r.geometry.NumParityStripes {
			return false
		}

		base, ok := r.layout.StripeColumnOffset(c.psid, c.col)
		if !ok || !r.involvesFailed(c.psid) {
			// Nothing on this stripe to contribute
			c.ru = rus - 1
			continue
		}

		c.diskOffset = base + uint64(c.ru)*r.geometry.SectorsPerReconUnit
		c.failedOffset, c.spareOffset = r.unitOffsets(pssKey{c.psid, c.ru})
		c.headSepCounter++

		return true
	}
}

// issueNextRead advances the cursor of col and tries to read its next unit.
// It returns true when the cursor has just finished its column.
func (r *Reconstruction) issueNextRead(col int) (bool, error) {
	c := r.cursors[col]
	if c.done {
		return false, nil
	}

	if !r.advanceCursor(c) {
		c.done = true
		r.log.Debugf("[Recon] Column %d finished after %d units", col, c.headSepCounter)
		r.checkForNewMinHeadSep()

		return true, nil
	}

	r.checkForNewMinHeadSep()

	return false, r.tryToRead(c)
}

// tryToRead issues the read for the cursor's current unit unless the unit is
// held back by the head separation limit, already rebuilt, forced or blocked
func (r *Reconstruction) tryToRead(c *diskCursor) error {
	if r.checkHeadSeparation(c) {
		return nil
	}

	key := pssKey{c.psid, c.ru}

	r.pss.lock.Lock()
	defer r.pss.lock.Unlock()

	if r.reconMap.isDone(r.unitIndex(key)) {
		r.counters.skippedUnits.Add(1)
		r.events.CauseEvent(ReconEvent{Type: EventSkip, Col: c.col})

		return nil
	}

	entry, _ := r.pss.lookupOrCreate(key, r.neededFor(c.psid))

	switch entry.checkForcedOrBlocked(c.col) {
	case pssSkip:
		r.counters.skippedUnits.Add(1)
		r.events.CauseEvent(ReconEvent{Type: EventSkip, Col: c.col})

		return nil
	case pssBlockedWait:
		r.counters.blockStalls.Add(1)
		r.log.Debugf("[Recon] Column %d blocked on unit %d/%d", c.col, key.psid, key.ru)

		return nil
	}

	entry.issued[c.col] = true
	c.buf.key = key
	c.buf.failedOffset = c.failedOffset
	c.buf.spareOffset = c.spareOffset

	col := c.col
	req := NewRequest(
		IORead,
		c.diskOffset,
		r.geometry.SectorsPerReconUnit,
		c.buf.data,
		key.psid,
		key.ru,
		func(_ *Request, err error) {
			r.events.CauseEvent(ReconEvent{Type: EventReadDone, Col: col, Err: err})
		},
	)

	r.queues[c.col].Enqueue(req, PriorityLow)
	r.counters.readsIssued.Add(1)
	r.recordHeadSeparation()

	return nil
}

// checkHeadSeparation parks c when it is too far ahead of the slowest cursor.
// The cursor resumes once the minimum reaches a point a fifth of the limit
// behind where it would be allowed to run.
func (r *Reconstruction) checkHeadSeparation(c *diskCursor) bool {
	limit := r.config.HeadSepLimit
	if limit < 0 || c.headSepCounter-r.minHeadSep <= limit {
		return false
	}

	waiter := headSepWaiter{
		col:    c.col,
		resume: c.headSepCounter - limit + limit/5,
	}

	ix := sort.Search(len(r.headSepWaiters), func(i int) bool {
		return r.headSepWaiters[i].resume > waiter.resume
	})
	r.headSepWaiters = append(r.headSepWaiters, headSepWaiter{})
	copy(r.headSepWaiters[ix+1:], r.headSepWaiters[ix:])
	r.headSepWaiters[ix] = waiter

	r.counters.headSepStalls.Add(1)
	r.log.Debugf(
		"[Recon] Column %d at %d is too far ahead of %d, resumes at %d",
		c.col,
		c.headSepCounter,
		r.minHeadSep,
		waiter.resume,
	)

	return true
}

// checkForNewMinHeadSep recomputes the slowest active cursor and wakes every
// parked cursor whose resume point has been reached
func (r *Reconstruction) checkForNewMinHeadSep() {
	newMin := int64(math.MaxInt64)
	for _, c := range r.cursors {
		if c == nil || c.done {
			continue
		}

		if c.headSepCounter < newMin {
			newMin = c.headSepCounter
		}
	}

	if newMin <= r.minHeadSep {
		return
	}
	r.minHeadSep = newMin

	woken := 0
	for _, waiter := range r.headSepWaiters {
		if waiter.resume > newMin {
			break
		}

		r.events.CauseEvent(ReconEvent{Type: EventHeadSepCleared, Col: waiter.col})
		woken++
	}
	r.headSepWaiters = r.headSepWaiters[woken:]
}

// recordHeadSeparation keeps the widest gap seen between active cursors
func (r *Reconstruction) recordHeadSeparation() {
	lowest := int64(math.MaxInt64)
	highest := int64(0)

	for _, c := range r.cursors {
		if c == nil || c.done {
			continue
		}

		if c.headSepCounter < lowest {
			lowest = c.headSepCounter
		}

		if c.headSepCounter > highest {
			highest = c.headSepCounter
		}
	}

	separation := highest - lowest
	if separation > r.counters.maxHeadSep.Load() {
		r.counters.maxHeadSep.Store(separation)
	}
}
