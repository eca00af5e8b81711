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

// ForceOrBlock must be called before a foreground write touches the unit
// holding raidAddr. When blocked is true the caller must call UnblockRecon
// once its write is complete. A non-nil wait channel means the unit is already
// under reconstruction: its remaining reads have been forced and the caller
// must wait for the channel to close, which happens once the unit is on the
// spare (or the reconstruction has failed).
func (r *Reconstruction) ForceOrBlock(raidAddr uint64) (wait <-chan struct{}, blocked bool) {
	psid, ru := r.layout.ParityStripeID(raidAddr)
	if !r.involvesFailed(psid) {
		return nil, false
	}

	key := pssKey{psid, ru}

	r.pss.lock.Lock()
	defer r.pss.lock.Unlock()

	if !r.active || r.reconMap.isDone(r.unitIndex(key)) {
		return nil, false
	}

	entry, _ := r.pss.lookupOrCreate(key, r.neededFor(psid))
	entry.flags |= pssBlocked
	entry.blockCount++

	if entry.flags&pssUnderRecon == 0 {
		return nil, true
	}

	if !entry.forced() {
		r.log.Debugf("[Recon] Forcing unit %d/%d for a foreground write", psid, ru)
		r.forceReads(entry)
	}
	entry.flags |= pssForcedOnWrite

	ch := make(chan struct{})
	entry.procWaitList = append(entry.procWaitList, ch)

	return ch, true
}

// UnblockRecon drops a block taken by ForceOrBlock. Cursors that found the
// unit blocked are woken once the last block is gone.
func (r *Reconstruction) UnblockRecon(raidAddr uint64) {
	psid, ru := r.layout.ParityStripeID(raidAddr)
	key := pssKey{psid, ru}

	r.pss.lock.Lock()
	defer r.pss.lock.Unlock()

	entry := r.pss.lookup(key)
	if entry == nil {
		// The unit was rebuilt while blocked
		return
	}

	if entry.blockCount == 0 {
		r.log.Errorf("Unblock of unit %d/%d without a matching block", psid, ru)
		panic("unbalanced reconstruction unblock")
	}

	entry.blockCount--
	if entry.blockCount > 0 {
		return
	}

	entry.flags &^= pssBlocked
	for _, col := range entry.blockWaitList {
		r.events.CauseEvent(ReconEvent{Type: EventBlockCleared, Col: col})
	}
	entry.blockWaitList = nil

	r.pss.removeIfIdle(entry)
}

// Accelerate asks for the unit holding raidAddr to be rebuilt ahead of the
// cursors, on behalf of a foreground read. The returned channel closes once
// the unit is on the spare. A nil channel means there is nothing to wait for
// and the caller should reconstruct the data itself.
func (r *Reconstruction) Accelerate(raidAddr uint64) <-chan struct{} {
	psid, ru := r.layout.ParityStripeID(raidAddr)
	if !r.involvesFailed(psid) {
		return nil
	}

	key := pssKey{psid, ru}

	r.pss.lock.Lock()
	defer r.pss.lock.Unlock()

	if !r.active || r.reconMap.isDone(r.unitIndex(key)) {
		return nil
	}

	entry, _ := r.pss.lookupOrCreate(key, r.neededFor(psid))
	if entry.flags&pssBlocked != 0 && entry.flags&pssUnderRecon == 0 {
		return nil
	}

	if !entry.forced() {
		r.log.Debugf("[Recon] Forcing unit %d/%d for a foreground read", psid, ru)
		entry.flags |= pssUnderRecon
		r.forceReads(entry)
	}
	entry.flags |= pssForcedOnRead

	ch := make(chan struct{})
	entry.procWaitList = append(entry.procWaitList, ch)

	return ch
}

// IsReconstructed reports whether the unit holding raidAddr is on the spare
func (r *Reconstruction) IsReconstructed(raidAddr uint64) bool {
	psid, ru := r.layout.ParityStripeID(raidAddr)
	if !r.involvesFailed(psid) {
		return false
	}

	return r.reconMap.isDone(r.unitIndex(pssKey{psid, ru}))
}

// forceReads issues a normal priority read on every surviving column of the
// unit that has not read it yet, and promotes the reads already queued. Must
// hold r.pss.lock.
func (r *Reconstruction) forceReads(entry *pssEntry) {
	key := entry.key
	failedOffset, spareOffset := r.unitOffsets(key)

	for _, col := range r.layout.StripeColumns(key.psid) {
		if col == r.desc.FailedCol {
			continue
		}

		if entry.issued[col] {
			if promoted := r.queues[col].Promote(key.psid, key.ru); promoted > 0 {
				r.counters.promotedReads.Add(uint64(promoted))
			}

			continue
		}

		base, _ := r.layout.StripeColumnOffset(key.psid, col)

		r.pool.lock.Lock()
		buf := r.pool.newForced(col, key, failedOffset, spareOffset)
		r.pool.lock.Unlock()

		entry.issued[col] = true

		id := buf.id
		readCol := col
		req := NewRequest(
			IORead,
			base+uint64(key.ru)*r.geometry.SectorsPerReconUnit,
			r.geometry.SectorsPerReconUnit,
			buf.data,
			key.psid,
			key.ru,
			func(_ *Request, err error) {
				r.events.CauseEvent(ReconEvent{Type: EventForcedReadDone, Col: readCol, Buf: id, Err: err})
			},
		)

		r.queues[col].Enqueue(req, PriorityNormal)
		r.counters.forcedReads.Add(1)
	}
}
