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

import "sync"

// pssKey names one reconstruction unit: a parity stripe and the unit's index
// within the stripe units of that parity stripe
type pssKey struct {
	psid uint64
	ru   int
}

type pssFlags uint8

const (
	// pssUnderRecon is set once the first reconstruction read for the unit is issued
	pssUnderRecon pssFlags = 1 << iota
	// pssBlocked is set while foreground writes hold the unit
	pssBlocked
	// pssForcedOnRead is set when a foreground read asked for the unit early
	pssForcedOnRead
	// pssForcedOnWrite is set when a foreground write asked for the unit early
	pssForcedOnWrite
	// pssBufferWait is set while some cursor waits for a buffer for this unit
	pssBufferWait
)

// pssStatus is the verdict of checkForcedOrBlocked
type pssStatus int

const (
	// pssProceed means the cursor must issue its read
	pssProceed pssStatus = iota
	// pssSkip means a forced read already covers the cursor's contribution
	pssSkip
	// pssBlockedWait means the cursor was queued behind a foreground write
	pssBlockedWait
)

// pssEntry is the reconstruction status of one unit. An entry exists only
// while the unit is under reconstruction, blocked, forced, or has waiters.
type pssEntry struct {
	key        pssKey
	flags      pssFlags
	issued     []bool
	needed     int
	rbuf       bufID
	xorPending []bufID
	blockCount int

	blockWaitList []int
	bufWaitList   []int
	procWaitList  []chan struct{}
}

func (e *pssEntry) forced() bool {
	return e.flags&(pssForcedOnRead|pssForcedOnWrite) != 0
}

func (e *pssEntry) idle() bool {
	return e.flags == 0 &&
		e.blockCount == 0 &&
		e.rbuf == noBuffer &&
		len(e.xorPending) == 0 &&
		len(e.blockWaitList) == 0 &&
		len(e.bufWaitList) == 0 &&
		len(e.procWaitList) == 0
}

// checkForcedOrBlocked decides what the cursor on col does with this unit.
// A forced unit already has a read for col, a blocked unit queues the cursor,
// anything else is now under reconstruction.
func (e *pssEntry) checkForcedOrBlocked(col int) pssStatus {
	if e.forced() {
		return pssSkip
	}

	if e.flags&pssBlocked != 0 {
		e.blockWaitList = append(e.blockWaitList, col)
		return pssBlockedWait
	}

	e.flags |= pssUnderRecon

	return pssProceed
}

func (e *pssEntry) dropBufferWaiter(col int) {
	e.bufWaitList, _ = removeColumn(e.bufWaitList, col)
	if len(e.bufWaitList) == 0 {
		e.flags &^= pssBufferWait
	}
}

// releaseProcWaiters wakes every foreground caller waiting for the unit
func (e *pssEntry) releaseProcWaiters() {
	for _, ch := range e.procWaitList {
		close(ch)
	}
	e.procWaitList = nil
}

// pssTable maps units to their status entries, created lazily
type pssTable struct {
	lock       *sync.Mutex
	entries    map[pssKey]*pssEntry
	numColumns int
}

func newPSSTable(numColumns int) *pssTable {
	return &pssTable{
		lock:       &sync.Mutex{},
		entries:    make(map[pssKey]*pssEntry),
		numColumns: numColumns,
	}
}

// lookup returns the entry for key or nil. Must hold t.lock.
func (t *pssTable) lookup(key pssKey) *pssEntry {
	return t.entries[key]
}

// lookupOrCreate returns the entry for key, creating an empty one that needs
// the given number of contributions. Must hold t.lock.
func (t *pssTable) lookupOrCreate(key pssKey, needed int) (*pssEntry, bool) {
	if entry, ok := t.entries[key]; ok {
		return entry, false
	}

	entry := &pssEntry{
		key:    key,
		issued: make([]bool, t.numColumns),
		needed: needed,
		rbuf:   noBuffer,
	}
	t.entries[key] = entry

	return entry, true
}

// remove deletes key. Must hold t.lock.
func (t *pssTable) remove(key pssKey) {
	delete(t.entries, key)
}

// removeIfIdle deletes the entry when nothing references it. Must hold t.lock.
func (t *pssTable) removeIfIdle(entry *pssEntry) {
	if entry.idle() {
		delete(t.entries, entry.key)
	}
}

func (t *pssTable) len() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.entries)
}
