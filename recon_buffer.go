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
)

// BufferKind tells where a reconstruction buffer came from and where it goes
// once its payload has been consumed
type BufferKind int

const (
	// BufferFloating belongs to the fixed pool shared by all cursors
	BufferFloating BufferKind = iota + 1
	// BufferForced is allocated for a forced read and freed after use
	BufferForced
	// BufferPrivate is a cursor's own read buffer and never leaves it
	BufferPrivate
)

type bufID int32

const noBuffer bufID = -1

type bufferState int

const (
	bufferFree bufferState = iota
	bufferCommitted
	bufferAccumulating
	bufferPending
	bufferFull
	bufferWriting
	bufferReading
)

// reconBuffer holds one unit of data on its way to the spare
type reconBuffer struct {
	id    bufID
	kind  BufferKind
	state bufferState
	data  []byte
	// count is the number of surviving columns folded into data
	count        int
	col          int
	key          pssKey
	failedOffset uint64
	spareOffset  uint64
}

type bufferWaiter struct {
	col int
	key pssKey
}

// BufferCensus counts floating buffers by what they are doing
type BufferCensus struct {
	Free         int
	Committed    int
	Accumulating int
	Pending      int
	Full         int
	Writing      int
	Forced       int
	Waiters      int
}

// Floating is the number of floating buffers accounted for
func (c BufferCensus) Floating() int {
	return c.Free + c.Committed + c.Accumulating + c.Pending + c.Full + c.Writing
}

// bufferPool owns every floating and forced buffer of one reconstruction.
// Lock order is PSS table first, then pool.
type bufferPool struct {
	lock        *sync.Mutex
	arena       *objectPool[reconBuffer]
	floating    []bufID
	committed   []bufID
	full        []bufID
	waiters     []bufferWaiter
	numFloating int
	numFull     int
	numForced   int
	unitBytes   int
	bytes       *bytePool
}

func newBufferPool(numFloating int, unitBytes int, bytes *bytePool) *bufferPool {
	p := &bufferPool{
		lock:        &sync.Mutex{},
		arena:       newObjectPool[reconBuffer](numFloating),
		floating:    make([]bufID, 0, numFloating),
		numFloating: numFloating,
		unitBytes:   unitBytes,
		bytes:       bytes,
	}

	for i := 0; i < numFloating; i++ {
		ix, buf := p.arena.alloc()
		buf.id = bufID(ix)
		buf.kind = BufferFloating
		buf.state = bufferFree
		buf.data = make([]byte, unitBytes)
		p.floating = append(p.floating, buf.id)
	}

	return p
}

// lookup returns the buffer named id
func (p *bufferPool) lookup(id bufID) *reconBuffer {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.arena.get(int(id))
}

// takeFloating pops a free floating buffer or returns nil. Must hold p.lock.
func (p *bufferPool) takeFloating() *reconBuffer {
	n := len(p.floating)
	if n == 0 {
		return nil
	}

	id := p.floating[n-1]
	p.floating = p.floating[:n-1]

	return p.arena.get(int(id))
}

// takeCommitted pops a buffer reserved for a woken waiter. Must hold p.lock.
func (p *bufferPool) takeCommitted() *reconBuffer {
	if len(p.committed) == 0 {
		return nil
	}

	id := p.committed[0]
	p.committed = p.committed[1:]

	return p.arena.get(int(id))
}

// newForced allocates a forced buffer for col's contribution to key. Must
// hold p.lock.
func (p *bufferPool) newForced(col int, key pssKey, failedOffset, spareOffset uint64) *reconBuffer {
	ix, buf := p.arena.alloc()
	buf.id = bufID(ix)
	buf.kind = BufferForced
	buf.state = bufferReading
	buf.data = p.bytes.get(uint64(p.unitBytes))
	buf.col = col
	buf.key = key
	buf.failedOffset = failedOffset
	buf.spareOffset = spareOffset
	p.numForced++

	return buf
}

// insertFull adds buf to the full list, kept sorted by failed disk offset.
// Must hold p.lock.
func (p *bufferPool) insertFull(buf *reconBuffer) {
	ix := sort.Search(len(p.full), func(i int) bool {
		return p.arena.get(int(p.full[i])).failedOffset > buf.failedOffset
	})

	p.full = append(p.full, noBuffer)
	copy(p.full[ix+1:], p.full[ix:])
	p.full[ix] = buf.id
	p.numFull++
}

// popFull removes the full buffer with the lowest failed offset. Must hold p.lock.
func (p *bufferPool) popFull() *reconBuffer {
	if len(p.full) == 0 {
		return nil
	}

	id := p.full[0]
	p.full = p.full[1:]

	return p.arena.get(int(id))
}

// removeWaiter drops the waiter for col on key. Must hold p.lock.
func (p *bufferPool) removeWaiter(col int, key pssKey) bool {
	for i, w := range p.waiters {
		if w.col == col && w.key == key {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}

	return false
}

func (p *bufferPool) census() BufferCensus {
	p.lock.Lock()
	defer p.lock.Unlock()

	c := BufferCensus{
		Forced:  p.numForced,
		Waiters: len(p.waiters),
	}

	for _, buf := range p.arena.items {
		if buf.kind != BufferFloating {
			continue
		}

		switch buf.state {
		case bufferFree:
			c.Free++
		case bufferCommitted:
			c.Committed++
		case bufferAccumulating:
			c.Accumulating++
		case bufferPending:
			c.Pending++
		case bufferFull:
			c.Full++
		case bufferWriting:
			c.Writing++
		}
	}

	return c
}

// submitBuffer offers src's payload for its unit. The payload is folded into
// the unit's accumulating buffer, parked as pending, or installed as the new
// accumulating buffer. With keep set src itself is used, which is how forced
// buffers are submitted. With useCommitted set the buffer reserved for this
// cursor by a release is used. It returns false when no buffer was available;
// the cursor has then been queued and will receive EventBufferCleared.
func (r *Reconstruction) submitBuffer(src *reconBuffer, keep, useCommitted bool) (bool, error) {
	r.pss.lock.Lock()
	defer r.pss.lock.Unlock()

	entry := r.pss.lookup(src.key)
	if entry == nil {
		r.log.Errorf("Submitted buffer for unit %d/%d without status entry", src.key.psid, src.key.ru)
		panic(fmt.Sprintf("no reconstruction status for psid %d ru %d", src.key.psid, src.key.ru))
	}

	r.pool.lock.Lock()
	defer r.pool.lock.Unlock()

	if entry.rbuf != noBuffer {
		target := r.pool.arena.get(int(entry.rbuf))
		pending := len(entry.xorPending)

		if pending+1 >= r.config.XorFanIn || target.count+pending+1 == entry.needed {
			if useCommitted {
				// The reserved buffer is not needed after all
				r.releaseBuffer(r.pool.takeCommitted())
			}

			r.xorIntoTarget(entry, target, src)

			return true, nil
		}
	}

	var t *reconBuffer
	switch {
	case keep:
		t = src
	case useCommitted:
		t = r.pool.takeCommitted()
		if t == nil {
			r.log.Errorf("Column %d woken with a committed buffer but none is reserved", src.col)
			panic("committed buffer list empty")
		}
	default:
		t = r.pool.takeFloating()
	}

	if t == nil {
		if len(r.pool.waiters)+1 >= r.numSurviving && r.pool.numFull == 0 {
			r.log.Errorf(
				"[Recon] Every surviving column waits for one of %d floating buffers and none can be released",
				r.pool.numFloating,
			)

			return false, fmt.Errorf(
				"%w: %d columns waiting on %d floating buffers",
				ErrBufferDeadlock,
				len(r.pool.waiters)+1,
				r.pool.numFloating,
			)
		}

		entry.flags |= pssBufferWait
		entry.bufWaitList = append(entry.bufWaitList, src.col)
		r.pool.waiters = append(r.pool.waiters, bufferWaiter{col: src.col, key: src.key})
		r.counters.bufferStalls.Add(1)
		r.log.Debugf("[Recon] Column %d waiting for a buffer for unit %d/%d", src.col, src.key.psid, src.key.ru)

		return false, nil
	}

	if t != src {
		t.data, src.data = src.data, t.data
		t.col = src.col
		t.key = src.key
		t.failedOffset = src.failedOffset
		t.spareOffset = src.spareOffset
	}

	if entry.rbuf == noBuffer {
		t.count = 1
		t.state = bufferAccumulating
		entry.rbuf = t.id
		r.releaseBufferWaitersFor(entry)
		r.checkForFullBuffer(entry, t)
	} else {
		t.state = bufferPending
		entry.xorPending = append(entry.xorPending, t.id)
	}

	return true, nil
}

// xorIntoTarget folds the pending buffers and src into target in one pass.
// Must hold the PSS and pool locks.
func (r *Reconstruction) xorIntoTarget(entry *pssEntry, target *reconBuffer, src *reconBuffer) {
	srcs := make([][]byte, 0, len(entry.xorPending)+1)
	for _, id := range entry.xorPending {
		srcs = append(srcs, r.pool.arena.get(int(id)).data)
	}
	srcs = append(srcs, src.data)

	start := timeNow()
	nWayXor(target.data, srcs...)
	r.counters.xorNanos.Add(int64(timeNow().Sub(start)))
	target.count += len(srcs)

	for _, id := range entry.xorPending {
		r.releaseBuffer(r.pool.arena.get(int(id)))
	}
	entry.xorPending = entry.xorPending[:0]

	if src.kind == BufferForced {
		r.releaseBuffer(src)
	}

	r.checkForFullBuffer(entry, target)
}

// checkForFullBuffer moves target to the full list once every surviving
// column has been folded in. Must hold the PSS and pool locks.
func (r *Reconstruction) checkForFullBuffer(entry *pssEntry, target *reconBuffer) {
	if target.count < entry.needed {
		return
	}

	if target.count > entry.needed {
		r.log.Errorf("Unit %d/%d accumulated %d of %d contributions", entry.key.psid, entry.key.ru, target.count, entry.needed)
		panic(fmt.Sprintf("unit %d/%d over-accumulated", entry.key.psid, entry.key.ru))
	}

	entry.rbuf = noBuffer
	target.state = bufferFull
	r.pool.insertFull(target)
	r.events.CauseEvent(ReconEvent{Type: EventBufferReady, Col: r.desc.SpareCol, Buf: target.id})
}

// releaseBuffer returns a consumed buffer. Floating buffers go to the oldest
// buffer waiter as a committed buffer, or back to the freelist; forced
// buffers are freed. Must hold the PSS and pool locks.
func (r *Reconstruction) releaseBuffer(buf *reconBuffer) {
	switch buf.kind {
	case BufferForced:
		r.pool.bytes.release(buf.data)
		r.pool.arena.release(int(buf.id))
		r.pool.numForced--
	case BufferFloating:
		buf.count = 0
		buf.key = pssKey{}

		if len(r.pool.waiters) > 0 {
			w := r.pool.waiters[0]
			r.pool.waiters = r.pool.waiters[1:]
			buf.state = bufferCommitted
			r.pool.committed = append(r.pool.committed, buf.id)

			if entry := r.pss.lookup(w.key); entry != nil {
				entry.dropBufferWaiter(w.col)
			}

			r.events.CauseEvent(ReconEvent{Type: EventBufferCleared, Col: w.col, Committed: true})

			return
		}

		buf.state = bufferFree
		r.pool.floating = append(r.pool.floating, buf.id)
	default:
		r.log.Errorf("Released a private buffer of column %d", buf.col)
		panic("private buffers are never released")
	}
}

// releaseBufferWaitersFor wakes the cursors waiting to contribute to entry
// now that it has an accumulating buffer. Must hold the PSS and pool locks.
func (r *Reconstruction) releaseBufferWaitersFor(entry *pssEntry) {
	for _, col := range entry.bufWaitList {
		r.pool.removeWaiter(col, entry.key)
		r.events.CauseEvent(ReconEvent{Type: EventBufferCleared, Col: col})
	}

	entry.bufWaitList = entry.bufWaitList[:0]
	entry.flags &^= pssBufferWait
}
