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

	"github.com/sirupsen/logrus"
)

// DiskDriver performs physical I/O for one component. SubmitIO must not wait
// for the I/O itself; complete is called exactly once, from any goroutine,
// possibly before SubmitIO returns.
type DiskDriver interface {
	SubmitIO(req *Request, complete func(error))
	SectorSize() int
	NumSectors() uint64
}

// DiskQueueStats is a point in time copy of a queue's counters
type DiskQueueStats struct {
	Dispatched     uint64
	Completed      uint64
	Failed         uint64
	Promoted       uint64
	Queued         int
	Outstanding    int
	MaxOutstanding int
	Locked         bool
}

// DiskQueue orders and dispatches requests for a single component disk. It
// enforces a bound on outstanding requests, keeps lower priority traffic behind
// higher priority traffic, and implements the queue lock used by atomic
// read-modify-write.
type DiskQueue struct {
	col            int
	driver         DiskDriver
	policy         QueuePolicy
	maxOutstanding int
	numOutstanding int
	curPriority    Priority
	locked         bool
	nextLockingOp  *Request
	stats          DiskQueueStats
	lock           *sync.Mutex
	log            *logrus.Logger
}

// NewDiskQueue creates a queue in front of driver using the named ordering policy
func NewDiskQueue(col int, driver DiskDriver, policyName string, maxOutstanding int, log *logrus.Logger) (*DiskQueue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if driver == nil {
		return nil, fmt.Errorf("%w: disk queue %d has no driver", ErrInvalidConfig, col)
	}

	if maxOutstanding < 1 {
		return nil, fmt.Errorf("%w: disk queue %d max outstanding must be positive", ErrInvalidConfig, col)
	}

	if policyName == "" {
		policyName = defaultDiskQueuePolicy
	}

	policy, err := NewQueuePolicy(policyName)
	if err != nil {
		return nil, err
	}

	return &DiskQueue{
		col:            col,
		driver:         driver,
		policy:         policy,
		maxOutstanding: maxOutstanding,
		lock:           &sync.Mutex{},
		log:            log,
	}, nil
}

// Column returns the array column this queue serves
func (q *DiskQueue) Column() int {
	return q.col
}

// Driver returns the component driver behind the queue
func (q *DiskQueue) Driver() DiskDriver {
	return q.driver
}

func (q *DiskQueue) empty() bool {
	return q.numOutstanding == 0 && q.nextLockingOp == nil && !q.locked
}

func (q *DiskQueue) full() bool {
	return q.numOutstanding >= q.maxOutstanding
}

// okToDispatch reports whether an unlocked request of the given priority may
// go straight to the driver. A pending locking request holds back new traffic
// so that it cannot be starved.
func (q *DiskQueue) okToDispatch(pri Priority) bool {
	if q.locked || q.nextLockingOp != nil {
		return false
	}

	return q.numOutstanding == 0 || (!q.full() && pri >= q.curPriority)
}

// Enqueue hands req to the queue at the given priority. The request is either
// dispatched to the driver immediately or held until it may be.
func (q *DiskQueue) Enqueue(req *Request, pri Priority) {
	req.Priority = pri
	if req.Trace != nil {
		req.Trace.Enqueued = timeNow()
	}

	q.lock.Lock()
	var dispatch []*Request

	switch req.Lock {
	case LockAcquire:
		if q.empty() {
			q.locked = true
			dispatch = q.markDispatched(dispatch, req)
		} else {
			q.policy.Enqueue(req, pri)
		}
	case LockRelease:
		if !q.locked {
			q.lock.Unlock()
			q.log.Errorf("[DiskQueue] Unlock request on unlocked queue %d: %s", q.col, req)
			panic(fmt.Sprintf("disk queue %d is not locked", q.col))
		}

		dispatch = q.markDispatched(dispatch, req)
	default:
		if q.okToDispatch(pri) {
			dispatch = q.markDispatched(dispatch, req)
		} else {
			q.policy.Enqueue(req, pri)
		}
	}

	q.lock.Unlock()
	q.submit(dispatch)
}

// Do enqueues req and waits for it to complete. req.Done is replaced.
func (q *DiskQueue) Do(req *Request, pri Priority) error {
	done := make(chan error, 1)
	req.Done = func(_ *Request, err error) {
		done <- err
	}

	q.Enqueue(req, pri)

	return <-done
}

// Promote raises every queued low priority request for (psid, ru) to normal
// priority. Requests already dispatched are unaffected.
func (q *DiskQueue) Promote(psid uint64, ru int) int {
	q.lock.Lock()
	promoted := q.policy.Promote(psid, ru)
	q.stats.Promoted += uint64(promoted)
	var dispatch []*Request
	if promoted > 0 {
		dispatch = q.pump(dispatch)
	}
	q.lock.Unlock()

	q.submit(dispatch)

	if promoted > 0 {
		q.log.Debugf("[DiskQueue] Promoted %d requests for psid %d ru %d on column %d", promoted, psid, ru, q.col)
	}

	return promoted
}

// Stats returns a copy of the queue counters
func (q *DiskQueue) Stats() DiskQueueStats {
	q.lock.Lock()
	defer q.lock.Unlock()

	stats := q.stats
	stats.Queued = q.policy.Len()
	if q.nextLockingOp != nil {
		stats.Queued++
	}
	stats.Outstanding = q.numOutstanding
	stats.MaxOutstanding = q.maxOutstanding
	stats.Locked = q.locked

	return stats
}

// markDispatched accounts for req leaving the queue. Must hold q.lock.
func (q *DiskQueue) markDispatched(dispatch []*Request, req *Request) []*Request {
	q.numOutstanding++
	q.curPriority = req.Priority
	q.stats.Dispatched++
	q.policy.Dispatched(req)

	if req.Trace != nil {
		req.Trace.Dispatched = timeNow()
	}

	return append(dispatch, req)
}

// pump moves as many held requests to the driver as the queue state allows.
// Must hold q.lock.
func (q *DiskQueue) pump(dispatch []*Request) []*Request {
	for !q.full() && !q.locked {
		if q.nextLockingOp != nil {
			if q.numOutstanding > 0 {
				break
			}

			req := q.nextLockingOp
			q.nextLockingOp = nil
			q.locked = true
			dispatch = q.markDispatched(dispatch, req)

			continue
		}

		req := q.policy.Peek()
		if req == nil {
			break
		}

		if req.Lock == LockAcquire {
			q.policy.Dequeue()
			if q.empty() {
				q.locked = true
				dispatch = q.markDispatched(dispatch, req)
			} else {
				q.nextLockingOp = req
			}

			continue
		}

		if !q.okToDispatch(req.Priority) {
			break
		}

		q.policy.Dequeue()
		dispatch = q.markDispatched(dispatch, req)
	}

	return dispatch
}

func (q *DiskQueue) submit(dispatch []*Request) {
	for _, req := range dispatch {
		r := req
		q.driver.SubmitIO(r, func(err error) {
			q.complete(r, err)
		})
	}
}

func (q *DiskQueue) complete(req *Request, err error) {
	if req.Trace != nil {
		req.Trace.Completed = timeNow()
	}

	q.lock.Lock()
	q.numOutstanding--
	q.stats.Completed++

	if err != nil {
		q.stats.Failed++
	}

	if q.numOutstanding < 0 {
		q.lock.Unlock()
		q.log.Errorf("[DiskQueue] Outstanding count underflow on column %d", q.col)
		panic(fmt.Sprintf("disk queue %d outstanding count underflow", q.col))
	}

	// A failed lock acquisition leaves nothing to unlock later
	if req.Lock == LockRelease || (req.Lock == LockAcquire && err != nil) {
		q.locked = false
	}

	dispatch := q.pump(nil)
	q.lock.Unlock()

	if err != nil {
		q.log.Warnf("[DiskQueue] Request failed on column %d: %s: %v", q.col, req, err)
	}

	q.submit(dispatch)

	if req.Done != nil {
		req.Done(req, err)
	}
}
