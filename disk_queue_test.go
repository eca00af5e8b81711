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
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManualQueue(t *testing.T, maxOutstanding int) (*DiskQueue, *manualDriver) {
	logger, _ := test.NewNullLogger()
	driver := &manualDriver{}

	q, err := NewDiskQueue(0, driver, "fifo", maxOutstanding, logger)
	require.NoError(t, err)

	return q, driver
}

func lockingRequest(ioType IOType, offset uint64, lock LockControl) *Request {
	req := NewRequest(ioType, offset, 1, make([]byte, DefaultSectorSize), 0, 0, nil)
	req.Lock = lock

	return req
}

func TestNewDiskQueueRejectsBadConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := NewDiskQueue(0, nil, "fifo", 1, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewDiskQueue(0, &manualDriver{}, "fifo", 0, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewDiskQueue(0, &manualDriver{}, "anticipatory", 1, logger)
	assert.ErrorIs(t, err, ErrUnknownQueuePolicy)
}

func TestEmptyQueueDispatchesImmediately(t *testing.T) {
	q, driver := newManualQueue(t, 1)

	req := NewRequest(IORead, 10, 1, nil, 0, 0, nil)
	q.Enqueue(req, PriorityLow)

	assert.Equal(t, []*Request{req}, driver.outstanding())
	assert.Equal(t, 1, q.Stats().Outstanding)
}

func TestQueueHoldsRequestsBeyondMaxOutstanding(t *testing.T) {
	q, driver := newManualQueue(t, 2)

	for i := 0; i < 5; i++ {
		q.Enqueue(NewRequest(IORead, uint64(i), 1, nil, 0, 0, nil), PriorityNormal)
	}

	assert.Len(t, driver.outstanding(), 2)
	assert.Equal(t, 3, q.Stats().Queued)

	driver.completeOldest(nil)

	assert.Len(t, driver.outstanding(), 2)
	assert.Equal(t, 2, q.Stats().Queued)
	assert.Equal(t, uint64(3), q.Stats().Dispatched)
}

func TestLowPriorityWaitsBehindNormal(t *testing.T) {
	q, driver := newManualQueue(t, 4)

	normal := NewRequest(IORead, 1, 1, nil, 0, 0, nil)
	low := NewRequest(IORead, 2, 1, nil, 0, 0, nil)

	q.Enqueue(normal, PriorityNormal)
	q.Enqueue(low, PriorityLow)

	assert.Equal(t, []*Request{normal}, driver.outstanding())

	driver.completeOldest(nil)

	assert.Equal(t, []*Request{low}, driver.outstanding())
}

func TestNormalJoinsOutstandingLow(t *testing.T) {
	q, driver := newManualQueue(t, 4)

	q.Enqueue(NewRequest(IORead, 1, 1, nil, 0, 0, nil), PriorityLow)
	q.Enqueue(NewRequest(IORead, 2, 1, nil, 0, 0, nil), PriorityNormal)

	assert.Len(t, driver.outstanding(), 2)
}

func TestPromoteDispatchesQueuedReconRead(t *testing.T) {
	q, driver := newManualQueue(t, 4)

	q.Enqueue(NewRequest(IOWrite, 1, 1, nil, 3, 0, nil), PriorityNormal)
	recon := NewRequest(IORead, 2, 1, nil, 7, 1, nil)
	other := NewRequest(IORead, 3, 1, nil, 7, 2, nil)
	q.Enqueue(recon, PriorityLow)
	q.Enqueue(other, PriorityLow)

	assert.Len(t, driver.outstanding(), 1)

	assert.Equal(t, 1, q.Promote(7, 1))

	assert.Contains(t, driver.outstanding(), recon)
	assert.NotContains(t, driver.outstanding(), other)
	assert.Equal(t, PriorityNormal, recon.Priority)
	assert.Equal(t, uint64(1), q.Stats().Promoted)
	assert.Equal(t, 0, q.Promote(7, 1))
}

func TestSeekPoliciesMeasureFromDirectDispatch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	driver := &manualDriver{}
	q, err := NewDiskQueue(0, driver, "sstf", 1, logger)
	require.NoError(t, err)

	// Sent straight to the driver, never held by the policy
	q.Enqueue(NewRequest(IORead, 90, 1, nil, 0, 0, nil), PriorityNormal)
	q.Enqueue(NewRequest(IORead, 10, 1, nil, 0, 0, nil), PriorityNormal)
	q.Enqueue(NewRequest(IORead, 80, 1, nil, 0, 0, nil), PriorityNormal)

	driver.completeOldest(nil)

	outstanding := driver.outstanding()
	require.Len(t, outstanding, 1)
	assert.Equal(t, uint64(80), outstanding[0].SectorOffset)
}

func TestLockingProtocol(t *testing.T) {
	q, driver := newManualQueue(t, 4)

	first := NewRequest(IORead, 1, 1, nil, 0, 0, nil)
	q.Enqueue(first, PriorityNormal)

	acquire := lockingRequest(IORead, 5, LockAcquire)
	q.Enqueue(acquire, PriorityNormal)
	assert.Equal(t, []*Request{first}, driver.outstanding(), "lock must wait for outstanding requests")

	driver.completeOldest(nil)
	assert.Equal(t, []*Request{acquire}, driver.outstanding())
	assert.True(t, q.Stats().Locked)

	blocked := NewRequest(IORead, 9, 1, nil, 0, 0, nil)
	q.Enqueue(blocked, PriorityNormal)
	driver.completeOldest(nil)
	assert.Empty(t, driver.outstanding(), "nothing may run while the queue is locked")
	assert.True(t, q.Stats().Locked)

	release := lockingRequest(IOWrite, 5, LockRelease)
	q.Enqueue(release, PriorityNormal)
	assert.Equal(t, []*Request{release}, driver.outstanding(), "unlock requests dispatch immediately")

	driver.completeOldest(nil)
	assert.False(t, q.Stats().Locked)
	assert.Equal(t, []*Request{blocked}, driver.outstanding())
}

func TestPendingLockHoldsBackNewTraffic(t *testing.T) {
	q, driver := newManualQueue(t, 4)

	a := NewRequest(IORead, 1, 1, nil, 0, 0, nil)
	b := NewRequest(IORead, 2, 1, nil, 0, 0, nil)
	q.Enqueue(a, PriorityNormal)
	q.Enqueue(b, PriorityNormal)

	acquire := lockingRequest(IORead, 5, LockAcquire)
	q.Enqueue(acquire, PriorityNormal)

	// Completing a parks the lock as the next locking op behind b
	driver.completeOldest(nil)
	late := NewRequest(IORead, 3, 1, nil, 0, 0, nil)
	q.Enqueue(late, PriorityNormal)
	assert.Equal(t, []*Request{b}, driver.outstanding())

	driver.completeOldest(nil)
	assert.Equal(t, []*Request{acquire}, driver.outstanding())

	driver.completeOldest(nil)
	release := lockingRequest(IONoOp, 5, LockRelease)
	q.Enqueue(release, PriorityNormal)
	driver.completeOldest(nil)

	assert.Equal(t, []*Request{late}, driver.outstanding())
}

func TestFailedLockAcquireUnlocks(t *testing.T) {
	q, driver := newManualQueue(t, 4)

	var gotErr error
	acquire := lockingRequest(IORead, 5, LockAcquire)
	acquire.Done = func(_ *Request, err error) {
		gotErr = err
	}
	q.Enqueue(acquire, PriorityNormal)
	assert.True(t, q.Stats().Locked)

	driver.completeOldest(errors.New("medium error"))

	assert.EqualError(t, gotErr, "medium error")
	assert.False(t, q.Stats().Locked)
	assert.Equal(t, uint64(1), q.Stats().Failed)
}

func TestUnlockingUnlockedQueuePanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Errorf("This test should panic")
		} else {
			assert.Equal(t, "disk queue 0 is not locked", r)
		}
	}()

	q, _ := newManualQueue(t, 1)
	q.Enqueue(lockingRequest(IONoOp, 0, LockRelease), PriorityNormal)
}

func TestCompletionRunsAfterQueueAccounting(t *testing.T) {
	q, driver := newManualQueue(t, 1)

	var outstanding int
	req := NewRequest(IORead, 1, 1, nil, 0, 0, func(_ *Request, _ error) {
		outstanding = q.Stats().Outstanding
	})
	q.Enqueue(req, PriorityNormal)
	driver.completeOldest(nil)

	assert.Equal(t, 0, outstanding)
}

func TestRequestTraceIsFilled(t *testing.T) {
	mockNow(t, 0)
	q, driver := newManualQueue(t, 1)

	req := NewRequest(IORead, 1, 1, nil, 0, 0, nil)
	req.Trace = &RequestTrace{}
	q.Enqueue(req, PriorityNormal)

	mockNow(t, 30)
	driver.completeOldest(nil)

	assert.Equal(t, int64(0), req.Trace.QueueLatency().Milliseconds())
	assert.Equal(t, int64(30), req.Trace.ServiceLatency().Milliseconds())
}

// lockCheckingDriver fails the test if anything but an unlock reaches the
// disk while a queue lock is held, or if a lock is taken with I/O in flight
type lockCheckingDriver struct {
	*MemDisk
	lock        sync.Mutex
	locked      bool
	outstanding int
	violations  []string
}

func (d *lockCheckingDriver) SubmitIO(req *Request, complete func(error)) {
	d.lock.Lock()
	switch {
	case req.Lock == LockAcquire && d.outstanding > 0:
		d.violations = append(d.violations, fmt.Sprintf("lock taken with %d outstanding", d.outstanding))
	case d.locked && req.Lock != LockRelease:
		d.violations = append(d.violations, fmt.Sprintf("%s dispatched while locked", req))
	}

	if req.Lock == LockAcquire {
		d.locked = true
	}
	d.outstanding++
	d.lock.Unlock()

	d.MemDisk.SubmitIO(req, func(err error) {
		d.lock.Lock()
		d.outstanding--
		if req.Lock == LockRelease {
			d.locked = false
		}
		d.lock.Unlock()

		complete(err)
	})
}

func TestLockExclusivityUnderLoad(t *testing.T) {
	logger, _ := test.NewNullLogger()
	driver := &lockCheckingDriver{MemDisk: NewMemDisk(DefaultSectorSize, 64)}

	for _, policy := range QueuePolicyNames() {
		t.Run(policy, func(t *testing.T) {
			q, err := NewDiskQueue(0, driver, policy, 3, logger)
			require.NoError(t, err)

			wg := &sync.WaitGroup{}
			for worker := 0; worker < 8; worker++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					buf := make([]byte, DefaultSectorSize)

					for i := 0; i < 50; i++ {
						offset := uint64(rng.Intn(64))
						if rng.Intn(3) == 0 {
							acquire := NewRequest(IORead, offset, 1, buf, 0, 0, nil)
							acquire.Lock = LockAcquire
							assert.NoError(t, q.Do(acquire, PriorityNormal))

							release := NewRequest(IOWrite, offset, 1, buf, 0, 0, nil)
							release.Lock = LockRelease
							assert.NoError(t, q.Do(release, PriorityNormal))

							continue
						}

						pri := PriorityLow
						if rng.Intn(2) == 0 {
							pri = PriorityNormal
						}
						assert.NoError(t, q.Do(NewRequest(IORead, offset, 1, buf, 0, 0, nil), pri))
					}
				}(int64(worker))
			}
			wg.Wait()

			stats := q.Stats()
			assert.Equal(t, 0, stats.Outstanding)
			assert.Equal(t, 0, stats.Queued)
			assert.False(t, stats.Locked)
		})
	}

	assert.Empty(t, driver.violations)
}
