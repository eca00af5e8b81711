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
	"context"
	"fmt"
	"sync"
	"time"
)

// ReconActionType is an enum for the kinds of traffic a reconstruction generates
type ReconActionType int

// The maximum amount of seconds of history we store in the tracker
const maximumRecordSeconds = 30

const millisecondWindow = maximumRecordSeconds * 1000

// How much time each actionBucket stores
// WARNING: Must be < 1000 and must evenly divide millisecondWindow (millisecondWindow % intervalMilliseconds == 0)!
const intervalMilliseconds = 100

const bucketCount = maximumRecordSeconds * (1000 / intervalMilliseconds)

const (
	// ReconRead is a background read of a surviving column
	ReconRead ReconActionType = iota
	// ReconWrite is a write of a rebuilt unit to the spare
	ReconWrite
	// ForcedRead is a surviving column read issued on behalf of a foreground access
	ForcedRead
	// ForegroundWrite is a user write serviced while the rebuild runs
	ForegroundWrite

	numReconActionTypes
)

type reconAction struct {
	actionType ReconActionType
	count      uint64
}

type actionBucket struct {
	updateTime   time.Time
	actionCounts []uint64
}

// throughputTracker efficiently stores byte counts per action type over time
type throughputTracker struct {
	queue         chan *reconAction
	actionBuckets []*actionBucket
	actionPool    *sync.Pool
	actionLock    *sync.Mutex
}

// Define the now function so that we can overwrite the definition in tests
var timeNow = time.Now

func newThroughputTracker() *throughputTracker {
	actionBuckets := make([]*actionBucket, bucketCount)
	for i := 0; i < bucketCount; i++ {
		actionBuckets[i] = &actionBucket{
			time.Time{},
			make([]uint64, numReconActionTypes),
		}
	}

	return &throughputTracker{
		queue:         make(chan *reconAction, 100),
		actionBuckets: actionBuckets,
		actionPool: &sync.Pool{
			New: func() interface{} {
				return &reconAction{}
			},
		},
		actionLock: &sync.Mutex{},
	}
}

// recordAction records byteCount bytes of the given action type. It never
// blocks the caller; samples are dropped when the processor falls behind.
func (tt *throughputTracker) recordAction(actionType ReconActionType, byteCount uint64) {
	action := tt.actionPool.Get().(*reconAction)
	action.actionType = actionType
	action.count = byteCount

	select {
	case tt.queue <- action:
	default:
		tt.actionPool.Put(action)
	}
}

// Sample the number of bytes matching actionType that have happened in the last timeMilliseconds milliseconds
func (tt *throughputTracker) Sample(actionType ReconActionType, timeMilliseconds uint64) uint64 {
	now := timeNow()
	currentIx := getBucketIndex(now)

	tt.actionLock.Lock()
	defer tt.actionLock.Unlock()

	currentTime := now
	returnCount := uint64(0)
	for i := uint64(0); i < timeMilliseconds/intervalMilliseconds; i++ {
		if isFresh(tt.actionBuckets[currentIx], currentTime) {
			returnCount += tt.actionBuckets[currentIx].actionCounts[actionType]
		}
		currentIx--
		if currentIx < 0 {
			currentIx = bucketCount - 1
		}
		currentTime = currentTime.Add(-intervalMilliseconds * time.Millisecond)
	}

	return returnCount
}

// processQueue blocks, processing the action queue, until cancellation
func (tt *throughputTracker) processQueue(ctx context.Context, waitGroup *sync.WaitGroup) {
	defer waitGroup.Done()

	for !isCancelSignaled(ctx) {
		action := tt.tryDequeue(500)

		if action == nil {
			continue
		}

		tt.processAction(action)
	}
}

func (tt *throughputTracker) processAction(action *reconAction) {
	now := timeNow()
	bucket := tt.actionBuckets[getBucketIndex(now)]

	tt.actionLock.Lock()
	if !isFresh(bucket, now) {
		reset(bucket)
	}

	bucket.updateTime = now
	bucket.actionCounts[action.actionType] += action.count
	tt.actionLock.Unlock()

	tt.actionPool.Put(action)
}

func (tt *throughputTracker) tryDequeue(waitMilliseconds int) *reconAction {
	select {
	case action := <-tt.queue:
		return action
	case <-time.After(time.Duration(waitMilliseconds) * time.Millisecond):
		return nil
	}
}

// BytesToHumanReadable converts a raw byte count to a human readable value (e.g. 1024 becomes '1KB')
func BytesToHumanReadable(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB",
		float64(b)/float64(div), "KMGTPE"[exp])
}

func isFresh(bucket *actionBucket, now time.Time) bool {
	nonStaleTime := now.Add(time.Duration(-intervalMilliseconds-1) * time.Millisecond)

	return bucket.updateTime.After(nonStaleTime)
}

func reset(bucket *actionBucket) {
	bucket.updateTime = time.Time{}
	for i := range bucket.actionCounts {
		bucket.actionCounts[i] = 0
	}
}

func getBucketIndex(now time.Time) int64 {
	millisecondNow := now.UnixNano() / int64(time.Millisecond)
	millisecondMod := millisecondNow % millisecondWindow

	return millisecondMod / intervalMilliseconds
}
