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
	"time"
)

// EventType identifies what happened to a reconstruction participant
type EventType int

const (
	// EventReadDone is raised when a cursor's reconstruction read completes
	EventReadDone EventType = iota
	// EventWriteDone is raised when a rebuilt unit has been written to the spare
	EventWriteDone
	// EventBufferReady is raised when a buffer has accumulated every contribution
	EventBufferReady
	// EventBufferCleared wakes a cursor that was waiting for a buffer
	EventBufferCleared
	// EventBlockCleared wakes a cursor that was blocked by a foreground write
	EventBlockCleared
	// EventHeadSepCleared wakes a cursor held back by the head separation limit
	EventHeadSepCleared
	// EventSkip tells a cursor its current unit needs no read
	EventSkip
	// EventForcedReadDone is raised when a forced read completes
	EventForcedReadDone
)

var eventTypeNames = map[EventType]string{
	EventReadDone:       "ReadDone",
	EventWriteDone:      "WriteDone",
	EventBufferReady:    "BufferReady",
	EventBufferCleared:  "BufferCleared",
	EventBlockCleared:   "BlockCleared",
	EventHeadSepCleared: "HeadSepCleared",
	EventSkip:           "Skip",
	EventForcedReadDone: "ForcedReadDone",
}

func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("EventType(%d)", int(e))
}

// ReconEvent is one entry of the event queue
type ReconEvent struct {
	Type EventType
	Col  int
	// Buf names the buffer involved in buffer and forced read events
	Buf bufID
	// Committed is set on BufferCleared when a buffer was reserved for the waiter
	Committed bool
	// Err carries the driver error of a completed I/O
	Err error
}

// EventQueueStats counts how the controller interacted with the queue
type EventQueueStats struct {
	Caused      uint64
	Consumed    uint64
	Waits       uint64
	ExecDelays  uint64
	MaxExecTime time.Duration
}

// Define the sleep function so that we can overwrite the definition in tests
var sleepFor = time.Sleep

// EventQueue serializes asynchronous completions into the single controller
// goroutine. Events are delivered in arrival order.
type EventQueue struct {
	events     []ReconEvent
	cond       *sync.Cond
	execBudget time.Duration
	yieldDelay time.Duration
	running    bool
	runStart   time.Time
	stats      EventQueueStats
}

// NewEventQueue creates an empty queue. The consumer yields for yieldDelay
// whenever it has run for execBudget without waiting.
func NewEventQueue(execBudget, yieldDelay time.Duration) *EventQueue {
	return &EventQueue{
		cond:       sync.NewCond(&sync.Mutex{}),
		execBudget: execBudget,
		yieldDelay: yieldDelay,
	}
}

// CauseEvent appends ev and wakes the consumer. Safe from any goroutine.
func (q *EventQueue) CauseEvent(ev ReconEvent) {
	q.cond.L.Lock()
	q.events = append(q.events, ev)
	q.stats.Caused++
	q.cond.L.Unlock()

	q.cond.Signal()
}

// NextEvent blocks until an event is available and removes it
func (q *EventQueue) NextEvent() ReconEvent {
	now := timeNow()

	q.cond.L.Lock()
	if !q.running {
		q.running = true
		q.runStart = now
	} else if ran := now.Sub(q.runStart); ran >= q.execBudget {
		if ran > q.stats.MaxExecTime {
			q.stats.MaxExecTime = ran
		}
		q.stats.ExecDelays++
		q.cond.L.Unlock()

		sleepFor(q.yieldDelay)

		q.cond.L.Lock()
		q.runStart = timeNow()
	} else if ran > q.stats.MaxExecTime {
		q.stats.MaxExecTime = ran
	}

	for len(q.events) == 0 {
		q.stats.Waits++
		q.cond.Wait()
		q.runStart = timeNow()
	}

	ev := q.events[0]
	q.events[0] = ReconEvent{}
	q.events = q.events[1:]
	q.stats.Consumed++
	q.cond.L.Unlock()

	return ev
}

// tryNextEvent removes the head event without blocking
func (q *EventQueue) tryNextEvent() (ReconEvent, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	if len(q.events) == 0 {
		return ReconEvent{}, false
	}

	ev := q.events[0]
	q.events[0] = ReconEvent{}
	q.events = q.events[1:]
	q.stats.Consumed++

	return ev, true
}

// Len returns the number of undelivered events
func (q *EventQueue) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	return len(q.events)
}

// Stats returns a copy of the queue counters
func (q *EventQueue) Stats() EventQueueStats {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	return q.stats
}
