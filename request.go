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
	"time"
)

// IOType is the kind of access a Request performs against a component disk
type IOType int

const (
	// IORead copies sectors from the disk into the request buffer
	IORead IOType = iota
	// IOWrite copies the request buffer onto the disk
	IOWrite
	// IONoOp touches no media; it only carries lock control through a queue
	IONoOp
)

func (t IOType) String() string {
	switch t {
	case IORead:
		return "read"
	case IOWrite:
		return "write"
	case IONoOp:
		return "noop"
	}

	return fmt.Sprintf("IOType(%d)", int(t))
}

// Priority orders requests on a DiskQueue, higher values are serviced first
type Priority int

const (
	// PriorityLow is used by background reconstruction traffic
	PriorityLow Priority = iota
	// PriorityNormal is used by foreground and forced reconstruction traffic
	PriorityNormal
)

// LockControl marks a request as taking or dropping a disk queue lock
type LockControl int

const (
	// LockNone is an ordinary request
	LockNone LockControl = iota
	// LockAcquire locks the queue when dispatched; the queue stays locked
	// after the request completes, until a LockRelease request completes
	LockAcquire
	// LockRelease is dispatched immediately and unlocks the queue on completion
	LockRelease
)

// RequestTrace records timing for one request
type RequestTrace struct {
	Enqueued   time.Time
	Dispatched time.Time
	Completed  time.Time
}

// QueueLatency is the time the request spent waiting in a DiskQueue
func (t *RequestTrace) QueueLatency() time.Duration {
	return t.Dispatched.Sub(t.Enqueued)
}

// ServiceLatency is the time the driver took to service the request
func (t *RequestTrace) ServiceLatency() time.Duration {
	return t.Completed.Sub(t.Dispatched)
}

// CompletionFunc is called exactly once per request, after the owning queue
// has accounted for the completion. A non-nil error reports a physical failure.
type CompletionFunc func(req *Request, err error)

// Request is a single I/O against one component disk
type Request struct {
	Type         IOType
	SectorOffset uint64
	NumSectors   uint64
	Buf          []byte
	Priority     Priority
	Lock         LockControl
	Done         CompletionFunc
	Trace        *RequestTrace

	// ParityStripeID and ReconUnit identify the reconstruction unit the
	// request belongs to, so that queued reconstruction reads can be promoted
	ParityStripeID uint64
	ReconUnit      int
}

// NewRequest builds an unlocked request for the given reconstruction unit
func NewRequest(ioType IOType, sectorOffset, numSectors uint64, buf []byte, psid uint64, ru int, done CompletionFunc) *Request {
	return &Request{
		Type:           ioType,
		SectorOffset:   sectorOffset,
		NumSectors:     numSectors,
		Buf:            buf,
		Done:           done,
		ParityStripeID: psid,
		ReconUnit:      ru,
	}
}

func (r *Request) String() string {
	return fmt.Sprintf(
		"%s sector=%d count=%d pri=%d lock=%d psid=%d ru=%d",
		r.Type,
		r.SectorOffset,
		r.NumSectors,
		r.Priority,
		r.Lock,
		r.ParityStripeID,
		r.ReconUnit,
	)
}
