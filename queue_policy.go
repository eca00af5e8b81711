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
)

// QueuePolicy orders the requests held by a DiskQueue. Implementations are
// not safe for concurrent use; the owning queue serializes access.
type QueuePolicy interface {
	// Enqueue holds req at the given priority
	Enqueue(req *Request, pri Priority)
	// Dequeue removes and returns the request Peek would return
	Dequeue() *Request
	// Peek returns the next request to service without removing it
	Peek() *Request
	// Promote raises low priority requests for (psid, ru) to normal priority
	Promote(psid uint64, ru int) int
	// Len is the number of held requests
	Len() int
	// Dispatched tells the policy req went to the driver, whether it was
	// held first or sent straight through
	Dispatched(req *Request)
}

var queuePolicies = map[string]func() QueuePolicy{
	"fifo":  func() QueuePolicy { return newFifoQueue() },
	"sstf":  func() QueuePolicy { return newSeekQueue(seekShortestFirst) },
	"scan":  func() QueuePolicy { return newSeekQueue(seekElevator) },
	"cscan": func() QueuePolicy { return newSeekQueue(seekCircularElevator) },
}

// QueuePolicyNames lists the registered queue policies in sorted order
func QueuePolicyNames() []string {
	names := make([]string, 0, len(queuePolicies))
	for name := range queuePolicies {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// NewQueuePolicy creates an empty policy by name
func NewQueuePolicy(name string) (QueuePolicy, error) {
	create, ok := queuePolicies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueuePolicy, name)
	}

	return create(), nil
}

// fifoQueue services normal priority requests in arrival order, then low
// priority requests in arrival order
type fifoQueue struct {
	normal []*Request
	low    []*Request
}

func newFifoQueue() *fifoQueue {
	return &fifoQueue{}
}

func (f *fifoQueue) Enqueue(req *Request, pri Priority) {
	req.Priority = pri
	if pri == PriorityLow {
		f.low = append(f.low, req)
		return
	}

	f.normal = append(f.normal, req)
}

func (f *fifoQueue) Peek() *Request {
	if len(f.normal) > 0 {
		return f.normal[0]
	}

	if len(f.low) > 0 {
		return f.low[0]
	}

	return nil
}

func (f *fifoQueue) Dequeue() *Request {
	if len(f.normal) > 0 {
		req := f.normal[0]
		f.normal[0] = nil
		f.normal = f.normal[1:]

		return req
	}

	if len(f.low) > 0 {
		req := f.low[0]
		f.low[0] = nil
		f.low = f.low[1:]

		return req
	}

	return nil
}

func (f *fifoQueue) Promote(psid uint64, ru int) int {
	promoted := 0
	kept := f.low[:0]

	for _, req := range f.low {
		if req.ParityStripeID == psid && req.ReconUnit == ru {
			req.Priority = PriorityNormal
			f.normal = append(f.normal, req)
			promoted++

			continue
		}

		kept = append(kept, req)
	}

	for i := len(kept); i < len(f.low); i++ {
		f.low[i] = nil
	}
	f.low = kept

	return promoted
}

func (f *fifoQueue) Len() int {
	return len(f.normal) + len(f.low)
}

func (f *fifoQueue) Dispatched(req *Request) {}
