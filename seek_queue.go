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

import "sort"

type seekMode int

const (
	// seekShortestFirst picks the request closest to the last dispatched sector
	seekShortestFirst seekMode = iota
	// seekElevator sweeps in one direction until no request remains ahead,
	// then reverses
	seekElevator
	// seekCircularElevator only sweeps upward, wrapping to the lowest sector
	seekCircularElevator
)

// seekQueue keeps normal and low priority requests sorted by sector and picks
// the next request according to its seek mode. Low priority requests are only
// considered when no normal priority request is held.
type seekQueue struct {
	mode       seekMode
	normal     []*Request
	low        []*Request
	lastSector uint64
	descending bool
}

func newSeekQueue(mode seekMode) *seekQueue {
	return &seekQueue{mode: mode}
}

func insertBySector(list []*Request, req *Request) []*Request {
	ix := sort.Search(len(list), func(i int) bool {
		return list[i].SectorOffset > req.SectorOffset
	})

	list = append(list, nil)
	copy(list[ix+1:], list[ix:])
	list[ix] = req

	return list
}

func (s *seekQueue) Enqueue(req *Request, pri Priority) {
	req.Priority = pri
	if pri == PriorityLow {
		s.low = insertBySector(s.low, req)
		return
	}

	s.normal = insertBySector(s.normal, req)
}

// choose returns the index in list of the request to service next
func (s *seekQueue) choose(list []*Request) int {
	above := sort.Search(len(list), func(i int) bool {
		return list[i].SectorOffset >= s.lastSector
	})
	below := above - 1

	switch s.mode {
	case seekCircularElevator:
		if above < len(list) {
			return above
		}

		return 0
	case seekElevator:
		if above < len(list) && list[above].SectorOffset == s.lastSector {
			return above
		}

		if s.descending {
			if below >= 0 {
				return below
			}

			return above
		}

		if above < len(list) {
			return above
		}

		return below
	}

	if below < 0 {
		return above
	}

	if above >= len(list) {
		return below
	}

	downDistance := s.lastSector - list[below].SectorOffset
	upDistance := list[above].SectorOffset - s.lastSector

	if downDistance < upDistance || (downDistance == upDistance && s.descending) {
		return below
	}

	return above
}

func (s *seekQueue) pick() (*[]*Request, int) {
	list := &s.normal
	if len(s.normal) == 0 {
		list = &s.low
	}

	if len(*list) == 0 {
		return nil, -1
	}

	return list, s.choose(*list)
}

func (s *seekQueue) Peek() *Request {
	list, ix := s.pick()
	if list == nil {
		return nil
	}

	return (*list)[ix]
}

func (s *seekQueue) Dequeue() *Request {
	list, ix := s.pick()
	if list == nil {
		return nil
	}

	req := (*list)[ix]
	copy((*list)[ix:], (*list)[ix+1:])
	(*list)[len(*list)-1] = nil
	*list = (*list)[:len(*list)-1]

	s.moveHead(req.SectorOffset)

	return req
}

// Dispatched records the head position of a request that never waited in
// the queue
func (s *seekQueue) Dispatched(req *Request) {
	s.moveHead(req.SectorOffset)
}

func (s *seekQueue) moveHead(sector uint64) {
	if sector != s.lastSector {
		s.descending = sector < s.lastSector
	}
	s.lastSector = sector
}

func (s *seekQueue) Promote(psid uint64, ru int) int {
	promoted := 0
	kept := s.low[:0]

	for _, req := range s.low {
		if req.ParityStripeID == psid && req.ReconUnit == ru {
			req.Priority = PriorityNormal
			s.normal = insertBySector(s.normal, req)
			promoted++

			continue
		}

		kept = append(kept, req)
	}

	for i := len(kept); i < len(s.low); i++ {
		s.low[i] = nil
	}
	s.low = kept

	return promoted
}

func (s *seekQueue) Len() int {
	return len(s.normal) + len(s.low)
}
