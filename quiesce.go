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
)

// accessSuspender gates foreground requests so the array can be quiesced
type accessSuspender struct {
	cond      *sync.Cond
	suspended bool
	inFlight  int
}

func newAccessSuspender() *accessSuspender {
	return &accessSuspender{
		cond: sync.NewCond(&sync.Mutex{}),
	}
}

// begin waits while the array is suspended, then counts a request in flight
func (s *accessSuspender) begin() {
	s.cond.L.Lock()
	for s.suspended {
		s.cond.Wait()
	}
	s.inFlight++
	s.cond.L.Unlock()
}

// end retires a request counted by begin
func (s *accessSuspender) end() {
	s.cond.L.Lock()
	s.inFlight--
	s.cond.L.Unlock()

	s.cond.Broadcast()
}

// SuspendNewRequestsAndWait stops new requests and waits for the rest to finish
func (s *accessSuspender) SuspendNewRequestsAndWait() {
	s.cond.L.Lock()
	s.suspended = true
	for s.inFlight > 0 {
		s.cond.Wait()
	}
	s.cond.L.Unlock()
}

// ResumeNewRequests lets requests held by begin proceed
func (s *accessSuspender) ResumeNewRequests() {
	s.cond.L.Lock()
	s.suspended = false
	s.cond.L.Unlock()

	s.cond.Broadcast()
}

// ComponentLabel is the identity and state recorded for one column
type ComponentLabel struct {
	Column     int
	Status     DiskStatus
	Clean      bool
	ModCounter uint64
}

// labelStore keeps component labels in memory
type labelStore struct {
	lock   *sync.Mutex
	labels []ComponentLabel
}

func newLabelStore(numColumns int) *labelStore {
	labels := make([]ComponentLabel, numColumns)
	for col := range labels {
		labels[col] = ComponentLabel{Column: col, Status: StatusOptimal, Clean: true}
	}

	return &labelStore{
		lock:   &sync.Mutex{},
		labels: labels,
	}
}

// MarkClean records that col holds consistent data
func (s *labelStore) MarkClean(col int) error {
	return s.update(col, func(label *ComponentLabel) {
		label.Clean = true
	})
}

func (s *labelStore) markDirty(col int) error {
	return s.update(col, func(label *ComponentLabel) {
		label.Clean = false
	})
}

func (s *labelStore) setStatus(col int, status DiskStatus) error {
	return s.update(col, func(label *ComponentLabel) {
		label.Status = status
	})
}

func (s *labelStore) update(col int, fn func(label *ComponentLabel)) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if col < 0 || col >= len(s.labels) {
		return fmt.Errorf("no label for column %d", col)
	}

	fn(&s.labels[col])
	s.labels[col].ModCounter++

	return nil
}

func (s *labelStore) snapshot() []ComponentLabel {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]ComponentLabel(nil), s.labels...)
}
