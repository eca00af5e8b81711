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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupOrCreateCreatesOnce(t *testing.T) {
	table := newPSSTable(5)
	key := pssKey{psid: 3, ru: 1}

	assert.Nil(t, table.lookup(key))

	entry, created := table.lookupOrCreate(key, 4)
	assert.True(t, created)
	assert.Equal(t, 4, entry.needed)
	assert.Equal(t, noBuffer, entry.rbuf)
	assert.Len(t, entry.issued, 5)

	again, created := table.lookupOrCreate(key, 4)
	assert.False(t, created)
	assert.Same(t, entry, again)
	assert.Equal(t, 1, table.len())
}

func TestCheckForcedOrBlocked(t *testing.T) {
	table := newPSSTable(5)

	proceed, _ := table.lookupOrCreate(pssKey{0, 0}, 4)
	assert.Equal(t, pssProceed, proceed.checkForcedOrBlocked(1))
	assert.NotZero(t, proceed.flags&pssUnderRecon)

	blocked, _ := table.lookupOrCreate(pssKey{0, 1}, 4)
	blocked.flags |= pssBlocked
	assert.Equal(t, pssBlockedWait, blocked.checkForcedOrBlocked(2))
	assert.Equal(t, []int{2}, blocked.blockWaitList)
	assert.Zero(t, blocked.flags&pssUnderRecon)

	forced, _ := table.lookupOrCreate(pssKey{0, 2}, 4)
	forced.flags |= pssBlocked | pssForcedOnWrite
	assert.Equal(t, pssSkip, forced.checkForcedOrBlocked(3))
	assert.Empty(t, forced.blockWaitList)
}

func TestRemoveIfIdle(t *testing.T) {
	table := newPSSTable(5)
	entry, _ := table.lookupOrCreate(pssKey{1, 0}, 4)

	entry.blockCount = 1
	table.removeIfIdle(entry)
	assert.Equal(t, 1, table.len())

	entry.blockCount = 0
	table.removeIfIdle(entry)
	assert.Equal(t, 0, table.len())
}

func TestReleaseProcWaitersClosesChannels(t *testing.T) {
	entry := &pssEntry{rbuf: noBuffer}
	first := make(chan struct{})
	second := make(chan struct{})
	entry.procWaitList = []chan struct{}{first, second}

	entry.releaseProcWaiters()

	_, open := <-first
	assert.False(t, open)
	_, open = <-second
	assert.False(t, open)
	assert.Empty(t, entry.procWaitList)
}

func TestDropBufferWaiterClearsFlag(t *testing.T) {
	entry := &pssEntry{rbuf: noBuffer, flags: pssBufferWait, bufWaitList: []int{1, 3}}

	entry.dropBufferWaiter(1)
	assert.NotZero(t, entry.flags&pssBufferWait)
	assert.Equal(t, []int{3}, entry.bufWaitList)

	entry.dropBufferWaiter(3)
	assert.Zero(t, entry.flags&pssBufferWait)
	assert.True(t, entry.idle())
}
