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
	"time"

	"github.com/stretchr/testify/assert"
)

var sleepTime = 10 * time.Millisecond

func TestConflictingStripeLocksBlock(t *testing.T) {
	sl := newStripeLocker()
	timeChan := make(chan time.Duration)
	start := time.Now()
	sl.lockStripes(0, 10)
	go func() {
		sl.lockStripes(3, 7)
		timeChan <- time.Since(start)
	}()
	time.Sleep(sleepTime)
	assert.Nil(t, sl.unlockStripes(0, 10))
	select {
	case threadTook := <-timeChan:
		assert.True(t, threadTook >= sleepTime)
	case <-time.After(1 * time.Second):
		assert.FailNow(t, "Test timed out (probably blocked forever)")
	}
	assert.Equal(t, uint64(1), sl.contended())
}

func TestManyConflictingStripeLocksSerialize(t *testing.T) {
	sl := newStripeLocker()
	timeChan := make(chan time.Duration)
	start := time.Now()
	sl.lockStripes(4, 4)
	for i := 0; i < 2; i++ {
		go func() {
			sl.lockStripes(4, 4)
			timeChan <- time.Since(start)
			time.Sleep(sleepTime)
			sl.unlockStripes(4, 4)
		}()
	}

	time.Sleep(sleepTime)
	sl.unlockStripes(4, 4)
	select {
	case threadTook := <-timeChan:
		assert.True(t, threadTook >= sleepTime)
	case <-time.After(1 * time.Second):
		assert.FailNow(t, "Test timed out (probably blocked forever)")
	}
	select {
	case threadTook := <-timeChan:
		assert.True(t, threadTook >= sleepTime*2)
	case <-time.After(1 * time.Second):
		assert.FailNow(t, "Test timed out (probably blocked forever)")
	}
}

func TestNonConflictingStripeLocksDontBlock(t *testing.T) {
	sl := newStripeLocker()
	timeChan := make(chan time.Duration)
	start := time.Now()
	sl.lockStripes(0, 10)
	go func() {
		sl.lockStripes(11, 20)
		timeChan <- time.Since(start)
	}()

	time.Sleep(sleepTime)
	sl.unlockStripes(0, 10)
	select {
	case threadTook := <-timeChan:
		assert.True(t, threadTook < sleepTime)
	case <-time.After(1 * time.Second):
		assert.FailNow(t, "Test timed out (probably blocked forever)")
	}
}

func TestUnlockingUnheldStripesFails(t *testing.T) {
	sl := newStripeLocker()
	sl.lockStripes(1, 2)

	assert.Error(t, sl.unlockStripes(1, 3))
	assert.Nil(t, sl.unlockStripes(1, 2))
	assert.Error(t, sl.unlockStripes(1, 2))
}
