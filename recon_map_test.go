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
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestAccessingOverflowUnitFails(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Errorf("This test should panic")
		} else {
			assert.Equal(t, "unit 1 out of range", r)
		}
	}()

	logger, _ := test.NewNullLogger()
	m := newReconMap(1, 1, logger)

	m.markDone(1)
}

func TestMarkingMaxUnitSucceeds(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := newReconMap(1, 1, logger)

	assert.True(t, m.markDone(0))

	assert.Nil(t, hook.LastEntry())
}

func TestMarkingUnitWorks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := newReconMap(4, 4, logger)

	assert.False(t, m.isDone(2))
	assert.Equal(t, uint64(4), m.remaining())

	assert.True(t, m.markDone(2))

	assert.True(t, m.isDone(2))
	assert.Equal(t, uint64(3), m.remaining())
}

func TestMarkingUnitTwiceCountsOnce(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := newReconMap(4, 4, logger)

	assert.True(t, m.markDone(1))
	assert.False(t, m.markDone(1))

	assert.Equal(t, ReconProgress{TotalUnits: 4, CompletedUnits: 1, RemainingUnits: 3}, m.Progress())
}

func TestMarkingUnitBeyondMaxInt(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := newReconMap(2*math.MaxUint32, 2, logger)

	assert.False(t, m.isDone(math.MaxUint32+1))

	m.markDone(math.MaxUint32 + 1)

	assert.True(t, m.isDone(math.MaxUint32+1))
	assert.False(t, m.isDone(1))
	assert.Equal(t, uint64(1), m.remaining())
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, uint64(100), ReconProgress{}.PercentComplete())
	assert.Equal(t, uint64(25), ReconProgress{TotalUnits: 8, CompletedUnits: 2, RemainingUnits: 6}.PercentComplete())
}
