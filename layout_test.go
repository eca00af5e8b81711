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

func TestGeometryValidation(t *testing.T) {
	good := testGeometry(5)
	assert.NoError(t, good.validate())

	cases := map[string]func(g *Geometry){
		"too few columns":   func(g *Geometry) { g.NumColumns = 2 },
		"no sector size":    func(g *Geometry) { g.SectorSize = 0 },
		"empty recon unit":  func(g *Geometry) { g.SectorsPerReconUnit = 0 },
		"unaligned unit":    func(g *Geometry) { g.SectorsPerReconUnit = 3 },
		"no parity stripes": func(g *Geometry) { g.NumParityStripes = 0 },
	}

	for name, mutate := range cases {
		g := testGeometry(5)
		mutate(&g)

		_, err := NewRAID5Layout(g)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}

func TestGeometryDerivedSizes(t *testing.T) {
	g := testGeometry(5)
	g.SectorsPerReconUnit = 2

	assert.Equal(t, 2, g.ReconUnitsPerStripe())
	assert.Equal(t, 1024, g.ReconUnitBytes())
	assert.Equal(t, uint64(100), g.ColumnSectors())
}

func TestParityRotatesLeftSymmetric(t *testing.T) {
	layout := newTestLayout(t, 5)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, layout.StripeColumns(0))
	assert.Equal(t, []int{4, 0, 1, 2, 3}, layout.StripeColumns(1))
	assert.Equal(t, []int{1, 2, 3, 4, 0}, layout.StripeColumns(4))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, layout.StripeColumns(5))
}

func TestMapSector(t *testing.T) {
	layout := newTestLayout(t, 5)

	col, offset := layout.MapSector(0)
	assert.Equal(t, 0, col)
	assert.Equal(t, uint64(0), offset)

	col, offset = layout.MapSector(5)
	assert.Equal(t, 1, col)
	assert.Equal(t, uint64(1), offset)

	col, offset = layout.MapSector(18)
	assert.Equal(t, 4, col)
	assert.Equal(t, uint64(6), offset)

	col, offset = layout.MapParity(18)
	assert.Equal(t, 3, col)
	assert.Equal(t, uint64(6), offset)

	psid, ru := layout.ParityStripeID(18)
	assert.Equal(t, uint64(1), psid)
	assert.Equal(t, 2, ru)

	assert.Equal(t, []int{4, 0, 1, 2, 3}, layout.IdentifyStripe(18))
	assert.Equal(t, uint64(400), layout.DataSectors())
}

func TestEverySectorHasOneHome(t *testing.T) {
	layout := newTestLayout(t, 4)
	seen := make(map[[2]uint64]bool)

	for addr := uint64(0); addr < layout.DataSectors(); addr++ {
		col, offset := layout.MapSector(addr)
		parityCol, parityOffset := layout.MapParity(addr)

		assert.NotEqual(t, col, parityCol)
		assert.Equal(t, offset, parityOffset)

		home := [2]uint64{uint64(col), offset}
		assert.False(t, seen[home], "sector %d maps onto a used location", addr)
		seen[home] = true
	}

	// Every column location not holding parity holds exactly one data sector
	g := layout.Geometry()
	assert.Len(t, seen, int(g.ColumnSectors())*(g.NumColumns-1))
}

func TestStripeColumnOffset(t *testing.T) {
	layout := newTestLayout(t, 5)

	offset, ok := layout.StripeColumnOffset(3, 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(12), offset)

	_, ok = layout.StripeColumnOffset(25, 2)
	assert.False(t, ok)

	_, ok = layout.StripeColumnOffset(3, 5)
	assert.False(t, ok)
}

func TestMappingBeyondDataSpacePanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Errorf("This test should panic")
		} else {
			assert.Equal(t, "array address 400 out of range (400 data sectors)", r)
		}
	}()

	layout := newTestLayout(t, 5)
	layout.MapSector(400)
}
