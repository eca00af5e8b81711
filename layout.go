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

import "fmt"

// Geometry describes the shape of an array, all sizes in sectors
type Geometry struct {
	NumColumns           int
	SectorSize           int
	SectorsPerStripeUnit uint64
	SectorsPerReconUnit  uint64
	NumParityStripes     uint64
}

// ReconUnitsPerStripe is the number of reconstruction units in one stripe unit
func (g Geometry) ReconUnitsPerStripe() int {
	return int(g.SectorsPerStripeUnit / g.SectorsPerReconUnit)
}

// ReconUnitBytes is the payload size of one reconstruction unit
func (g Geometry) ReconUnitBytes() int {
	return int(g.SectorsPerReconUnit) * g.SectorSize
}

// ColumnSectors is the number of sectors each column must provide
func (g Geometry) ColumnSectors() uint64 {
	return g.NumParityStripes * g.SectorsPerStripeUnit
}

func (g Geometry) validate() error {
	if g.NumColumns < 3 {
		return fmt.Errorf("%w: need at least 3 columns, got %d", ErrInvalidConfig, g.NumColumns)
	}

	if g.SectorSize <= 0 {
		return fmt.Errorf("%w: sector size must be positive", ErrInvalidConfig)
	}

	if g.SectorsPerReconUnit == 0 || g.SectorsPerStripeUnit == 0 {
		return fmt.Errorf("%w: stripe and reconstruction units must be non-empty", ErrInvalidConfig)
	}

	if g.SectorsPerStripeUnit%g.SectorsPerReconUnit != 0 {
		return fmt.Errorf(
			"%w: stripe unit (%d sectors) is not a multiple of the reconstruction unit (%d sectors)",
			ErrInvalidConfig,
			g.SectorsPerStripeUnit,
			g.SectorsPerReconUnit,
		)
	}

	if g.NumParityStripes == 0 {
		return fmt.Errorf("%w: array has no stripes", ErrInvalidConfig)
	}

	return nil
}

// StripeMapper translates array addresses to component locations. Array
// addresses are sector numbers in the user data space.
type StripeMapper interface {
	Geometry() Geometry
	// MapSector returns the column and sector offset holding raidAddr
	MapSector(raidAddr uint64) (col int, offset uint64)
	// MapParity returns the column and sector offset of the parity protecting raidAddr
	MapParity(raidAddr uint64) (col int, offset uint64)
	// IdentifyStripe returns the columns of the stripe holding raidAddr, data first, parity last
	IdentifyStripe(raidAddr uint64) []int
	// ParityStripeID returns the parity stripe and reconstruction unit holding raidAddr
	ParityStripeID(raidAddr uint64) (psid uint64, ru int)
	// StripeColumns returns the columns participating in parity stripe psid
	StripeColumns(psid uint64) []int
	// StripeColumnOffset returns the first sector of col's unit in parity
	// stripe psid, or false when col holds no unit of that stripe
	StripeColumnOffset(psid uint64, col int) (uint64, bool)
	// DataSectors is the size of the user data space
	DataSectors() uint64
}

// RAID5Layout is a left-symmetric RAID-5 layout with rotating parity
type RAID5Layout struct {
	geometry Geometry
}

// NewRAID5Layout validates geometry and returns a layout over it
func NewRAID5Layout(geometry Geometry) (*RAID5Layout, error) {
	if err := geometry.validate(); err != nil {
		return nil, err
	}

	return &RAID5Layout{geometry: geometry}, nil
}

// Geometry returns the array shape
func (l *RAID5Layout) Geometry() Geometry {
	return l.geometry
}

func (l *RAID5Layout) dataColumns() uint64 {
	return uint64(l.geometry.NumColumns - 1)
}

func (l *RAID5Layout) parityColumn(stripe uint64) int {
	n := uint64(l.geometry.NumColumns)
	return int((n - 1) - stripe%n)
}

// split breaks raidAddr into its stripe, data unit index within the stripe
// and offset within the stripe unit
func (l *RAID5Layout) split(raidAddr uint64) (stripe uint64, unit uint64, within uint64) {
	su := l.geometry.SectorsPerStripeUnit
	stripe = raidAddr / (su * l.dataColumns())
	unit = (raidAddr / su) % l.dataColumns()
	within = raidAddr % su

	return stripe, unit, within
}

func (l *RAID5Layout) checkAddress(raidAddr uint64) {
	if raidAddr >= l.DataSectors() {
		panic(fmt.Sprintf("array address %d out of range (%d data sectors)", raidAddr, l.DataSectors()))
	}
}

// MapSector returns the column and sector offset holding raidAddr
func (l *RAID5Layout) MapSector(raidAddr uint64) (int, uint64) {
	l.checkAddress(raidAddr)
	stripe, unit, within := l.split(raidAddr)
	parity := l.parityColumn(stripe)
	col := (parity + 1 + int(unit)) % l.geometry.NumColumns

	return col, stripe*l.geometry.SectorsPerStripeUnit + within
}

// MapParity returns the parity column and offset protecting raidAddr
func (l *RAID5Layout) MapParity(raidAddr uint64) (int, uint64) {
	l.checkAddress(raidAddr)
	stripe, _, within := l.split(raidAddr)

	return l.parityColumn(stripe), stripe*l.geometry.SectorsPerStripeUnit + within
}

// IdentifyStripe returns every column of the stripe, data in order then parity
func (l *RAID5Layout) IdentifyStripe(raidAddr uint64) []int {
	l.checkAddress(raidAddr)
	stripe, _, _ := l.split(raidAddr)

	return l.StripeColumns(stripe)
}

// ParityStripeID returns the stripe and the reconstruction unit within its stripe units
func (l *RAID5Layout) ParityStripeID(raidAddr uint64) (uint64, int) {
	l.checkAddress(raidAddr)
	stripe, _, within := l.split(raidAddr)

	return stripe, int(within / l.geometry.SectorsPerReconUnit)
}

// StripeColumns returns data columns in order followed by the parity column
func (l *RAID5Layout) StripeColumns(psid uint64) []int {
	n := l.geometry.NumColumns
	parity := l.parityColumn(psid)
	cols := make([]int, 0, n)

	for i := 1; i < n; i++ {
		cols = append(cols, (parity+i)%n)
	}

	return append(cols, parity)
}

// StripeColumnOffset returns the first sector of col's unit in stripe psid
func (l *RAID5Layout) StripeColumnOffset(psid uint64, col int) (uint64, bool) {
	if col < 0 || col >= l.geometry.NumColumns || psid >= l.geometry.NumParityStripes {
		return 0, false
	}

	return psid * l.geometry.SectorsPerStripeUnit, true
}

// DataSectors is the number of user addressable sectors
func (l *RAID5Layout) DataSectors() uint64 {
	return l.geometry.NumParityStripes * l.geometry.SectorsPerStripeUnit * l.dataColumns()
}
