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
	"context"

	"github.com/sirupsen/logrus"
)

func panicOnError(err error, log *logrus.Logger) {
	if err == nil {
		return
	}

	log.Error(err)
	panic(err)
}

func isCancelSignaled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		// Do nothing if there is no signal to cancel
		return false
	}
}

func containsColumn(cols []int, col int) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}

	return false
}

// removeColumn deletes the first occurrence of col, preserving order
func removeColumn(cols []int, col int) ([]int, bool) {
	for i, c := range cols {
		if c == col {
			return append(cols[:i], cols[i+1:]...), true
		}
	}

	return cols, false
}

// isReconUnitAligned reports whether a sector starts a reconstruction unit
func isReconUnitAligned(sector uint64, g Geometry) bool {
	return sector%g.SectorsPerReconUnit == 0
}
