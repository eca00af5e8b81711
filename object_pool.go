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

// objectPool is an arena of T addressed by index. Pointers handed out stay
// valid for the life of the pool and released slots are reused LIFO.
type objectPool[T any] struct {
	items []*T
	free  []int
	live  int
}

func newObjectPool[T any](capacity int) *objectPool[T] {
	return &objectPool[T]{
		items: make([]*T, 0, capacity),
	}
}

// alloc returns a zeroed slot and its index
func (p *objectPool[T]) alloc() (int, *T) {
	p.live++

	if n := len(p.free); n > 0 {
		ix := p.free[n-1]
		p.free = p.free[:n-1]

		return ix, p.items[ix]
	}

	item := new(T)
	p.items = append(p.items, item)

	return len(p.items) - 1, item
}

func (p *objectPool[T]) get(ix int) *T {
	return p.items[ix]
}

// release zeroes the slot and makes it available to alloc
func (p *objectPool[T]) release(ix int) {
	var zero T
	*p.items[ix] = zero
	p.free = append(p.free, ix)
	p.live--
}

func (p *objectPool[T]) len() int {
	return p.live
}
