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
	"encoding/binary"
	"fmt"
)

// xorFuncs holds the kernel used for each source count. Entries above four
// share the generic loop.
var xorFuncs = [maxXorFanIn + 1]func(dst []byte, srcs [][]byte){
	nil,
	xor1,
	xor2,
	xor3,
	xor4,
	xorN,
	xorN,
	xorN,
	xorN,
	xorN,
}

// nWayXor folds every source into dst. Sources beyond the maximum fan-in are
// processed in further passes.
func nWayXor(dst []byte, srcs ...[]byte) {
	for _, src := range srcs {
		if len(src) < len(dst) {
			panic(fmt.Sprintf("xor source of %d bytes shorter than destination of %d bytes", len(src), len(dst)))
		}
	}

	for len(srcs) > 0 {
		n := len(srcs)
		if n > maxXorFanIn {
			n = maxXorFanIn
		}

		xorFuncs[n](dst, srcs[:n])
		srcs = srcs[n:]
	}
}

func load(b []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(b[i:])
}

func xor1(dst []byte, srcs [][]byte) {
	a := srcs[0]
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], load(dst, i)^load(a, i))
	}

	for ; i < len(dst); i++ {
		dst[i] ^= a[i]
	}
}

func xor2(dst []byte, srcs [][]byte) {
	a, b := srcs[0], srcs[1]
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], load(dst, i)^load(a, i)^load(b, i))
	}

	for ; i < len(dst); i++ {
		dst[i] ^= a[i] ^ b[i]
	}
}

func xor3(dst []byte, srcs [][]byte) {
	a, b, c := srcs[0], srcs[1], srcs[2]
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], load(dst, i)^load(a, i)^load(b, i)^load(c, i))
	}

	for ; i < len(dst); i++ {
		dst[i] ^= a[i] ^ b[i] ^ c[i]
	}
}

func xor4(dst []byte, srcs [][]byte) {
	a, b, c, d := srcs[0], srcs[1], srcs[2], srcs[3]
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], load(dst, i)^load(a, i)^load(b, i)^load(c, i)^load(d, i))
	}

	for ; i < len(dst); i++ {
		dst[i] ^= a[i] ^ b[i] ^ c[i] ^ d[i]
	}
}

func xorN(dst []byte, srcs [][]byte) {
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		word := load(dst, i)
		for _, src := range srcs {
			word ^= load(src, i)
		}
		binary.LittleEndian.PutUint64(dst[i:], word)
	}

	for ; i < len(dst); i++ {
		for _, src := range srcs {
			dst[i] ^= src[i]
		}
	}
}
