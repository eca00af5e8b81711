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
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const minChunkPower = 9  // 2 ^ 9 bytes, one sector
const maxChunkPower = 20 // 2 ^ 20 bytes, 1 MiB
const minChunkSize = 1 << minChunkPower
const maxChunkSize = 1 << maxChunkPower

// bytePool caches unit sized byte slices for forced reconstruction reads and
// foreground read-modify-write scratch space
type bytePool struct {
	pools  []*sync.Pool
	large  uint64
	logger *logrus.Logger
}

// newBytePool initializes a memory pool
func newBytePool(logger *logrus.Logger) *bytePool {
	pools := make([]*sync.Pool, 0, maxChunkPower-minChunkPower+1)

	for i := minChunkPower; i <= maxChunkPower; i++ {
		pow := i
		pools = append(pools, &sync.Pool{
			New: func() interface{} {
				return make([]byte, 1<<uint(pow))
			},
		})
	}

	return &bytePool{
		pools:  pools,
		logger: logger,
	}
}

// get fetches a slice of given length, from the pool of available slices
// NOTE: This slice will contain junk, it will not be 0'd!
func (bp *bytePool) get(bufferLength uint64) []byte {
	if bufferLength == 0 {
		return nil
	}

	poolID, err := getPoolID(bufferLength)
	if err != nil {
		if atomic.AddUint64(&bp.large, 1) == 1 {
			bp.logger.Warnf("Large allocation %d, reconstruction units above %d bytes bypass the pool", bufferLength, maxChunkSize)
		}

		return make([]byte, bufferLength)
	}

	return bp.pools[poolID].Get().([]byte)[0:bufferLength]
}

// getZeroed fetches a slice like get and clears it
func (bp *bytePool) getZeroed(bufferLength uint64) []byte {
	buffer := bp.get(bufferLength)
	for i := range buffer {
		buffer[i] = 0
	}

	return buffer
}

// put adds a slice of memory back to the available pool
// Returns an error if the slice could not have come from the pool
func (bp *bytePool) put(buffer []byte) error {
	sliceCapacity := uint64(cap(buffer))

	// If this isn't an exact power of 2, we definitely
	// didn't make it. Release to GC
	if bits.OnesCount64(sliceCapacity) != 1 {
		return errors.New("Attempted to re-insert an incorrectly sized buffer")
	}

	if sliceCapacity < minChunkSize || sliceCapacity > maxChunkSize {
		return errors.New("Attempted to re-insert an over-sized buffer")
	}

	poolID, err := getPoolID(sliceCapacity)
	if err != nil {
		return err
	}

	bp.pools[poolID].Put(buffer[0:sliceCapacity])

	return nil
}

// release returns buffer to the pool, dropping buffers the pool cannot hold
func (bp *bytePool) release(buffer []byte) {
	if cap(buffer) > maxChunkSize {
		return
	}

	if err := bp.put(buffer); err != nil {
		bp.logger.Debugf("[bytePool] Dropping buffer of capacity %d: %v", cap(buffer), err)
	}
}

// getPoolID returns the index of the pool (in bytePool.pools) which
// can contain the provided length. For example if bufferLength = 1025, the smallest
// power of 2 length buffer is 2048, which is index = 2 in our pool array (assuming
// min pool size = 512).
// Returns an error if the length is larger than the largest buffer.
func getPoolID(bufferLength uint64) (int, error) {
	powerOfTwo := 64 - bits.LeadingZeros64(bufferLength) // Lowest power of 2 that can contain our len

	// If we're an exact power of 2 then we don't need to round up
	if bits.OnesCount64(bufferLength) == 1 {
		powerOfTwo--
	}

	if powerOfTwo <= minChunkPower {
		return 0, nil
	} else if powerOfTwo <= maxChunkPower {
		return powerOfTwo - minChunkPower, nil
	}

	return 0, errors.New("Buffer too large")
}
