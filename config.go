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
	"time"
)

const defaultHeadSepLimit = 10
const defaultXorFanIn = 1
const defaultMaxOutstanding = 4
const defaultMaxExecTime = 100 * time.Millisecond
const defaultYieldDelay = 25 * time.Millisecond

// Config tunes a reconstruction and the disk queues of an array. Zero values
// are replaced by defaults.
type Config struct {
	// NumFloatingBuffers is the size of the floating buffer pool. It defaults
	// to twice the number of columns, grown to cover the pending buffers a
	// fan-in above one needs across the head separation window.
	NumFloatingBuffers int `mapstructure:"floating_buffers"`
	// XorFanIn is the number of pending buffers accumulated before they are
	// folded into the target in one pass
	XorFanIn int `mapstructure:"xor_fan_in"`
	// HeadSepLimit bounds how many units the fastest surviving disk may run
	// ahead of the slowest. Negative disables the throttle.
	HeadSepLimit int64 `mapstructure:"head_sep_limit"`
	// QueuePolicy names the ordering policy of every disk queue
	QueuePolicy string `mapstructure:"queue_policy"`
	// MaxOutstanding bounds the requests in flight per disk queue
	MaxOutstanding int `mapstructure:"max_outstanding"`
	// MaxExecTime is how long the controller may run before yielding
	MaxExecTime time.Duration `mapstructure:"max_exec_time"`
	// YieldDelay is the length of a forced yield
	YieldDelay time.Duration `mapstructure:"yield_delay"`
	// ForceOnDegradedRead accelerates the reconstruction of a unit read by
	// the foreground instead of rebuilding it on the fly
	ForceOnDegradedRead bool `mapstructure:"force_on_degraded_read"`
}

// DefaultConfig returns a config with every default applied for an array of numColumns
func DefaultConfig(numColumns int) *Config {
	c, _ := setDefaultsAndCopy(&Config{}, numColumns)

	return c
}

func setDefaultsAndCopy(config *Config, numColumns int) (*Config, error) {
	var c Config
	if config != nil {
		c = *config
	}

	if c.XorFanIn == 0 {
		c.XorFanIn = defaultXorFanIn
	}

	if c.HeadSepLimit == 0 {
		c.HeadSepLimit = defaultHeadSepLimit
	}

	if c.NumFloatingBuffers == 0 {
		c.NumFloatingBuffers = 2 * numColumns
		if need, bounded := minFloatingBuffers(numColumns, c.XorFanIn, c.HeadSepLimit); bounded && need+numColumns > c.NumFloatingBuffers {
			c.NumFloatingBuffers = need + numColumns
		}
	}

	if c.QueuePolicy == "" {
		c.QueuePolicy = defaultDiskQueuePolicy
	}

	if c.MaxOutstanding == 0 {
		c.MaxOutstanding = defaultMaxOutstanding
	}

	if c.MaxExecTime == 0 {
		c.MaxExecTime = defaultMaxExecTime
	}

	if c.YieldDelay == 0 {
		c.YieldDelay = defaultYieldDelay
	}

	if err := c.validate(numColumns); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) validate(numColumns int) error {
	if c.NumFloatingBuffers < 1 {
		return fmt.Errorf("%w: floating buffer pool must hold at least one buffer", ErrInvalidConfig)
	}

	if c.XorFanIn < 1 || c.XorFanIn > maxXorFanIn {
		return fmt.Errorf("%w: xor fan-in %d outside [1, %d]", ErrInvalidConfig, c.XorFanIn, maxXorFanIn)
	}

	need, bounded := minFloatingBuffers(numColumns, c.XorFanIn, c.HeadSepLimit)
	if !bounded {
		return fmt.Errorf("%w: xor fan-in %d needs the head separation limit", ErrInvalidConfig, c.XorFanIn)
	}

	if c.NumFloatingBuffers < need {
		return fmt.Errorf(
			"%w: xor fan-in %d with head separation limit %d needs at least %d floating buffers, got %d",
			ErrInvalidConfig,
			c.XorFanIn,
			c.HeadSepLimit,
			need,
			c.NumFloatingBuffers,
		)
	}

	if c.MaxOutstanding < 1 {
		return fmt.Errorf("%w: max outstanding must be positive", ErrInvalidConfig)
	}

	if c.MaxExecTime < 0 || c.YieldDelay < 0 {
		return fmt.Errorf("%w: negative event queue timing", ErrInvalidConfig)
	}

	if _, ok := queuePolicies[c.QueuePolicy]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueuePolicy, c.QueuePolicy)
	}

	return nil
}

// minFloatingBuffers returns the smallest pool with which every surviving
// column can always make progress. Only a unit's first contributor takes a
// buffer when the fan-in is one. Above one, each unit still missing
// contributions may hold its target plus pending buffers, and the head
// separation limit bounds those units to limit+2. bounded is false when
// pending buffers are in play but the throttle is disabled.
func minFloatingBuffers(numColumns, xorFanIn int, headSepLimit int64) (need int, bounded bool) {
	perUnit := xorFanIn
	// The last contribution of a unit is always folded straight into its target
	if lastFolded := numColumns - 2; perUnit > lastFolded {
		perUnit = lastFolded
	}

	if perUnit <= 1 {
		return 1, true
	}

	if headSepLimit < 0 {
		return 0, false
	}

	return int(headSepLimit+2) * perUnit, true
}
