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

package main

import (
	"fmt"

	"github.com/datto/raidrecon"
	"github.com/spf13/viper"
)

const envPrefix = "RAIDRECON"

// loadConfig reads reconstruction tunables from the config file (when given or
// found in a default location) and RAIDRECON_* environment variables. Unset
// values are left zero so the library applies its own defaults.
func loadConfig(path string) (*raidrecon.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("raidrecon")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.raidrecon")
		v.AddConfigPath("/etc/raidrecon")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// Unmarshal only sees environment variables for keys viper already knows
	for _, key := range []string{
		"floating_buffers",
		"xor_fan_in",
		"head_sep_limit",
		"queue_policy",
		"max_outstanding",
		"max_exec_time",
		"yield_delay",
		"force_on_degraded_read",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("could not read config: %s", err)
		}
	}

	config := &raidrecon.Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("could not decode config: %s", err)
	}

	return config, nil
}
