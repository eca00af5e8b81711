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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	verbosityNormal verbosityLevel = iota
	verbosityVerbose
	verbosityVery
)

type verbosityLevel int

var (
	verboseFlag     bool
	veryVerboseFlag bool
	syslogFlag      bool
	configFile      string
	noProgressFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "raidrecon",
	Short: "Rebuild a failed RAID-5 column onto a spare while the array stays online",
	Long: `raidrecon reconstructs the contents of a failed component of a RAID-5
array onto a spare. Surviving components are read in parallel, folded
together with XOR and written to the spare, while foreground reads and
writes continue to be served.

Commands:
  simulate    Rebuild an in-memory array under foreground load and verify it
  rebuild     Rebuild a file backed array onto a spare file`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity := calculateVerbosityLevel(verboseFlag, veryVerboseFlag)

		return setupLogging(verbosity, syslogFlag, cmd.Name())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&veryVerboseFlag, "vv", false, "Enable very verbose logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&syslogFlag, "syslog", false, "Also send logs to the local syslog daemon")
	rootCmd.PersistentFlags().BoolVar(&noProgressFlag, "no-progress", false, "Do not print a progress bar")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML file with reconstruction tunables")

	rootCmd.AddCommand(simulateCmd, rebuildCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logrus.Exit(1)
	}
}

// calculateVerbosityLevel produces a verbosity level given the verbosity level flags proivded
func calculateVerbosityLevel(verbose, veryVerbose bool) verbosityLevel {
	if veryVerbose {
		return verbosityVery
	} else if verbose {
		return verbosityVerbose
	}

	return verbosityNormal
}
