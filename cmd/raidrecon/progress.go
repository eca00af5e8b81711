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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/datto/raidrecon"
)

const (
	progressEnds                = "|"
	progressPending             = "-"
	progressComplete            = "="
	progressBarWidth            = 30
	byteSpeedWindowMilliseconds = 5000
)

// statusPrinter redraws a single progress line in place
type statusPrinter struct {
	previousOutputWidth int
}

// outputStatus is a blocking function that outputs a progress bar for the
// reconstruction plus its throughput at an interval
func outputStatus(ctx context.Context, recon *raidrecon.Reconstruction) {
	printer := &statusPrinter{previousOutputWidth: -1}
	for {
		select {
		case <-ctx.Done():
			return
		case <-recon.Done():
			printer.outputProgressBar(recon)
			fmt.Println()
			return
		case <-time.After(1 * time.Second):
			printer.outputProgressBar(recon)
		}
	}
}

func (p *statusPrinter) outputProgressBar(recon *raidrecon.Reconstruction) {
	progress := recon.Progress()
	percentComplete := progress.PercentComplete()
	reconReadRate := recon.Throughput(raidrecon.ReconRead, byteSpeedWindowMilliseconds)
	reconWriteRate := recon.Throughput(raidrecon.ReconWrite, byteSpeedWindowMilliseconds)
	foregroundRate := recon.Throughput(raidrecon.ForegroundWrite, byteSpeedWindowMilliseconds)
	barsComplete := (percentComplete * progressBarWidth) / 100
	barsNotComplete := progressBarWidth - barsComplete

	fmt.Print("\r")
	if p.previousOutputWidth != -1 {
		fmt.Printf("%s\r", strings.Repeat(" ", p.previousOutputWidth))
	}

	progressBar := fmt.Sprintf(
		"%s%s%s%s %d%% %s rr %s/s rw %s/s fw %s/s",
		progressEnds,
		strings.Repeat(progressComplete, int(barsComplete)),
		strings.Repeat(progressPending, int(barsNotComplete)),
		progressEnds,
		percentComplete,
		recon.State(),
		raidrecon.BytesToHumanReadable(reconReadRate),
		raidrecon.BytesToHumanReadable(reconWriteRate),
		raidrecon.BytesToHumanReadable(foregroundRate),
	)
	p.previousOutputWidth = len(progressBar)
	fmt.Print(progressBar)
}

func printStats(recon *raidrecon.Reconstruction) {
	desc := recon.Desc()
	stats := recon.Stats()

	fmt.Printf("job %s: column %d rebuilt onto column %d\n", desc.ID, desc.FailedCol, desc.SpareCol)
	fmt.Printf("  elapsed %s, xor %s\n", stats.Elapsed, stats.XorTime)
	fmt.Printf("  reads %d, units written %d, forced %d, promoted %d, skipped %d\n",
		stats.ReadsIssued, stats.UnitsWritten, stats.ForcedReads, stats.PromotedReads, stats.SkippedUnits)
	fmt.Printf("  stalls: head separation %d, buffers %d, blocked %d, max separation %d\n",
		stats.HeadSepStalls, stats.BufferStalls, stats.BlockStalls, stats.MaxHeadSeparation)
	fmt.Printf("  events: caused %d, consumed %d, waits %d, yields %d, longest run %s\n",
		stats.Events.Caused, stats.Events.Consumed, stats.Events.Waits, stats.Events.ExecDelays, stats.Events.MaxExecTime)
}
