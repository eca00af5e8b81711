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
	"io"
	"os"
)

// DefaultSectorSize is the addressable unit (in bytes) of every component disk
const DefaultSectorSize = 512

// maxXorFanIn is the largest number of source buffers combined by a single xor pass
const maxXorFanIn = 9

// defaultDiskQueuePolicy is used when no queue policy is configured
const defaultDiskQueuePolicy = "fifo"

var (
	// ErrNoSpare is returned when a reconstruction is requested without a spare component
	ErrNoSpare = errors.New("no spare component available")
	// ErrInvalidConfig is wrapped by every configuration validation failure
	ErrInvalidConfig = errors.New("invalid reconstruction configuration")
	// ErrUnknownQueuePolicy is returned when a disk queue policy name is not registered
	ErrUnknownQueuePolicy = errors.New("unknown disk queue policy")
	// ErrReconInProgress is returned when an array already has a running reconstruction
	ErrReconInProgress = errors.New("reconstruction already in progress")
	// ErrReconIOFailure wraps a physical I/O error that aborted a reconstruction
	ErrReconIOFailure = errors.New("reconstruction I/O failure")
	// ErrBufferDeadlock is returned when every surviving disk is waiting on a
	// reconstruction buffer and no buffer can ever be released
	ErrBufferDeadlock = errors.New("reconstruction buffer deadlock")
	// ErrColumnFailed is returned when foreground I/O cannot be serviced
	ErrColumnFailed = errors.New("column failed")
)

// FileSystem is an interface wrapper to the os filesystem operations a file
// backed component needs, for unit testability
type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
}

// File provides an interface for the parts of the native file struct used
// by component disks
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Fd returns 0 when the file is not backed by an os descriptor
	Fd() uintptr
	Sync() error
	Truncate(size int64) error
}

// LocalFs implements FileSystem using the local disk.
type LocalFs struct{}

// OpenFile opens a file with the native os function
func (LocalFs) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

// Stat stats a file with the native os function
func (LocalFs) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}
