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
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FileDisk is a component disk backed by a regular file or block device
type FileDisk struct {
	name       string
	file       File
	sectorSize int
	numSectors uint64
	syncWrites bool
	log        *logrus.Logger
}

// FileDiskConfig describes how to open a FileDisk
type FileDiskConfig struct {
	Fs         FileSystem
	Name       string
	SectorSize int
	NumSectors uint64
	// Create makes (or truncates) the file to NumSectors, as used for spares
	Create bool
	// SyncWrites flushes the file after every write
	SyncWrites bool
	Logger     *logrus.Logger
}

// OpenFileDisk opens a file backed component
func OpenFileDisk(config *FileDiskConfig) (*FileDisk, error) {
	fs := config.Fs
	if fs == nil {
		fs = LocalFs{}
	}

	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	if config.SectorSize <= 0 {
		return nil, fmt.Errorf("%w: sector size must be positive", ErrInvalidConfig)
	}

	wantBytes := int64(config.NumSectors) * int64(config.SectorSize)

	if config.Create {
		file, err := fs.OpenFile(config.Name, os.O_RDWR|os.O_CREATE, os.FileMode(0644))
		if err != nil {
			return nil, fmt.Errorf("could not open spare %s: %s", config.Name, err)
		}

		if err := file.Truncate(wantBytes); err != nil {
			file.Close()
			return nil, fmt.Errorf("could not size spare %s to %d bytes: %s", config.Name, wantBytes, err)
		}

		return newFileDisk(config, file, log), nil
	}

	info, err := fs.Stat(config.Name)
	if err != nil {
		return nil, fmt.Errorf("could not stat component %s: %s", config.Name, err)
	}

	if info.Size() < wantBytes {
		return nil, fmt.Errorf(
			"%w: component %s holds %d bytes, %d needed",
			ErrInvalidConfig,
			config.Name,
			info.Size(),
			wantBytes,
		)
	}

	file, err := fs.OpenFile(config.Name, os.O_RDWR, os.FileMode(0644))
	if err != nil {
		return nil, fmt.Errorf("could not open component %s: %s", config.Name, err)
	}

	return newFileDisk(config, file, log), nil
}

func newFileDisk(config *FileDiskConfig, file File, log *logrus.Logger) *FileDisk {
	return &FileDisk{
		name:       config.Name,
		file:       file,
		sectorSize: config.SectorSize,
		numSectors: config.NumSectors,
		syncWrites: config.SyncWrites,
		log:        log,
	}
}

// SectorSize returns the sector size in bytes
func (d *FileDisk) SectorSize() int {
	return d.sectorSize
}

// NumSectors returns the component capacity in sectors
func (d *FileDisk) NumSectors() uint64 {
	return d.numSectors
}

// SubmitIO services req on a new goroutine
func (d *FileDisk) SubmitIO(req *Request, complete func(error)) {
	go func() {
		complete(d.perform(req))
	}()
}

func (d *FileDisk) perform(req *Request) error {
	if req.Type == IONoOp {
		return nil
	}

	if req.SectorOffset+req.NumSectors > d.numSectors {
		return fmt.Errorf("sectors %d-%d beyond end of %s", req.SectorOffset, req.SectorOffset+req.NumSectors, d.name)
	}

	off := int64(req.SectorOffset) * int64(d.sectorSize)
	p := req.Buf[:req.NumSectors*uint64(d.sectorSize)]

	if req.Type == IOWrite {
		d.log.Debugf("[FileDisk] WRITE %s offset:%d len:%d", d.name, off, len(p))
		if _, err := d.file.WriteAt(p, off); err != nil {
			return fmt.Errorf("could not write to %s at offset %d: %s", d.name, off, err)
		}

		if d.syncWrites {
			return d.Flush()
		}

		return nil
	}

	d.log.Debugf("[FileDisk] READ %s offset:%d len:%d", d.name, off, len(p))
	n, err := d.file.ReadAt(p, off)
	if err == io.EOF {
		// Sparse tail, reads as zeroes
		for i := n; i < len(p); i++ {
			p[i] = 0
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("could not read from %s at offset %d: %s", d.name, off, err)
	}

	return nil
}

// Flush makes completed writes durable
func (d *FileDisk) Flush() error {
	if fd := d.file.Fd(); fd > 0 {
		if err := unix.Fdatasync(int(fd)); err != nil {
			return fmt.Errorf("could not sync %s: %s", d.name, err)
		}

		return nil
	}

	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("could not sync %s: %s", d.name, err)
	}

	return nil
}

// Close flushes and closes the underlying file
func (d *FileDisk) Close() error {
	flushErr := d.Flush()

	if err := d.file.Close(); err != nil {
		return err
	}

	return flushErr
}
