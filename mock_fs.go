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
	"os"

	"github.com/stretchr/testify/mock"
)

// MockFs is a filesystem that isn't real
type MockFs struct {
	mock.Mock
	FileSystem
}

// MockFileInfo returns fake file info
type MockFileInfo struct {
	mock.Mock
	os.FileInfo
}

// MockFile is a fake component file. Reads are served from Content when it
// is set and recorded writes are applied to it.
type MockFile struct {
	Content []byte
	mock.Mock
	File
}

// Stat mocks the stat os call
func (mfs *MockFs) Stat(name string) (os.FileInfo, error) {
	args := mfs.Called(name)

	return args.Get(0).(os.FileInfo), args.Error(1)
}

// OpenFile mocks the openfile os call
func (mfs *MockFs) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	args := mfs.Called(name, flag, perm)

	file, _ := args.Get(0).(File)

	return file, args.Error(1)
}

// Size returns a fake size
func (mfi *MockFileInfo) Size() int64 {
	args := mfi.Called()

	return args.Get(0).(int64)
}

// Truncate mocks the truncate call
func (mf *MockFile) Truncate(size int64) error {
	args := mf.Called(size)

	return args.Error(0)
}

// Sync mocks the sync call
func (mf *MockFile) Sync() error {
	args := mf.Called()

	return args.Error(0)
}

// ReadAt mocks the read call, copying from Content
func (mf *MockFile) ReadAt(b []byte, off int64) (n int, err error) {
	args := mf.Called(b, off)

	if off < int64(len(mf.Content)) {
		copy(b, mf.Content[off:])
	}

	return args.Int(0), args.Error(1)
}

// WriteAt mocks the writeat call, copying into Content when it is large enough
func (mf *MockFile) WriteAt(b []byte, off int64) (n int, err error) {
	args := mf.Called(b, off)

	if off+int64(len(b)) <= int64(len(mf.Content)) {
		copy(mf.Content[off:], b)
	}

	return args.Int(0), args.Error(1)
}

// Close mocks the close call
func (mf *MockFile) Close() error {
	args := mf.Called()

	return args.Error(0)
}

// Fd mocks a file descriptor
func (mf *MockFile) Fd() uintptr {
	args := mf.Called()

	return uintptr(args.Int(0))
}
