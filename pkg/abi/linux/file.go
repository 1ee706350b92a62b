// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linux

// Constants for open(2).
const (
	O_RDONLY = 0x000
	O_WRONLY = 0x001
	O_RDWR   = 0x002
	O_CREATE = 0x200
	O_TRUNC  = 0x400
)

// File types reported by fstat(2).
const (
	T_DIR    = 1
	T_FILE   = 2
	T_DEVICE = 3
)

// Parameters of the file system and the device switch.
const (
	// NFILE is the default number of open files in the system.
	NFILE = 100

	// NOFILE is the default number of open files per process.
	NOFILE = 16

	// NDEV is the number of device major numbers.
	NDEV = 10

	// CONSOLE is the device major number of the console.
	CONSOLE = 1

	// MAXOPBLOCKS is the maximum number of blocks any file system
	// operation writes.
	MAXOPBLOCKS = 10

	// BSIZE is the file system block size.
	BSIZE = 1024

	// PIPESIZE is the capacity of a pipe buffer.
	PIPESIZE = 512
)

// Stat is the structure returned by fstat(2).
type Stat struct {
	Dev   int32
	Ino   uint32
	Type  int16
	Nlink int16
	Size  uint64
}
