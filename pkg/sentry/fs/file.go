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

// Package fs implements the kernel's table of open files.
//
// A File is one open file object. Files live in a fixed-capacity Table and
// are reference counted explicitly: every file descriptor and every memory
// mapping that refers to a File holds one reference. The object behind a
// File (a pipe, an inode, or a device) is released when the last reference
// is dropped.
package fs

import (
	"fmt"
	"sync"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
)

// Kind is the kind of object an open file refers to.
type Kind int

const (
	// KindNone marks a free File slot.
	KindNone Kind = iota

	// KindPipe is one end of a pipe.
	KindPipe

	// KindInode is a file backed by an inode in the storage layer.
	KindInode

	// KindDevice is a device file dispatched through the device switch.
	KindDevice
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPipe:
		return "pipe"
	case KindInode:
		return "inode"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Inode is the storage layer's handle on a file's contents.
//
// ReadAt and WriteAt follow the kernel's readi/writei conventions rather than
// io.ReaderAt: reading at or past the end of the file returns (0, nil), and a
// short count with a nil error means the storage layer stopped early.
type Inode interface {
	// ReadAt reads up to len(dst) bytes starting at off.
	ReadAt(ctx context.Context, dst []byte, off int64) (int, error)

	// WriteAt writes src starting at off, growing the file if needed.
	WriteAt(ctx context.Context, src []byte, off int64) (int, error)

	// Stat returns the inode's metadata.
	Stat(ctx context.Context) linux.Stat

	// Put releases the caller's reference on the inode.
	//
	// Preconditions: The call is bracketed by Log.BeginOp/EndOp.
	Put(ctx context.Context) error
}

// Pipe is one shared pipe buffer.
type Pipe interface {
	// Read blocks until data is available or the write end is closed.
	Read(ctx context.Context, dst []byte) (int, error)

	// Write blocks until all of src is buffered or the read end is closed.
	Write(ctx context.Context, src []byte) (int, error)

	// Close closes the write end if writable is true, the read end
	// otherwise.
	Close(writable bool)
}

// Device is a character device registered in the device switch.
type Device interface {
	Read(ctx context.Context, dst []byte) (int, error)
	Write(ctx context.Context, src []byte) (int, error)
}

// File is an open file object.
//
// The kind-specific fields are set once by one of the Init methods right
// after Table.Alloc and cleared when the last reference is dropped. Between
// those points they are immutable.
type File struct {
	table *Table

	// refs is the reference count. It is protected by table.mu.
	refs int64

	kind     Kind
	readable bool
	writable bool

	pipe  Pipe
	inode Inode
	major int

	// offMu protects off.
	offMu sync.Mutex

	// off is the cursor used by Read and Write.
	off int64
}

// InitInode makes f refer to an inode-backed file.
func (f *File) InitInode(inode Inode, readable, writable bool) {
	f.init(KindInode, readable, writable)
	f.inode = inode
}

// InitPipe makes f refer to one end of a pipe.
func (f *File) InitPipe(p Pipe, readable, writable bool) {
	f.init(KindPipe, readable, writable)
	f.pipe = p
}

// InitDevice makes f refer to device major. inode, if not nil, is the device
// file's inode and is released along with f.
func (f *File) InitDevice(major int, inode Inode, readable, writable bool) {
	f.init(KindDevice, readable, writable)
	f.major = major
	f.inode = inode
}

func (f *File) init(kind Kind, readable, writable bool) {
	if f.kind != KindNone {
		panic(fmt.Sprintf("initializing open file of kind %v", f.kind))
	}
	f.kind = kind
	f.readable = readable
	f.writable = writable
	f.offMu.Lock()
	f.off = 0
	f.offMu.Unlock()
}

// Kind returns the kind of object f refers to.
func (f *File) Kind() Kind { return f.kind }

// Readable returns true if f was opened for reading.
func (f *File) Readable() bool { return f.readable }

// Writable returns true if f was opened for writing.
func (f *File) Writable() bool { return f.writable }

// Offset returns the current cursor.
func (f *File) Offset() int64 {
	f.offMu.Lock()
	defer f.offMu.Unlock()
	return f.off
}

// String implements fmt.Stringer.String.
func (f *File) String() string {
	return fmt.Sprintf("file{kind: %v, r: %t, w: %t}", f.kind, f.readable, f.writable)
}
