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

package fs

import (
	"fmt"
	"sync"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors"
	"github.com/labkernel/kmap/pkg/invariant"
	"golang.org/x/sys/unix"
)

var (
	// ErrTableExhausted is returned by Alloc when every File slot is in use.
	ErrTableExhausted = errors.New(unix.ENFILE, "file table exhausted")

	// ErrFileClosed is returned when a reference is taken or dropped on a
	// File whose count already reached zero. It indicates a caller bug.
	ErrFileClosed = errors.New(unix.EBADF, "file already closed")
)

// Table is a fixed-capacity pool of open files.
//
// mu only protects reference counts and the slot scan. Releasing the object
// behind a File happens after mu is dropped, so pipe teardown or inode
// release never serializes reference counting on other files.
type Table struct {
	// mu protects File.refs for all files and the kind-specific fields of
	// files being allocated or destroyed.
	mu    sync.Mutex
	files []File

	// devsw is the device switch, indexed by major number. It is protected
	// by devMu.
	devMu sync.RWMutex
	devsw [linux.NDEV]Device

	log Log
}

// NewTable returns a Table with room for size open files. Inode writes are
// bracketed by transactions of log.
func NewTable(size int, log Log) *Table {
	t := &Table{
		files: make([]File, size),
		log:   log,
	}
	for i := range t.files {
		t.files[i].table = t
	}
	return t
}

// Alloc returns a free File with a reference count of one. The caller must
// initialize it with one of the File.Init methods.
func (t *Table) Alloc() (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.files {
		f := &t.files[i]
		if f.refs == 0 {
			f.refs = 1
			return f, nil
		}
	}
	return nil, ErrTableExhausted
}

// IncRef takes an additional reference on f.
func (t *Table) IncRef(f *File) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.refs < 1 {
		invariant.Violated("IncRef on closed file %v", f)
		return ErrFileClosed
	}
	f.refs++
	return nil
}

// DecRef drops a reference on f. Dropping the last reference frees the slot
// and then releases the pipe end or inode f referred to; the error from that
// release, if any, is returned.
func (t *Table) DecRef(ctx context.Context, f *File) error {
	t.mu.Lock()
	if f.refs < 1 {
		t.mu.Unlock()
		invariant.Violated("DecRef on closed file %v", f)
		return ErrFileClosed
	}
	f.refs--
	if f.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	// Snapshot what must be released, then free the slot before doing any
	// I/O.
	kind, writable, p, inode := f.kind, f.writable, f.pipe, f.inode
	f.kind = KindNone
	f.readable = false
	f.writable = false
	f.pipe = nil
	f.inode = nil
	f.major = 0
	t.mu.Unlock()

	switch kind {
	case KindPipe:
		p.Close(writable)
	case KindInode, KindDevice:
		if inode == nil {
			return nil
		}
		t.log.BeginOp(ctx)
		err := inode.Put(ctx)
		t.log.EndOp(ctx)
		if err != nil {
			return fmt.Errorf("releasing inode: %w", err)
		}
	}
	return nil
}

// Refs returns the reference count of f.
func (t *Table) Refs(f *File) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return f.refs
}

// InUse returns the number of allocated Files.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.files {
		if t.files[i].refs > 0 {
			n++
		}
	}
	return n
}

// Capacity returns the number of File slots.
func (t *Table) Capacity() int {
	return len(t.files)
}

// Log returns the transaction log used for inode writes.
func (t *Table) Log() Log {
	return t.log
}

// RegisterDevice installs d in the device switch under major.
func (t *Table) RegisterDevice(major int, d Device) error {
	if major < 0 || major >= linux.NDEV {
		return fmt.Errorf("device major %d out of range [0, %d)", major, linux.NDEV)
	}
	t.devMu.Lock()
	defer t.devMu.Unlock()
	t.devsw[major] = d
	return nil
}

func (t *Table) device(major int) Device {
	if major < 0 || major >= linux.NDEV {
		return nil
	}
	t.devMu.RLock()
	defer t.devMu.RUnlock()
	return t.devsw[major]
}
