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

// Package memfs provides an in-memory storage layer: inodes whose contents
// live in byte slices, grouped in a flat namespace.
package memfs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
)

// Inode is an in-memory file. It implements fs.Inode.
type Inode struct {
	ino uint32

	// mu protects the fields below.
	mu    sync.Mutex
	data  []byte
	refs  int
	typ   int16
	nlink int16

	// writeLimit, if positive, caps the bytes accepted by each WriteAt
	// call. It lets tests exercise short writes.
	writeLimit int
}

// NewInode returns a regular file inode holding a copy of data, with one
// reference.
func NewInode(ino uint32, data []byte) *Inode {
	return &Inode{
		ino:   ino,
		data:  append([]byte(nil), data...),
		refs:  1,
		typ:   linux.T_FILE,
		nlink: 1,
	}
}

// ReadAt implements fs.Inode.ReadAt.
func (i *Inode) ReadAt(ctx context.Context, dst []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if off >= int64(len(i.data)) {
		return 0, nil
	}
	return copy(dst, i.data[off:]), nil
}

// WriteAt implements fs.Inode.WriteAt.
func (i *Inode) WriteAt(ctx context.Context, src []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refs == 0 {
		return 0, linuxerr.EIO
	}
	if i.writeLimit > 0 && len(src) > i.writeLimit {
		src = src[:i.writeLimit]
	}
	if end := off + int64(len(src)); end > int64(len(i.data)) {
		if end > int64(cap(i.data)) {
			grown := make([]byte, end, 2*end)
			copy(grown, i.data)
			i.data = grown
		} else {
			n := len(i.data)
			i.data = i.data[:end]
			clear(i.data[n:])
		}
	}
	return copy(i.data[off:], src), nil
}

// Stat implements fs.Inode.Stat.
func (i *Inode) Stat(ctx context.Context) linux.Stat {
	i.mu.Lock()
	defer i.mu.Unlock()
	return linux.Stat{
		Dev:   1,
		Ino:   i.ino,
		Type:  i.typ,
		Nlink: i.nlink,
		Size:  uint64(len(i.data)),
	}
}

// IncRef takes a reference on i, as done when a file is opened.
func (i *Inode) IncRef() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refs++
}

// Put implements fs.Inode.Put.
func (i *Inode) Put(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refs <= 0 {
		return fmt.Errorf("put of inode %d with no references", i.ino)
	}
	i.refs--
	return nil
}

// Refs returns the number of references on i.
func (i *Inode) Refs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refs
}

// Bytes returns a copy of the contents of i.
func (i *Inode) Bytes() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]byte(nil), i.data...)
}

// Truncate discards the contents of i.
func (i *Inode) Truncate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data = i.data[:0]
}

// SetWriteLimit caps the number of bytes each WriteAt accepts. Zero removes
// the cap.
func (i *Inode) SetWriteLimit(n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.writeLimit = n
}

// FileSystem is a flat namespace of in-memory inodes.
type FileSystem struct {
	mu      sync.Mutex
	nextIno uint32
	files   map[string]*Inode
}

// New returns an empty FileSystem.
func New() *FileSystem {
	return &FileSystem{
		nextIno: 1,
		files:   make(map[string]*Inode),
	}
}

// Create adds a file named name holding data, replacing any existing file
// of that name. The file system keeps its own reference on the inode.
func (fs *FileSystem) Create(name string, data []byte) *Inode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode := NewInode(fs.nextIno, data)
	fs.nextIno++
	fs.files[name] = inode
	return inode
}

// Open returns the inode named name with a new reference for the caller.
func (fs *FileSystem) Open(name string) (*Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, ok := fs.files[name]
	if !ok {
		return nil, linuxerr.ENOENT
	}
	inode.IncRef()
	return inode, nil
}

// Lookup returns the inode named name without taking a reference.
func (fs *FileSystem) Lookup(name string) (*Inode, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, ok := fs.files[name]
	return inode, ok
}

// Names returns the names of all files in sorted order.
func (fs *FileSystem) Names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, 0, len(fs.files))
	for name := range fs.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
