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

// Package hostfs provides inodes backed by files on the host.
//
// Each Inode holds an exclusive advisory lock on its host file for as long
// as it is referenced, so two kernels never map the same host file at once.
// Within one kernel, a FileSystem hands out the same Inode for every open of
// a path.
package hostfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Open when the host file stays locked by someone
// else for longer than OpenOpts.LockTimeout.
var ErrLocked = linuxerr.EAGAIN

// OpenOpts controls Open.
type OpenOpts struct {
	// Writable opens the host file for writing as well as reading.
	Writable bool

	// Create creates the host file if it does not exist.
	Create bool

	// LockTimeout bounds how long Open waits for the file lock. Zero means
	// a single attempt.
	LockTimeout time.Duration
}

// Inode is a host file. It implements fs.Inode.
type Inode struct {
	path string
	lock *flock.Flock
	// owner is the FileSystem caching i, if any.
	owner *FileSystem

	// mu protects the fields below and serializes I/O on f, which may be
	// replaced by a writable descriptor.
	mu       sync.Mutex
	f        *os.File
	writable bool
	refs     int
}

// Open opens the host file at path and locks it. The returned Inode has one
// reference and is not shared with any other Open.
func Open(ctx context.Context, path string, opts OpenOpts) (*Inode, error) {
	f, err := os.OpenFile(path, openFlags(opts), 0644)
	if err != nil {
		return nil, fmt.Errorf("opening host file %q: %w", path, err)
	}

	l := flock.NewFlock(path)
	if err := lockWithTimeout(ctx, l, opts.LockTimeout); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking host file %q: %w", path, err)
	}
	ctx.Debugf("Opened host file %q, writable: %t", path, opts.Writable)
	return &Inode{path: path, f: f, lock: l, writable: opts.Writable, refs: 1}, nil
}

func openFlags(opts OpenOpts) int {
	flags := os.O_RDONLY
	if opts.Writable {
		flags = os.O_RDWR
	}
	if opts.Create {
		flags |= os.O_CREATE
	}
	return flags
}

// FileSystem caches the host files open in one kernel by absolute path, so
// that opening a file again shares its lock instead of waiting on it.
type FileSystem struct {
	mu     sync.Mutex
	inodes map[string]*Inode
}

// NewFileSystem returns an empty FileSystem.
func NewFileSystem() *FileSystem {
	return &FileSystem{inodes: make(map[string]*Inode)}
}

// Open returns the Inode of the host file at path with a new reference,
// opening and locking it if no reference to it is held. A writable open of
// a file held read-only reopens its descriptor for writing.
func (fsys *FileSystem) Open(ctx context.Context, path string, opts OpenOpts) (*Inode, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving host path %q: %w", path, err)
	}
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if i, ok := fsys.inodes[abs]; ok {
		if err := i.reopen(ctx, opts); err != nil {
			return nil, err
		}
		if i.tryIncRef() {
			ctx.Debugf("Reusing host file %q", abs)
			return i, nil
		}
	}
	i, err := Open(ctx, abs, opts)
	if err != nil {
		return nil, err
	}
	i.owner = fsys
	fsys.inodes[abs] = i
	return i, nil
}

// Len returns the number of host files held open.
func (fsys *FileSystem) Len() int {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return len(fsys.inodes)
}

func (fsys *FileSystem) forget(i *Inode) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if fsys.inodes[i.path] == i {
		delete(fsys.inodes, i.path)
	}
}

// reopen replaces i's read-only descriptor with a writable one if opts asks
// for writing. Released inodes are left alone.
func (i *Inode) reopen(ctx context.Context, opts OpenOpts) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refs == 0 || !opts.Writable || i.writable {
		return nil
	}
	f, err := os.OpenFile(i.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopening host file %q for writing: %w", i.path, err)
	}
	if err := i.f.Close(); err != nil {
		ctx.Warningf("Closing read-only descriptor of %q: %v", i.path, err)
	}
	i.f = f
	i.writable = true
	return nil
}

func (i *Inode) tryIncRef() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refs == 0 {
		return false
	}
	i.refs++
	return true
}

func lockWithTimeout(ctx context.Context, l *flock.Flock, timeout time.Duration) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 5 * time.Millisecond
		eb.MaxInterval = 100 * time.Millisecond
		eb.MaxElapsedTime = timeout
		b = eb
	}
	op := func() error {
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLocked
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Path returns the host path of i.
func (i *Inode) Path() string {
	return i.path
}

// ReadAt implements fs.Inode.ReadAt.
func (i *Inode) ReadAt(ctx context.Context, dst []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	n, err := i.f.ReadAt(dst, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// WriteAt implements fs.Inode.WriteAt.
func (i *Inode) WriteAt(ctx context.Context, src []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.f.WriteAt(src, off)
}

// Stat implements fs.Inode.Stat.
func (i *Inode) Stat(ctx context.Context) linux.Stat {
	i.mu.Lock()
	defer i.mu.Unlock()
	var st unix.Stat_t
	if err := unix.Fstat(int(i.f.Fd()), &st); err != nil {
		ctx.Warningf("Fstat of host file %q failed: %v", i.path, err)
		return linux.Stat{Type: linux.T_FILE}
	}
	return linux.Stat{
		Dev:   int32(st.Dev),
		Ino:   uint32(st.Ino),
		Type:  linux.T_FILE,
		Nlink: int16(st.Nlink),
		Size:  uint64(st.Size),
	}
}

// IncRef takes a reference on i.
func (i *Inode) IncRef() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refs++
}

// Put implements fs.Inode.Put. Dropping the last reference syncs, closes and
// unlocks the host file, and removes it from its FileSystem.
func (i *Inode) Put(ctx context.Context) error {
	last, err := i.put(ctx)
	if last && i.owner != nil {
		i.owner.forget(i)
	}
	return err
}

func (i *Inode) put(ctx context.Context) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refs <= 0 {
		return false, fmt.Errorf("put of host file %q with no references", i.path)
	}
	i.refs--
	if i.refs > 0 {
		return false, nil
	}
	var errs []error
	if err := i.f.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		errs = append(errs, err)
	}
	if err := i.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := i.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	ctx.Debugf("Released host file %q", i.path)
	return true, errors.Join(errs...)
}
