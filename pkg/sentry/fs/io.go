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
	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/invariant"
	"golang.org/x/sys/unix"
)

// ErrShortWrite is returned when the storage layer accepts fewer bytes than
// a write chunk asked for. The bytes before the short chunk stay written.
var ErrShortWrite = errors.New(unix.EIO, "short write")

// Read reads from f at its cursor and advances the cursor.
func (f *File) Read(ctx context.Context, dst []byte) (int, error) {
	if !f.readable {
		return 0, linuxerr.EBADF
	}
	switch f.kind {
	case KindPipe:
		return f.pipe.Read(ctx, dst)
	case KindDevice:
		d := f.table.device(f.major)
		if d == nil {
			return 0, linuxerr.ENODEV
		}
		return d.Read(ctx, dst)
	case KindInode:
		f.offMu.Lock()
		defer f.offMu.Unlock()
		n, err := f.inode.ReadAt(ctx, dst, f.off)
		if n > 0 {
			f.off += int64(n)
		}
		return n, err
	default:
		invariant.Violated("read from file of kind %v", f.kind)
		return 0, linuxerr.EBADF
	}
}

// Write writes src to f at its cursor and advances the cursor by the number
// of bytes written. Inode writes are split into transactions; see WriteAt.
func (f *File) Write(ctx context.Context, src []byte) (int, error) {
	if !f.writable {
		return 0, linuxerr.EBADF
	}
	switch f.kind {
	case KindPipe:
		return f.pipe.Write(ctx, src)
	case KindDevice:
		d := f.table.device(f.major)
		if d == nil {
			return 0, linuxerr.ENODEV
		}
		return d.Write(ctx, src)
	case KindInode:
		f.offMu.Lock()
		defer f.offMu.Unlock()
		n, err := f.writeInode(ctx, src, f.off)
		f.off += int64(n)
		return n, err
	default:
		invariant.Violated("write to file of kind %v", f.kind)
		return 0, linuxerr.EBADF
	}
}

// ReadAt reads up to len(dst) bytes of f's inode starting at off. The cursor
// is neither used nor changed. Reading past the end of the file is not an
// error: the returned count is short.
//
// The access mode of f is not checked; callers such as the page fault path
// validate it when the mapping is created.
func (f *File) ReadAt(ctx context.Context, dst []byte, off int64) (int, error) {
	if f.kind != KindInode {
		return 0, linuxerr.ESPIPE
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	return f.inode.ReadAt(ctx, dst, off)
}

// WriteAt writes src to f's inode starting at off without using or changing
// the cursor. Like ReadAt, it does not check the access mode of f.
//
// The write is split into chunks of at most Log.MaxWrite bytes, each in its
// own transaction, so that no transaction overflows the log. It stops at the
// first chunk the storage layer does not fully accept and returns the count
// written so far with ErrShortWrite (or the storage layer's error).
func (f *File) WriteAt(ctx context.Context, src []byte, off int64) (int, error) {
	if f.kind != KindInode {
		return 0, linuxerr.ESPIPE
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	return f.writeInode(ctx, src, off)
}

func (f *File) writeInode(ctx context.Context, src []byte, off int64) (int, error) {
	log := f.table.log
	limit := log.MaxWrite()
	if limit <= 0 {
		limit = len(src)
	}
	done := 0
	for done < len(src) {
		n := min(len(src)-done, limit)

		log.BeginOp(ctx)
		w, err := f.inode.WriteAt(ctx, src[done:done+n], off+int64(done))
		log.EndOp(ctx)

		if w > 0 {
			done += w
		}
		if err != nil {
			return done, err
		}
		if w != n {
			return done, ErrShortWrite
		}
	}
	return done, nil
}

// Stat returns the metadata of the inode behind f. Pipes have none.
func (f *File) Stat(ctx context.Context) (linux.Stat, error) {
	switch f.kind {
	case KindInode, KindDevice:
		if f.inode == nil {
			return linux.Stat{}, linuxerr.EINVAL
		}
		return f.inode.Stat(ctx), nil
	default:
		return linux.Stat{}, linuxerr.EINVAL
	}
}
