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

package mm

import (
	"errors"
	"fmt"

	"github.com/labkernel/kmap/pkg/context"
	kerrors "github.com/labkernel/kmap/pkg/errors"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/fs"
	"github.com/labkernel/kmap/pkg/sentry/pagetables"
	"github.com/labkernel/kmap/pkg/sentry/pgalloc"
	"golang.org/x/sys/unix"
)

// ErrNotMapped is returned by MUnmap when no mapping contains the address.
var ErrNotMapped = kerrors.New(unix.EINVAL, "address not mapped")

// MMapOpts specifies a mapping to create.
type MMapOpts struct {
	// Addr is a placement hint. It is ignored: mappings are always placed
	// below the lowest existing one.
	Addr hostarch.Addr

	// Length is the length of the mapping in bytes. It is rounded up to a
	// page.
	Length uint64

	// Perms is the access the mapping permits.
	Perms hostarch.AccessType

	// Exactly one of Shared and Private must be set. Stores to a shared
	// writable mapping are written back to the file; stores to a private
	// mapping never are.
	Shared  bool
	Private bool

	// File is the open file to map. MMap takes its own reference.
	File *fs.File

	// Offset is the page-aligned file offset mapped at the start of the
	// mapping.
	Offset int64

	// Hint is a name shown in the maps dump, such as the file's path.
	Hint string
}

// MMap establishes a file mapping and returns its start address. No page is
// populated, and the file's cursor is not used.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 || opts.Shared == opts.Private {
		return 0, linuxerr.EINVAL
	}
	if opts.Offset < 0 || !hostarch.Addr(opts.Offset).IsPageAligned() {
		return 0, linuxerr.EINVAL
	}
	f := opts.File
	if f == nil || f.Kind() == fs.KindNone {
		return 0, linuxerr.EBADF
	}
	if f.Kind() != fs.KindInode {
		return 0, linuxerr.ENODEV
	}
	if opts.Perms.Write && opts.Shared && !f.Writable() {
		return 0, linuxerr.EACCES
	}
	if opts.Perms.Read && !f.Readable() {
		return 0, linuxerr.EACCES
	}

	length, ok := hostarch.Addr(opts.Length).RoundUp()
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	ar, err := mm.place(length)
	if err != nil {
		return 0, err
	}

	v, err := mm.pool.Allocate()
	if err != nil {
		return 0, err
	}
	if err := mm.files.IncRef(f); err != nil {
		mm.pool.Release(v)
		return 0, err
	}
	v.mu.Lock()
	v.start = ar.Start
	v.end = ar.End
	v.length = uint64(length)
	v.perms = opts.Perms
	v.private = opts.Private
	v.offset = opts.Offset
	v.file = f
	v.hint = opts.Hint
	v.mu.Unlock()
	mm.vmas = append(mm.vmas, v)

	ctx.Debugf("Mapped %v of %v at offset %#x", ar, f, opts.Offset)
	return ar.Start, nil
}

// place picks the range of a new mapping of length bytes: directly
// below the lowest existing mapping, or below the top of the layout if there
// is none.
func (mm *MemoryManager) place(length hostarch.Addr) (hostarch.AddrRange, error) {
	top := mm.layout.Top
	for _, v := range mm.vmas {
		if v.start < top {
			top = v.start
		}
	}
	if length > top || top-length < mm.layout.Bottom {
		return hostarch.AddrRange{}, linuxerr.ENOMEM
	}
	start := (top - length).RoundDown()
	return hostarch.AddrRange{Start: start, End: start + length}, nil
}

// MUnmap removes the pages [addr, addr+length) from the mapping containing
// addr. addr is rounded down and length rounded up to pages.
//
// The range must be a prefix or a suffix of the mapping (or all of it).
// Resident pages of a shared writable mapping are written back to the file
// before they are unmapped. Removing a whole mapping drops its file
// reference. A write-back error is returned after teardown completes.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if length == 0 {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.RoundDown().ToRange(uint64(la))
	if !ok {
		return linuxerr.EINVAL
	}

	i := mm.findVMA(ar.Start)
	if i < 0 {
		return ErrNotMapped
	}
	v := mm.vmas[i]
	if ar.End > v.end {
		return linuxerr.EINVAL
	}
	prefix := ar.Start == v.start
	suffix := ar.End == v.end
	if !prefix && !suffix {
		return linuxerr.EINVAL
	}

	var errs []error
	if v.writesBack() {
		if err := mm.writeBack(ctx, v, ar); err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case prefix && suffix:
		if err := mm.files.DecRef(ctx, v.file); err != nil {
			errs = append(errs, err)
		}
		mm.removeVMA(i)
		mm.pool.Release(v)
	case prefix:
		v.start = ar.End
		v.offset += int64(ar.Length())
		v.length -= uint64(ar.Length())
	default:
		v.end = ar.Start
		v.length -= uint64(ar.Length())
	}

	if err := mm.unmapPages(ar); err != nil {
		errs = append(errs, err)
	}
	ctx.Debugf("Unmapped %v", ar)
	return errors.Join(errs...)
}

// writeBack writes the resident pages of v in ar to v's file, each whole
// page at its file offset. Writes past the end of the file grow it. Pages
// that were never faulted in are skipped.
func (mm *MemoryManager) writeBack(ctx context.Context, v *VMA, ar hostarch.AddrRange) error {
	var errs []error
	mm.pt.ForEach(ar, func(va hostarch.Addr, pte pagetables.PTE) bool {
		off := v.offset + int64(va-v.start)
		if _, err := v.file.WriteAt(ctx, mm.frames.Slice(pte.Frame()), off); err != nil {
			errs = append(errs, fmt.Errorf("write-back of page %v at offset %#x: %w", va, off, err))
		}
		return true
	})
	return errors.Join(errs...)
}

// unmapPages removes the translations of resident pages in ar and
// frees their frames.
func (mm *MemoryManager) unmapPages(ar hostarch.AddrRange) error {
	var errs []error
	for _, fr := range mm.pt.Unmap(ar) {
		if err := mm.frames.Free(fr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleFault populates the page containing addr if a mapping covers it.
//
// It returns false if no mapping covers addr; the fault is then someone
// else's concern. Otherwise it allocates a zeroed frame, reads the page's
// contents from the file (a short read leaves the rest zero) and installs a
// translation with the mapping's permissions. A page that is already
// resident is left alone. On error no translation is left behind.
func (mm *MemoryManager) HandleFault(ctx context.Context, addr hostarch.Addr) (bool, error) {
	va := addr.RoundDown()
	i := mm.findVMA(va)
	if i < 0 {
		mm.faultLog.Warningf("No mapping covers faulting address %v", addr)
		return false, nil
	}
	v := mm.vmas[i]
	if _, ok := mm.pt.Lookup(va); ok {
		return true, nil
	}

	fr, err := mm.frames.AllocateZeroed()
	if err != nil {
		return true, err
	}
	off := v.offset + int64(va-v.start)
	if _, err := v.file.ReadAt(ctx, mm.frames.Slice(fr), off); err != nil {
		mm.freeFrame(ctx, fr)
		return true, fmt.Errorf("reading page %v at offset %#x: %w", va, off, err)
	}
	if err := mm.pt.Map(va, fr, pagetables.UserFlags(v.perms)); err != nil {
		mm.freeFrame(ctx, fr)
		return true, err
	}
	ctx.Debugf("Faulted in %v from offset %#x", va, off)
	return true, nil
}

func (mm *MemoryManager) freeFrame(ctx context.Context, fr pgalloc.Frame) {
	if err := mm.frames.Free(fr); err != nil {
		ctx.Warningf("Freeing %v: %v", fr, err)
	}
}
