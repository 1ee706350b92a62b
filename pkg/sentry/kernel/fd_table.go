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

package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/sentry/fs"
)

// FDTable maps a process's file descriptors to open files. Each entry holds
// one reference on its file.
//
// An FDTable is used only by the goroutine running its process.
type FDTable struct {
	files []*fs.File
}

// NewFDTable returns an empty table with size descriptors.
func NewFDTable(size int) *FDTable {
	return &FDTable{files: make([]*fs.File, size)}
}

// Install stores f in the lowest free descriptor and returns it. The table
// takes over the caller's reference on f.
func (t *FDTable) Install(f *fs.File) (int, error) {
	for fd, file := range t.files {
		if file == nil {
			t.files[fd] = f
			return fd, nil
		}
	}
	return -1, linuxerr.EMFILE
}

// Get returns the file of fd without taking a reference.
func (t *FDTable) Get(fd int) (*fs.File, error) {
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, linuxerr.EBADF
	}
	return t.files[fd], nil
}

// Remove clears fd and returns its file with the table's reference, which
// the caller must drop.
func (t *FDTable) Remove(fd int) (*fs.File, error) {
	f, err := t.Get(fd)
	if err != nil {
		return nil, err
	}
	t.files[fd] = nil
	return f, nil
}

// Len returns the number of open descriptors.
func (t *FDTable) Len() int {
	n := 0
	for _, f := range t.files {
		if f != nil {
			n++
		}
	}
	return n
}

// Fork returns a copy of t whose entries hold their own references.
func (t *FDTable) Fork(ctx context.Context, files *fs.Table) (*FDTable, error) {
	nt := NewFDTable(len(t.files))
	for fd, f := range t.files {
		if f == nil {
			continue
		}
		if err := files.IncRef(f); err != nil {
			// Undo the references taken so far; the failing descriptor is
			// not in nt yet.
			for gfd, g := range nt.files {
				if g == nil {
					continue
				}
				if err := files.DecRef(ctx, g); err != nil {
					ctx.Warningf("Dropping fd %d of failed fork: %v", gfd, err)
				}
			}
			return nil, fmt.Errorf("duplicating fd %d: %w", fd, err)
		}
		nt.files[fd] = f
	}
	return nt, nil
}

// CloseAll closes every descriptor.
func (t *FDTable) CloseAll(ctx context.Context, files *fs.Table) error {
	var errs []error
	for fd, f := range t.files {
		if f == nil {
			continue
		}
		t.files[fd] = nil
		if err := files.DecRef(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("closing fd %d: %w", fd, err))
		}
	}
	return errors.Join(errs...)
}

// String implements fmt.Stringer.String.
func (t *FDTable) String() string {
	var b strings.Builder
	for fd, f := range t.files {
		if f != nil {
			fmt.Fprintf(&b, "\tfd:%d => %v\n", fd, f)
		}
	}
	return b.String()
}
