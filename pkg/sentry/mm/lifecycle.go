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

	"github.com/labkernel/kmap/pkg/cleanup"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
)

// Fork copies every mapping of mm into child, which must have none. Each
// copy takes its own reference on the same open file. No page is copied:
// child's pages fault in from the file.
//
// If a descriptor cannot be allocated part way through, the copies made so
// far are undone and the error is returned.
func (mm *MemoryManager) Fork(ctx context.Context, child *MemoryManager) error {
	if len(child.vmas) != 0 {
		return linuxerr.EINVAL
	}
	cu := cleanup.Make(func() {
		for _, nv := range child.vmas {
			if err := child.files.DecRef(ctx, nv.file); err != nil {
				ctx.Warningf("Dropping file of %v: %v", nv, err)
			}
			child.pool.Release(nv)
		}
		child.vmas = nil
	})
	defer cu.Clean()

	for _, v := range mm.vmas {
		nv, err := child.pool.Allocate()
		if err != nil {
			return err
		}
		v.mu.Lock()
		f := v.file
		nv.start = v.start
		nv.end = v.end
		nv.length = v.length
		nv.perms = v.perms
		nv.private = v.private
		nv.offset = v.offset
		nv.hint = v.hint
		v.mu.Unlock()
		if err := child.files.IncRef(f); err != nil {
			child.pool.Release(nv)
			return err
		}
		nv.file = f
		child.vmas = append(child.vmas, nv)
	}
	cu.Release()
	ctx.Debugf("Copied %d mappings to child", len(child.vmas))
	return nil
}

// Release tears down every mapping of mm, as on process exit. Resident pages
// of shared writable mappings are written back, file references dropped and
// frames freed. All errors are collected and returned once teardown is
// complete.
func (mm *MemoryManager) Release(ctx context.Context) error {
	var errs []error
	for _, v := range mm.vmas {
		ar := v.Range()
		if v.writesBack() {
			if err := mm.writeBack(ctx, v, ar); err != nil {
				errs = append(errs, err)
			}
		}
		if err := mm.files.DecRef(ctx, v.file); err != nil {
			errs = append(errs, err)
		}
		if err := mm.unmapPages(ar); err != nil {
			errs = append(errs, err)
		}
		mm.pool.Release(v)
	}
	ctx.Debugf("Released %d mappings", len(mm.vmas))
	clear(mm.vmas)
	mm.vmas = mm.vmas[:0]
	return errors.Join(errs...)
}
