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
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/pagetables"
)

// CopyOut copies src to the user address addr, faulting in mapped pages as
// needed. It returns the number of bytes copied. Pages that are not mapped,
// or are mapped without write permission, fail with EFAULT.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return mm.copy(ctx, addr, len(src), hostarch.Write, func(mem []byte, done int) {
		copy(mem, src[done:])
	})
}

// CopyIn copies len(dst) bytes from the user address addr into dst, faulting
// in mapped pages as needed. It returns the number of bytes copied.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return mm.copy(ctx, addr, len(dst), hostarch.Read, func(mem []byte, done int) {
		copy(dst[done:], mem)
	})
}

func (mm *MemoryManager) copy(ctx context.Context, addr hostarch.Addr, n int, at hostarch.AccessType, fn func(mem []byte, done int)) (int, error) {
	done := 0
	for done < n {
		va := addr + hostarch.Addr(done)
		pte, err := mm.translate(ctx, va)
		if err != nil {
			return done, err
		}
		if !pte.Access().SupersetOf(at) {
			return done, linuxerr.EFAULT
		}
		mem := mm.frames.Slice(pte.Frame())[va.PageOffset():]
		if len(mem) > n-done {
			mem = mem[:n-done]
		}
		fn(mem, done)
		done += len(mem)
	}
	return done, nil
}

// translate returns the entry for va, faulting the page in if it is mapped
// but not yet resident.
func (mm *MemoryManager) translate(ctx context.Context, va hostarch.Addr) (pagetables.PTE, error) {
	if pte, ok := mm.pt.Lookup(va); ok {
		return pte, nil
	}
	handled, err := mm.HandleFault(ctx, va)
	if err != nil {
		return 0, err
	}
	if !handled {
		return 0, linuxerr.EFAULT
	}
	pte, ok := mm.pt.Lookup(va)
	if !ok {
		return 0, linuxerr.EFAULT
	}
	return pte, nil
}

// ResidentPages returns the number of resident pages in ar.
func (mm *MemoryManager) ResidentPages(ar hostarch.AddrRange) int {
	n := 0
	mm.pt.ForEach(ar, func(hostarch.Addr, pagetables.PTE) bool {
		n++
		return true
	})
	return n
}
