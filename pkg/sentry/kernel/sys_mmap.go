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
	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/mm"
)

// MMapOptsFromFlags translates the mmap(2) arguments prot and flags.
func MMapOptsFromFlags(length uint64, prot, flags int, off int64) mm.MMapOpts {
	return mm.MMapOpts{
		Length: length,
		Perms: hostarch.AccessType{
			Read:    prot&linux.PROT_READ != 0,
			Write:   prot&linux.PROT_WRITE != 0,
			Execute: prot&linux.PROT_EXEC != 0,
		},
		Shared:  flags&linux.MAP_SHARED != 0,
		Private: flags&linux.MAP_PRIVATE != 0,
		Offset:  off,
	}
}

// MMap maps length bytes of the file of fd at offset off and returns the
// mapping's address. addr is a hint and is ignored.
func (p *Process) MMap(ctx context.Context, addr hostarch.Addr, length uint64, prot, flags, fd int, off int64) (hostarch.Addr, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	opts := MMapOptsFromFlags(length, prot, flags, off)
	opts.Addr = addr
	opts.File = f
	return p.mm.MMap(p.Context(ctx), opts)
}

// SysMmap implements the mmap system call. It returns linux.MAP_FAILED on
// any error.
func (p *Process) SysMmap(ctx context.Context, addr uintptr, length uint64, prot, flags, fd int, off int64) uintptr {
	va, err := p.MMap(ctx, hostarch.Addr(addr), length, prot, flags, fd, off)
	if err != nil {
		ctx.Debugf("Process %d: mmap(fd %d, len %d): %v", p.pid, fd, length, err)
		return linux.MAP_FAILED
	}
	return uintptr(va)
}

// MUnmap unmaps [addr, addr+length); see mm.MemoryManager.MUnmap.
func (p *Process) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	return p.mm.MUnmap(p.Context(ctx), addr, length)
}

// SysMunmap implements the munmap system call. It returns 0 on success and
// -1 on any error.
func (p *Process) SysMunmap(ctx context.Context, addr uintptr, length uint64) int {
	if err := p.MUnmap(ctx, hostarch.Addr(addr), length); err != nil {
		ctx.Debugf("Process %d: munmap(%#x, %d): %v", p.pid, addr, length, err)
		return -1
	}
	return 0
}
