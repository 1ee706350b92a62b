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
	"sync"

	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/mm"
)

// Process is a user process: a descriptor table and an address space.
//
// A Process is driven by one goroutine at a time. Different processes may
// run concurrently; they share the Kernel's pools.
type Process struct {
	k   *Kernel
	pid int32
	fds *FDTable
	mm  *mm.MemoryManager

	// mu protects the fields below.
	mu     sync.Mutex
	killed bool
	exited bool
}

// PID returns p's process ID.
func (p *Process) PID() int32 { return p.pid }

// Kernel returns the kernel p runs in.
func (p *Process) Kernel() *Kernel { return p.k }

// MemoryManager returns p's address space.
func (p *Process) MemoryManager() *mm.MemoryManager { return p.mm }

// FDTable returns p's descriptor table.
func (p *Process) FDTable() *FDTable { return p.fds }

// Context returns ctx tagged with p's PID.
func (p *Process) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, context.CtxPID, p.pid)
}

// Kill marks p as killed. The process's owner is expected to call Exit.
func (p *Process) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
}

// Killed returns true if p was killed, for example by a fault no mapping
// covers.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Fork creates a child of p; see Kernel.Fork.
func (p *Process) Fork(ctx context.Context) (*Process, error) {
	return p.k.Fork(p.Context(ctx), p)
}

// Exit releases all of p's mappings, writing back shared writable pages,
// then closes its descriptors. All errors are returned together after
// teardown completes. Exiting twice is a no-op.
func (p *Process) Exit(ctx context.Context) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil
	}
	p.exited = true
	p.mu.Unlock()

	ctx = p.Context(ctx)
	var errs []error
	if err := p.mm.Release(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.fds.CloseAll(ctx, p.k.files); err != nil {
		errs = append(errs, err)
	}
	p.k.removeProcess(p)
	ctx.Debugf("Process %d exited", p.pid)
	return errors.Join(errs...)
}

// HandlePageFault is called by the trap path for a page fault at addr. If a
// mapping covers addr the page is populated. Otherwise p is killed and
// EFAULT returned, as is any error from populating the page.
func (p *Process) HandlePageFault(ctx context.Context, addr hostarch.Addr) error {
	ctx = p.Context(ctx)
	handled, err := p.mm.HandleFault(ctx, addr)
	if err != nil {
		ctx.Warningf("Process %d: fault at %v: %v", p.pid, addr, err)
		p.Kill()
		return err
	}
	if !handled {
		p.Kill()
		return linuxerr.EFAULT
	}
	return nil
}

// CopyIn reads user memory at addr into dst.
func (p *Process) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return p.mm.CopyIn(p.Context(ctx), addr, dst)
}

// CopyOut writes src to user memory at addr.
func (p *Process) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return p.mm.CopyOut(p.Context(ctx), addr, src)
}
