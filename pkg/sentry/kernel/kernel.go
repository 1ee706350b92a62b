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

// Package kernel wires the file table, the mapping pool and the physical
// page allocator into a Kernel, and exposes the system calls of its
// processes.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/cleanup"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/sentry/fs"
	"github.com/labkernel/kmap/pkg/sentry/fs/hostfs"
	"github.com/labkernel/kmap/pkg/sentry/fs/memfs"
	"github.com/labkernel/kmap/pkg/sentry/mm"
	"github.com/labkernel/kmap/pkg/sentry/pagetables"
	"github.com/labkernel/kmap/pkg/sentry/pgalloc"
)

// ConsoleName is the path under which the console device is opened.
const ConsoleName = "console"

// Opts configures a Kernel.
type Opts struct {
	// FileTableSize is the number of open files the kernel can hold.
	FileTableSize int

	// FDsPerProcess is the size of each process's descriptor table.
	FDsPerProcess int

	// VMAPoolSize is the number of mapping descriptors shared by all
	// processes.
	VMAPoolSize int

	// Frames is the number of physical page frames.
	Frames int

	// Layout bounds mapping placement in every address space.
	Layout mm.Layout

	// Journal configures the transaction log of inode writes.
	Journal fs.JournalOpts

	// HostLockTimeout bounds how long OpenHost waits for a host file lock.
	HostLockTimeout time.Duration

	// FaultWarnEvery limits how often unhandled faults are logged.
	FaultWarnEvery time.Duration

	// ConsoleOut receives writes to the console. Nil discards them.
	ConsoleOut io.Writer

	// ConsoleIn is read by reads from the console. Nil reads nothing.
	ConsoleIn io.Reader
}

// DefaultOpts returns the capacities of the teaching kernel.
func DefaultOpts() Opts {
	return Opts{
		FileTableSize:   linux.NFILE,
		FDsPerProcess:   linux.NOFILE,
		VMAPoolSize:     16,
		Frames:          1024,
		Layout:          mm.DefaultLayout(),
		Journal:         fs.DefaultJournalOpts(),
		HostLockTimeout: time.Second,
		FaultWarnEvery:  time.Second,
	}
}

// Kernel owns the resources shared by all processes. It is constructed once
// at startup; there are no package-level pools.
type Kernel struct {
	opts Opts

	journal *fs.Journal
	files   *fs.Table
	pool    *mm.Pool
	mf      *pgalloc.MemoryFile
	fs      *memfs.FileSystem
	host    *hostfs.FileSystem
	console *Console

	// mu protects the fields below.
	mu      sync.Mutex
	nextPID int32
	procs   map[int32]*Process
}

// New returns a Kernel configured by opts.
func New(opts Opts) (*Kernel, error) {
	if opts.FileTableSize <= 0 || opts.FDsPerProcess <= 0 || opts.VMAPoolSize <= 0 {
		return nil, fmt.Errorf("invalid kernel capacities: files %d, fds %d, vmas %d", opts.FileTableSize, opts.FDsPerProcess, opts.VMAPoolSize)
	}
	mf, err := pgalloc.NewMemoryFile(opts.Frames)
	if err != nil {
		return nil, err
	}
	j := fs.NewJournal(opts.Journal)
	k := &Kernel{
		opts:    opts,
		journal: j,
		files:   fs.NewTable(opts.FileTableSize, j),
		pool:    mm.NewPool(opts.VMAPoolSize),
		mf:      mf,
		fs:      memfs.New(),
		host:    hostfs.NewFileSystem(),
		console: NewConsole(opts.ConsoleIn, opts.ConsoleOut),
		nextPID: 1,
		procs:   make(map[int32]*Process),
	}
	if err := k.files.RegisterDevice(linux.CONSOLE, k.console); err != nil {
		mf.Close()
		return nil, err
	}
	return k, nil
}

// Files returns the kernel's open file table.
func (k *Kernel) Files() *fs.Table { return k.files }

// Journal returns the transaction log of inode writes.
func (k *Kernel) Journal() *fs.Journal { return k.journal }

// VMAPool returns the mapping descriptor pool.
func (k *Kernel) VMAPool() *mm.Pool { return k.pool }

// MemoryFile returns the physical page allocator.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile { return k.mf }

// FileSystem returns the in-memory file system that Open resolves names in.
func (k *Kernel) FileSystem() *memfs.FileSystem { return k.fs }

// HostFiles returns the host files the kernel holds open.
func (k *Kernel) HostFiles() *hostfs.FileSystem { return k.host }

// NewProcess creates a process with an empty descriptor table and address
// space.
func (k *Kernel) NewProcess() *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := &Process{
		k:   k,
		pid: k.nextPID,
		fds: NewFDTable(k.opts.FDsPerProcess),
		mm:  k.newMemoryManager(),
	}
	k.nextPID++
	k.procs[p.pid] = p
	return p
}

func (k *Kernel) newMemoryManager() *mm.MemoryManager {
	return mm.NewMemoryManager(mm.MemoryManagerOpts{
		Pool:           k.pool,
		Files:          k.files,
		Frames:         k.mf,
		PageTable:      pagetables.New(),
		Layout:         k.opts.Layout,
		FaultWarnEvery: k.opts.FaultWarnEvery,
	})
}

// Process returns the live process with the given PID.
func (k *Kernel) Process(pid int32) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// Processes returns the live processes ordered by PID.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	ps := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		ps = append(ps, p)
	}
	k.mu.Unlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].pid < ps[j].pid })
	return ps
}

func (k *Kernel) removeProcess(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.procs, p.pid)
}

// Shutdown exits every live process and releases physical memory.
func (k *Kernel) Shutdown(ctx context.Context) error {
	var errs []error
	for _, p := range k.Processes() {
		if err := p.Exit(ctx); err != nil {
			errs = append(errs, fmt.Errorf("exiting process %d: %w", p.pid, err))
		}
	}
	if err := k.mf.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Fork creates a child of parent. The child gets a copy of parent's
// descriptor table and mappings; both refer to the same open files.
func (k *Kernel) Fork(ctx context.Context, parent *Process) (*Process, error) {
	fds, err := parent.fds.Fork(ctx, k.files)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := fds.CloseAll(ctx, k.files); err != nil {
			ctx.Warningf("Closing descriptors of failed fork: %v", err)
		}
	})
	defer cu.Clean()

	child := &Process{k: k, fds: fds, mm: k.newMemoryManager()}
	cu.Add(func() {
		if err := child.mm.Release(ctx); err != nil {
			ctx.Warningf("Releasing mappings of failed fork: %v", err)
		}
	})
	if err := parent.mm.Fork(ctx, child.mm); err != nil {
		return nil, err
	}
	cu.Release()

	k.mu.Lock()
	child.pid = k.nextPID
	k.nextPID++
	k.procs[child.pid] = child
	k.mu.Unlock()
	ctx.Debugf("Forked process %d from %d", child.pid, parent.pid)
	return child, nil
}
