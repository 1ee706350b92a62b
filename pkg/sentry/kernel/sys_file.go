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
	"fmt"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/sentry/fs"
	"github.com/labkernel/kmap/pkg/sentry/fs/hostfs"
	"github.com/labkernel/kmap/pkg/sentry/kernel/pipe"
)

func accessMode(flags int) (readable, writable bool) {
	readable = flags&linux.O_WRONLY == 0
	writable = flags&linux.O_WRONLY != 0 || flags&linux.O_RDWR != 0
	return readable, writable
}

// installFile allocates an open file, initializes it with init and installs
// it in p's descriptor table. If that fails, release undoes whatever init
// would have taken ownership of.
func (p *Process) installFile(ctx context.Context, init func(f *fs.File), release func()) (int, error) {
	f, err := p.k.files.Alloc()
	if err != nil {
		release()
		return -1, err
	}
	init(f)
	fd, err := p.fds.Install(f)
	if err != nil {
		if derr := p.k.files.DecRef(ctx, f); derr != nil {
			ctx.Warningf("Closing uninstalled file: %v", derr)
		}
		return -1, err
	}
	return fd, nil
}

// Open opens the file name of the kernel's file system, creating it if flags
// include O_CREATE, and returns a new descriptor. ConsoleName opens the
// console device.
func (p *Process) Open(ctx context.Context, name string, flags int) (int, error) {
	ctx = p.Context(ctx)
	readable, writable := accessMode(flags)
	if name == ConsoleName {
		return p.installFile(ctx, func(f *fs.File) {
			f.InitDevice(linux.CONSOLE, nil, readable, writable)
		}, func() {})
	}

	fsys := p.k.fs
	if _, ok := fsys.Lookup(name); !ok && flags&linux.O_CREATE != 0 {
		fsys.Create(name, nil)
	}
	inode, err := fsys.Open(name)
	if err != nil {
		return -1, err
	}
	if flags&linux.O_TRUNC != 0 && writable {
		inode.Truncate()
	}
	return p.installFile(ctx, func(f *fs.File) {
		f.InitInode(inode, readable, writable)
	}, func() {
		p.putInode(ctx, inode)
	})
}

// OpenHost opens the host file at path and returns a new descriptor. The
// host file stays locked until the last reference to it is dropped; opening
// it again in the same kernel shares that lock.
func (p *Process) OpenHost(ctx context.Context, path string, flags int) (int, error) {
	ctx = p.Context(ctx)
	readable, writable := accessMode(flags)
	inode, err := p.k.host.Open(ctx, path, hostfs.OpenOpts{
		Writable:    writable,
		Create:      flags&linux.O_CREATE != 0,
		LockTimeout: p.k.opts.HostLockTimeout,
	})
	if err != nil {
		return -1, err
	}
	return p.installFile(ctx, func(f *fs.File) {
		f.InitInode(inode, readable, writable)
	}, func() {
		p.putInode(ctx, inode)
	})
}

func (p *Process) putInode(ctx context.Context, inode fs.Inode) {
	log := p.k.files.Log()
	log.BeginOp(ctx)
	defer log.EndOp(ctx)
	if err := inode.Put(ctx); err != nil {
		ctx.Warningf("Releasing inode: %v", err)
	}
}

// Close closes fd.
func (p *Process) Close(ctx context.Context, fd int) error {
	f, err := p.fds.Remove(fd)
	if err != nil {
		return err
	}
	return p.k.files.DecRef(p.Context(ctx), f)
}

// Dup returns a new descriptor for the file of fd.
func (p *Process) Dup(ctx context.Context, fd int) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	if err := p.k.files.IncRef(f); err != nil {
		return -1, err
	}
	nfd, err := p.fds.Install(f)
	if err != nil {
		p.k.files.DecRef(p.Context(ctx), f)
		return -1, err
	}
	return nfd, nil
}

// Pipe creates a pipe and returns its read and write descriptors.
func (p *Process) Pipe(ctx context.Context) (rfd, wfd int, err error) {
	ctx = p.Context(ctx)
	pp := pipe.New(linux.PIPESIZE)
	rfd, err = p.installFile(ctx, func(f *fs.File) {
		f.InitPipe(pp, true, false)
	}, func() {})
	if err != nil {
		return -1, -1, err
	}
	wfd, err = p.installFile(ctx, func(f *fs.File) {
		f.InitPipe(pp, false, true)
	}, func() {})
	if err != nil {
		if cerr := p.Close(ctx, rfd); cerr != nil {
			ctx.Warningf("Closing read end of failed pipe: %v", cerr)
		}
		return -1, -1, err
	}
	return rfd, wfd, nil
}

// Read reads from fd at its cursor.
func (p *Process) Read(ctx context.Context, fd int, dst []byte) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.Read(p.Context(ctx), dst)
}

// Write writes to fd at its cursor.
func (p *Process) Write(ctx context.Context, fd int, src []byte) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(p.Context(ctx), src)
}

// Fstat returns the metadata of the file of fd.
func (p *Process) Fstat(ctx context.Context, fd int) (linux.Stat, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return linux.Stat{}, err
	}
	st, err := f.Stat(p.Context(ctx))
	if err != nil {
		return linux.Stat{}, fmt.Errorf("fstat of fd %d: %w", fd, err)
	}
	return st, nil
}
