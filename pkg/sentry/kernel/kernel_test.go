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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/context/contexttest"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/invariant"
	"golang.org/x/sync/errgroup"
)

func newTestKernel(t *testing.T, mutate func(*Opts)) (*Kernel, context.Context) {
	t.Helper()
	opts := DefaultOpts()
	opts.Frames = 64
	if mutate != nil {
		mutate(&opts)
	}
	k, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := contexttest.Context(t)
	t.Cleanup(func() {
		if err := k.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return k, ctx
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func mustOpen(t *testing.T, ctx context.Context, p *Process, name string, flags int) int {
	t.Helper()
	fd, err := p.Open(ctx, name, flags)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	return fd
}

func TestMmapScenario(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	data := pattern(10000)
	k.FileSystem().Create("data", data)
	p := k.NewProcess()
	fd := mustOpen(t, ctx, p, "data", linux.O_RDONLY)

	addr := p.SysMmap(ctx, 0, 4096, linux.PROT_READ, linux.MAP_PRIVATE, fd, 0)
	if want := uintptr(linux.TRAPFRAME - 4096); addr != want {
		t.Fatalf("mmap: got %#x, want %#x", addr, want)
	}
	if err := p.HandlePageFault(ctx, hostarch.Addr(addr)); err != nil {
		t.Fatalf("HandlePageFault: %v", err)
	}
	buf := make([]byte, 4096)
	if _, err := p.CopyIn(ctx, hostarch.Addr(addr), buf); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(buf, data[:4096]) {
		t.Errorf("mapped page does not hold the file's first 4096 bytes")
	}
	if got := p.SysMunmap(ctx, addr, 4096); got != 0 {
		t.Fatalf("munmap: got %d, want 0", got)
	}
	if got := k.VMAPool().InUse(); got != 0 {
		t.Errorf("slots in use after munmap: got %d, want 0", got)
	}
	if got := p.SysMunmap(ctx, addr, 4096); got != -1 {
		t.Errorf("second munmap: got %d, want -1", got)
	}
}

func TestMmapFailures(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	k.FileSystem().Create("data", pattern(100))
	p := k.NewProcess()
	fd := mustOpen(t, ctx, p, "data", linux.O_RDONLY)
	rfd, _, err := p.Pipe(ctx)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}

	for _, tc := range []struct {
		name  string
		prot  int
		flags int
		fd    int
	}{
		{"bad fd", linux.PROT_READ, linux.MAP_PRIVATE, 9},
		{"shared write on read-only fd", linux.PROT_READ | linux.PROT_WRITE, linux.MAP_SHARED, fd},
		{"no mapping mode", linux.PROT_READ, 0, fd},
		{"pipe", linux.PROT_READ, linux.MAP_PRIVATE, rfd},
	} {
		if got := p.SysMmap(ctx, 0, 4096, tc.prot, tc.flags, tc.fd, 0); got != linux.MAP_FAILED {
			t.Errorf("%s: mmap returned %#x, want MAP_FAILED", tc.name, got)
		}
	}
	if p.Killed() {
		t.Errorf("failed mmap killed the process")
	}
}

func TestUncoveredFaultKills(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	p := k.NewProcess()
	if err := p.HandlePageFault(ctx, 0x1000); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("HandlePageFault: got %v, want EFAULT", err)
	}
	if !p.Killed() {
		t.Errorf("process not killed by uncovered fault")
	}
}

func TestMappingOutlivesDescriptor(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	inode := k.FileSystem().Create("data", pattern(4096))
	p := k.NewProcess()
	fd := mustOpen(t, ctx, p, "data", linux.O_RDWR)
	addr, err := p.MMap(ctx, 0, 4096, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_SHARED, fd, 0)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if err := p.Close(ctx, fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.CopyOut(ctx, addr, []byte("still mapped")); err != nil {
		t.Fatalf("CopyOut after close: %v", err)
	}
	if err := p.Exit(ctx); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if got := string(inode.Bytes()[:12]); got != "still mapped" {
		t.Errorf("file after exit: got %q, want \"still mapped\"", got)
	}
	if got := k.Files().InUse(); got != 0 {
		t.Errorf("open files after exit: got %d, want 0", got)
	}
	if _, ok := k.Process(p.PID()); ok {
		t.Errorf("exited process is still registered")
	}
}

func TestForkAndExit(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	inode := k.FileSystem().Create("data", pattern(8192))
	parent := k.NewProcess()
	fd := mustOpen(t, ctx, parent, "data", linux.O_RDWR)
	addr, err := parent.MMap(ctx, 0, 8192, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_SHARED, fd, 0)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	f, _ := parent.FDTable().Get(fd)
	if got := k.Files().Refs(f); got != 2 {
		t.Fatalf("refs before fork: got %d, want 2", got)
	}

	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.PID() == parent.PID() {
		t.Errorf("child has the parent's PID")
	}
	// One more for the child's descriptor and one for its mapping.
	if got := k.Files().Refs(f); got != 4 {
		t.Errorf("refs after fork: got %d, want 4", got)
	}

	if _, err := child.CopyOut(ctx, addr+4096, []byte("child")); err != nil {
		t.Fatalf("child CopyOut: %v", err)
	}
	if err := child.Exit(ctx); err != nil {
		t.Fatalf("child Exit: %v", err)
	}
	if got := string(inode.Bytes()[4096:4101]); got != "child" {
		t.Errorf("child write-back: got %q, want child", got)
	}
	if got := k.Files().Refs(f); got != 2 {
		t.Errorf("refs after child exit: got %d, want 2", got)
	}

	// The parent faults the page in from the file and sees the child's
	// write.
	buf := make([]byte, 5)
	if _, err := parent.CopyIn(ctx, addr+4096, buf); err != nil {
		t.Fatalf("parent CopyIn: %v", err)
	}
	if string(buf) != "child" {
		t.Errorf("parent read %q, want child", buf)
	}
}

func TestForkFailureIsUndone(t *testing.T) {
	k, ctx := newTestKernel(t, func(o *Opts) { o.VMAPoolSize = 1 })
	k.FileSystem().Create("data", nil)
	parent := k.NewProcess()
	fd := mustOpen(t, ctx, parent, "data", linux.O_RDONLY)
	if _, err := parent.MMap(ctx, 0, 4096, linux.PROT_READ, linux.MAP_PRIVATE, fd, 0); err != nil {
		t.Fatalf("MMap: %v", err)
	}
	f, _ := parent.FDTable().Get(fd)

	if _, err := parent.Fork(ctx); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Fork: got %v, want ENOMEM", err)
	}
	if got := k.Files().Refs(f); got != 2 {
		t.Errorf("refs after failed fork: got %d, want 2", got)
	}
	if got := len(k.Processes()); got != 1 {
		t.Errorf("processes after failed fork: got %d, want 1", got)
	}
	if got := k.VMAPool().InUse(); got != 1 {
		t.Errorf("mapping slots after failed fork: got %d, want 1", got)
	}
	if got := k.MemoryFile().Stats().Free; got != 64 {
		t.Errorf("free frames after failed fork: got %d, want 64", got)
	}
}

func TestFDTableForkDropsCopiedRefs(t *testing.T) {
	if invariant.Debug() {
		t.Skip("closed files in a descriptor table panic in debug builds")
	}
	k, ctx := newTestKernel(t, nil)
	k.FileSystem().Create("data", nil)
	p := k.NewProcess()
	live := mustOpen(t, ctx, p, "data", linux.O_RDONLY)
	stale := mustOpen(t, ctx, p, "data", linux.O_RDONLY)
	lf, _ := p.FDTable().Get(live)
	sf, _ := p.FDTable().Get(stale)
	if err := k.Files().DecRef(ctx, sf); err != nil {
		t.Fatalf("DecRef: %v", err)
	}

	if _, err := p.FDTable().Fork(ctx, k.Files()); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Fatalf("Fork with a closed file: got %v, want EBADF", err)
	}
	if got := k.Files().Refs(lf); got != 1 {
		t.Errorf("refs of copied file after failed fork: got %d, want 1", got)
	}
	if _, err := p.FDTable().Remove(stale); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestDescriptors(t *testing.T) {
	k, ctx := newTestKernel(t, func(o *Opts) { o.FDsPerProcess = 2 })
	p := k.NewProcess()
	fd := mustOpen(t, ctx, p, "new", linux.O_CREATE|linux.O_RDWR)
	if _, err := p.Open(ctx, "missing", linux.O_RDONLY); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Open(missing): got %v, want ENOENT", err)
	}
	dup, err := p.Dup(ctx, fd)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if _, err := p.Dup(ctx, fd); !linuxerr.Equals(linuxerr.EMFILE, err) {
		t.Errorf("Dup with full table: got %v, want EMFILE", err)
	}
	if _, err := p.Open(ctx, "new", linux.O_RDONLY); !linuxerr.Equals(linuxerr.EMFILE, err) {
		t.Errorf("Open with full table: got %v, want EMFILE", err)
	}
	if got := k.Files().InUse(); got != 1 {
		t.Errorf("open files after failed Open: got %d, want 1", got)
	}

	// Both descriptors share one cursor.
	if _, err := p.Write(ctx, fd, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := p.Write(ctx, dup, []byte(" world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st, err := p.Fstat(ctx, fd)
	if err != nil {
		t.Fatalf("Fstat: %v", err)
	}
	if st.Size != 11 {
		t.Errorf("size: got %d, want 11", st.Size)
	}
	if err := p.Close(ctx, fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(ctx, fd); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("second Close: got %v, want EBADF", err)
	}
}

func TestTruncate(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	inode := k.FileSystem().Create("data", pattern(100))
	p := k.NewProcess()
	mustOpen(t, ctx, p, "data", linux.O_WRONLY|linux.O_TRUNC)
	if got := len(inode.Bytes()); got != 0 {
		t.Errorf("size after O_TRUNC: got %d, want 0", got)
	}
}

func TestPipeAcrossFork(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	parent := k.NewProcess()
	rfd, wfd, err := parent.Pipe(ctx)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	msg := pattern(2000)
	var g errgroup.Group
	g.Go(func() error {
		if err := child.Close(ctx, rfd); err != nil {
			return err
		}
		if _, err := child.Write(ctx, wfd, msg); err != nil {
			return err
		}
		return child.Exit(ctx)
	})

	if err := parent.Close(ctx, wfd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var got bytes.Buffer
	buf := make([]byte, 300)
	for {
		n, err := parent.Read(ctx, rfd, buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		got.Write(buf[:n])
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("child: %v", err)
	}
	if !bytes.Equal(got.Bytes(), msg) {
		t.Errorf("read %d bytes through the pipe, want %d", got.Len(), len(msg))
	}
}

func TestConsole(t *testing.T) {
	var out bytes.Buffer
	k, ctx := newTestKernel(t, func(o *Opts) { o.ConsoleOut = &out })
	p := k.NewProcess()
	fd := mustOpen(t, ctx, p, ConsoleName, linux.O_RDWR)
	if _, err := p.Write(ctx, fd, []byte("$ ")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := out.String(); got != "$ " {
		t.Errorf("console output: got %q, want \"$ \"", got)
	}
	if got := p.SysMmap(ctx, 0, 4096, linux.PROT_READ, linux.MAP_PRIVATE, fd, 0); got != linux.MAP_FAILED {
		t.Errorf("mmap of console: got %#x, want MAP_FAILED", got)
	}
}

func TestHostFileRoundTrip(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	path := filepath.Join(t.TempDir(), "host")
	if err := os.WriteFile(path, pattern(6000), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p := k.NewProcess()
	fd, err := p.OpenHost(ctx, path, linux.O_RDWR)
	if err != nil {
		t.Fatalf("OpenHost: %v", err)
	}
	addr, err := p.MMap(ctx, 0, 6000, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_SHARED, fd, 0)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if _, err := p.CopyOut(ctx, addr+5000, []byte("HOST")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if err := p.MUnmap(ctx, addr, 6000); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}

	// A second process opens the host file while the first still holds it.
	q := k.NewProcess()
	qfd, err := q.OpenHost(ctx, path, linux.O_RDONLY)
	if err != nil {
		t.Fatalf("OpenHost from a second process: %v", err)
	}
	if got := k.HostFiles().Len(); got != 1 {
		t.Errorf("host files open: got %d, want 1", got)
	}
	st, err := q.Fstat(ctx, qfd)
	if err != nil {
		t.Fatalf("Fstat: %v", err)
	}
	// The dirty page is written back whole.
	if st.Size != 8192 {
		t.Errorf("size after write-back: got %d, want 8192", st.Size)
	}
	buf := make([]byte, 5004)
	if n, err := q.Read(ctx, qfd, buf); err != nil || n != len(buf) {
		t.Fatalf("Read: got (%d, %v), want (%d, nil)", n, err, len(buf))
	}
	if got := string(buf[5000:]); got != "HOST" {
		t.Errorf("bytes at 5000: got %q, want HOST", got)
	}
	if err := q.Exit(ctx); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if err := p.Close(ctx, fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := k.HostFiles().Len(); got != 0 {
		t.Errorf("host files open after last close: got %d, want 0", got)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := make([]byte, 8192)
	copy(want, pattern(6000))
	copy(want[5000:], "HOST")
	if !bytes.Equal(got, want) {
		t.Errorf("host file after write-back differs")
	}
}

func TestConcurrentProcesses(t *testing.T) {
	k, ctx := newTestKernel(t, nil)
	const procs = 4
	for i := 0; i < procs; i++ {
		k.FileSystem().Create(fmt.Sprintf("f%d", i), pattern(4096))
	}

	var g errgroup.Group
	for i := 0; i < procs; i++ {
		p := k.NewProcess()
		name := fmt.Sprintf("f%d", i)
		g.Go(func() error {
			fd, err := p.Open(ctx, name, linux.O_RDWR)
			if err != nil {
				return err
			}
			addr, err := p.MMap(ctx, 0, 4096, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_SHARED, fd, 0)
			if err != nil {
				return err
			}
			if _, err := p.CopyOut(ctx, addr, []byte(name)); err != nil {
				return err
			}
			return p.Exit(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	for i := 0; i < procs; i++ {
		name := fmt.Sprintf("f%d", i)
		inode, _ := k.FileSystem().Lookup(name)
		if got := string(inode.Bytes()[:len(name)]); got != name {
			t.Errorf("%s: got %q after write-back", name, got)
		}
	}
	if got := k.VMAPool().InUse(); got != 0 {
		t.Errorf("slots in use: got %d, want 0", got)
	}
}
