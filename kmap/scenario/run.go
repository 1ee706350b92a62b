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

package scenario

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/kernel"
)

// RunOpts configures Run.
type RunOpts struct {
	// Out receives the output of maps steps. Nil discards it.
	Out io.Writer

	// Keep leaves the processes running after their steps, so the caller
	// can inspect them. Otherwise each process exits when it is done.
	Keep bool
}

// Result describes one process after Run.
type Result struct {
	Name string
	PID  int32

	// Killed is true if the process was killed by a fault.
	Killed bool
}

// Run creates s's files in k, starts its processes and waits for all of them.
// The first failing step cancels the others; its error is returned.
func (s *Scenario) Run(ctx context.Context, k *kernel.Kernel, opts RunOpts) ([]Result, error) {
	for name, data := range s.Files {
		k.FileSystem().Create(name, []byte(data))
	}
	out := &syncWriter{w: opts.Out}
	if out.w == nil {
		out.w = io.Discard
	}

	results := make([]Result, len(s.Processes))
	g, gctx := errgroup.WithContext(ctx)
	for i, proc := range s.Processes {
		i, proc := i, proc
		p := k.NewProcess()
		results[i] = Result{Name: proc.Name, PID: p.PID()}
		t := &thread{
			s:    s,
			name: proc.Name,
			p:    p,
			vars: make(map[string]int64),
			out:  out,
		}
		g.Go(func() error {
			tctx := context.WithLogger(gctx, ctx)
			err := t.run(tctx, proc.Steps)
			results[i].Killed = p.Killed()
			if !opts.Keep || p.Killed() {
				if xerr := p.Exit(tctx); xerr != nil && err == nil {
					err = fmt.Errorf("process %q: exit: %w", proc.Name, xerr)
				}
			}
			return err
		})
	}
	return results, g.Wait()
}

// syncWriter serializes writes from concurrent processes.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// Write implements io.Writer.
func (w *syncWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(b)
}

// thread runs the steps of one process.
type thread struct {
	s    *Scenario
	name string
	p    *kernel.Process

	// vars holds the descriptors and addresses named by As.
	vars map[string]int64
	out  io.Writer
}

func (t *thread) run(ctx context.Context, steps []Step) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		st := &steps[i]
		err := t.step(ctx, st)
		if err := checkErr(st, err); err != nil {
			return fmt.Errorf("process %q (pid %d) step %d (%s): %w", t.name, t.p.PID(), i, st.Op, err)
		}
		if st.VMAs != nil {
			if got := t.p.MemoryManager().NumVMAs(); got != *st.VMAs {
				return fmt.Errorf("process %q (pid %d) step %d (%s): got %d mappings, want %d", t.name, t.p.PID(), i, st.Op, got, *st.VMAs)
			}
		}
		if st.Op == "exit" || t.p.Killed() {
			return nil
		}
	}
	return nil
}

func checkErr(st *Step, err error) error {
	switch {
	case st.ExpectErr == "" && err != nil:
		return err
	case st.ExpectErr == "":
		return nil
	case err == nil:
		return fmt.Errorf("succeeded, want %s", st.ExpectErr)
	}
	if got := unix.ErrnoName(linuxerr.ToUnix(err)); got != st.ExpectErr {
		return fmt.Errorf("got error %v (%s), want %s", err, got, st.ExpectErr)
	}
	return nil
}

func (t *thread) step(ctx context.Context, st *Step) error {
	switch st.Op {
	case "open":
		flags, err := openFlags(st.Flags)
		if err != nil {
			return err
		}
		fd, err := t.p.Open(ctx, st.Name, flags)
		return t.bind(st, int64(fd), err)

	case "openhost":
		flags, err := openFlags(st.Flags)
		if err != nil {
			return err
		}
		path := st.Name
		if !filepath.IsAbs(path) {
			path = filepath.Join(t.s.dir, path)
		}
		fd, err := t.p.OpenHost(ctx, path, flags)
		return t.bind(st, int64(fd), err)

	case "close":
		fd, err := t.lookup(st.FD)
		if err != nil {
			return err
		}
		return t.p.Close(ctx, int(fd))

	case "dup":
		fd, err := t.lookup(st.FD)
		if err != nil {
			return err
		}
		nfd, err := t.p.Dup(ctx, int(fd))
		return t.bind(st, int64(nfd), err)

	case "read":
		fd, err := t.lookup(st.FD)
		if err != nil {
			return err
		}
		buf := make([]byte, st.Length)
		n, err := t.p.Read(ctx, int(fd), buf)
		if err != nil {
			return err
		}
		return expect(st, buf[:n])

	case "write":
		fd, err := t.lookup(st.FD)
		if err != nil {
			return err
		}
		_, err = t.p.Write(ctx, int(fd), []byte(st.Data))
		return err

	case "mmap":
		fd, err := t.lookup(st.FD)
		if err != nil {
			return err
		}
		prot, err := protFlags(st.Prot)
		if err != nil {
			return err
		}
		var flags int
		switch st.Map {
		case "shared":
			flags = linux.MAP_SHARED
		case "private":
			flags = linux.MAP_PRIVATE
		case "":
		default:
			return fmt.Errorf("invalid map %q", st.Map)
		}
		va, err := t.p.MMap(ctx, 0, st.Length, prot, flags, int(fd), st.Offset)
		return t.bind(st, int64(va), err)

	case "munmap":
		addr, err := t.addr(st)
		if err != nil {
			return err
		}
		return t.p.MUnmap(ctx, addr, st.Length)

	case "load":
		addr, err := t.addr(st)
		if err != nil {
			return err
		}
		buf := make([]byte, st.Length)
		n, err := t.p.CopyIn(ctx, addr, buf)
		if err != nil {
			return err
		}
		return expect(st, buf[:n])

	case "store":
		addr, err := t.addr(st)
		if err != nil {
			return err
		}
		_, err = t.p.CopyOut(ctx, addr, []byte(st.Data))
		return err

	case "fault":
		addr, err := t.addr(st)
		if err != nil {
			return err
		}
		return t.p.HandlePageFault(ctx, addr)

	case "fork":
		return t.fork(ctx, st)

	case "exit":
		return t.p.Exit(ctx)

	case "maps":
		if _, err := fmt.Fprintf(t.out, "# %s (pid %d)\n", t.name, t.p.PID()); err != nil {
			return err
		}
		return t.p.MemoryManager().WriteMaps(t.p.Context(ctx), t.out)
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// fork runs st.Steps in a child of t's process, then exits the child.
func (t *thread) fork(ctx context.Context, st *Step) error {
	child, err := t.p.Fork(ctx)
	if err != nil {
		return err
	}
	ct := &thread{
		s:    t.s,
		name: t.name + "/child",
		p:    child,
		vars: make(map[string]int64, len(t.vars)),
		out:  t.out,
	}
	for k, v := range t.vars {
		ct.vars[k] = v
	}
	err = ct.run(ctx, st.Steps)
	if xerr := child.Exit(ctx); xerr != nil && err == nil {
		err = fmt.Errorf("child exit: %w", xerr)
	}
	return err
}

func (t *thread) bind(st *Step, v int64, err error) error {
	if err != nil {
		return err
	}
	if st.As != "" {
		t.vars[st.As] = v
	}
	return nil
}

// lookup resolves a name bound by an earlier step, or a literal number.
func (t *thread) lookup(name string) (int64, error) {
	if v, ok := t.vars[name]; ok {
		return v, nil
	}
	v, err := strconv.ParseInt(name, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown name %q", name)
	}
	return v, nil
}

func (t *thread) addr(st *Step) (hostarch.Addr, error) {
	base, err := t.lookup(st.Addr)
	if err != nil {
		return 0, err
	}
	return hostarch.Addr(base + st.Offset), nil
}

func expect(st *Step, got []byte) error {
	if st.Expect != "" && string(got) != st.Expect {
		return fmt.Errorf("got %q want %q", got, st.Expect)
	}
	return nil
}

func openFlags(names []string) (int, error) {
	var flags int
	for _, n := range names {
		switch n {
		case "rdonly":
			flags |= linux.O_RDONLY
		case "wronly":
			flags |= linux.O_WRONLY
		case "rdwr":
			flags |= linux.O_RDWR
		case "create":
			flags |= linux.O_CREATE
		case "trunc":
			flags |= linux.O_TRUNC
		default:
			return 0, fmt.Errorf("invalid open flag %q", n)
		}
	}
	return flags, nil
}

func protFlags(names []string) (int, error) {
	var prot int
	for _, n := range names {
		switch n {
		case "read":
			prot |= linux.PROT_READ
		case "write":
			prot |= linux.PROT_WRITE
		case "exec":
			prot |= linux.PROT_EXEC
		default:
			return 0, fmt.Errorf("invalid prot %q", n)
		}
	}
	return prot, nil
}
