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

package cmd

import (
	gocontext "context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/labkernel/kmap/kmap/cmd/util"
	"github.com/labkernel/kmap/kmap/config"
	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/log"
	"github.com/labkernel/kmap/pkg/sentry/kernel"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	length   uint64
	offset   int64
	private  bool
	readOnly bool
	write    string
	at       int64
	dump     int
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map a host file into a process and fault it in"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] <path> - map a host file, dump its first bytes, optionally
store data into the mapping and unmap it, writing shared pages back.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&m.length, "length", 4096, "number of bytes to map.")
	f.Int64Var(&m.offset, "offset", 0, "page aligned file offset of the mapping.")
	f.BoolVar(&m.private, "private", false, "create a private mapping; stores are not written back.")
	f.BoolVar(&m.readOnly, "read-only", false, "open the file and map it read only.")
	f.StringVar(&m.write, "write", "", "data to store into the mapping before unmapping it.")
	f.Int64Var(&m.at, "at", 0, "offset in the mapping where -write data is stored.")
	f.IntVar(&m.dump, "dump", 64, "number of bytes to dump from the start of the mapping.")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(ctx gocontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := newKernel(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	kctx := context.WithLogger(ctx, log.Log())
	err = m.run(kctx, k, f.Arg(0), os.Stdout)
	if serr := k.Shutdown(kctx); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// run maps path in a new process of k and reports to w.
func (m *Map) run(ctx context.Context, k *kernel.Kernel, path string, w io.Writer) error {
	p := k.NewProcess()
	flags, prot := linux.O_RDWR, linux.PROT_READ|linux.PROT_WRITE
	if m.readOnly {
		flags, prot = linux.O_RDONLY, linux.PROT_READ
	}
	mapFlags := linux.MAP_SHARED
	if m.private {
		mapFlags = linux.MAP_PRIVATE
	}

	fd, err := p.OpenHost(ctx, path, flags)
	if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}
	va, err := p.MMap(ctx, 0, m.length, prot, mapFlags, fd, m.offset)
	if err != nil {
		return fmt.Errorf("mapping %q: %w", path, err)
	}
	// The mapping holds its own reference to the file.
	if err := p.Close(ctx, fd); err != nil {
		return err
	}
	fmt.Fprintf(w, "mapped %q at %v\n", path, va)

	if n := min(uint64(m.dump), m.length); n > 0 {
		buf := make([]byte, n)
		if _, err := p.CopyIn(ctx, va, buf); err != nil {
			return fmt.Errorf("reading mapping: %w", err)
		}
		fmt.Fprint(w, hex.Dump(buf))
	}
	if m.write != "" {
		if _, err := p.CopyOut(ctx, va+hostarch.Addr(m.at), []byte(m.write)); err != nil {
			return fmt.Errorf("storing into mapping: %w", err)
		}
	}
	if err := p.MemoryManager().WriteMaps(p.Context(ctx), w); err != nil {
		return err
	}

	before := k.Journal().Ops()
	if err := p.MUnmap(ctx, va, m.length); err != nil {
		return fmt.Errorf("unmapping: %w", err)
	}
	fmt.Fprintf(w, "unmapped: %d file system transactions\n", k.Journal().Ops()-before)
	return p.Exit(ctx)
}
