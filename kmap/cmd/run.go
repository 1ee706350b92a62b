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
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/labkernel/kmap/kmap/cmd/util"
	"github.com/labkernel/kmap/kmap/config"
	"github.com/labkernel/kmap/kmap/scenario"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/log"
	"github.com/labkernel/kmap/pkg/sentry/kernel"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// dump prints the decoded scenario before running it.
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario of concurrent processes"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml> - run the processes of a scenario file
concurrently in one kernel and report how each ended.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.dump, "dump", false, "print the decoded scenario before running it.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx gocontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := runScenario(context.WithLogger(ctx, log.Log()), conf, f.Arg(0), r.dump, false, os.Stdout); err != nil {
		util.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runScenario runs the scenario at path in a new kernel. With keep, the
// address space of every process still running afterwards is printed.
func runScenario(ctx context.Context, conf *config.Config, path string, dump, keep bool, w io.Writer) error {
	s, err := scenario.Load(path)
	if err != nil {
		return err
	}
	if dump {
		if err := s.Dump(w); err != nil {
			return err
		}
	}
	k, err := newKernel(conf)
	if err != nil {
		return err
	}
	results, err := s.Run(ctx, k, scenario.RunOpts{Out: w, Keep: keep})
	if err == nil {
		for _, res := range results {
			status := "exited"
			if res.Killed {
				status = "killed"
			}
			fmt.Fprintf(w, "%s (pid %d): %s\n", res.Name, res.PID, status)
		}
		if keep {
			err = printMaps(ctx, k, w)
		}
	}
	if serr := k.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	return err
}

func printMaps(ctx context.Context, k *kernel.Kernel, w io.Writer) error {
	for _, p := range k.Processes() {
		fmt.Fprintf(w, "# pid %d\n", p.PID())
		if err := p.MemoryManager().WriteMaps(p.Context(ctx), w); err != nil {
			return err
		}
	}
	st := k.MemoryFile().Stats()
	fmt.Fprintf(w, "# frames %d free %d, vmas %d of %d, files %d of %d\n",
		st.Frames, st.Free, k.VMAPool().InUse(), k.VMAPool().Capacity(), k.Files().InUse(), k.Files().Capacity())
	return nil
}
