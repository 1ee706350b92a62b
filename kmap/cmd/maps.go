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
	"os"

	"github.com/google/subcommands"

	"github.com/labkernel/kmap/kmap/cmd/util"
	"github.com/labkernel/kmap/kmap/config"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/log"
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct{}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "print the address spaces left by a scenario"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps <scenario.yaml> - run a scenario without exiting its processes,
then print each process's mappings and the kernel's pool usage.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Maps) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Maps) Execute(ctx gocontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := runScenario(context.WithLogger(ctx, log.Log()), conf, f.Arg(0), false, true, os.Stdout); err != nil {
		util.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
