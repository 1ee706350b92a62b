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

// Package cmd holds implementations of the kmap commands.
package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/labkernel/kmap/kmap/config"
	"github.com/labkernel/kmap/pkg/log"
	"github.com/labkernel/kmap/pkg/sentry/kernel"
)

// newKernel creates a kernel configured by conf, with the configured files
// created in its file system. The console writes to stdout.
func newKernel(conf *config.Config) (*kernel.Kernel, error) {
	opts := conf.KernelOpts()
	opts.ConsoleOut = os.Stdout
	opts.ConsoleIn = os.Stdin
	k, err := kernel.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	names := make([]string, 0, len(conf.Files))
	for name := range conf.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		k.FileSystem().Create(name, []byte(conf.Files[name]))
		log.Debugf("Created file %q (%d bytes)", name, len(conf.Files[name]))
	}
	return k, nil
}
