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

// Package scenario runs scripted system call sequences against a kernel. A
// scenario is a YAML document listing files to create and processes to run;
// the processes run concurrently and share the kernel's pools.
//
// Example:
//
//	files:
//	  data: "hello world"
//	processes:
//	- name: writer
//	  steps:
//	  - {op: open, name: data, flags: [rdwr], as: fd}
//	  - {op: mmap, fd: fd, length: 4096, prot: [read, write], map: shared, as: m}
//	  - {op: close, fd: fd}
//	  - {op: store, addr: m, data: HELLO}
//	  - {op: munmap, addr: m, length: 4096}
package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is a decoded scenario file.
type Scenario struct {
	// Files are created in the kernel's file system before any process
	// runs, keyed by name.
	Files map[string]string `yaml:"files"`

	// Processes are started together and run concurrently.
	Processes []Process `yaml:"processes"`

	// dir resolves relative host paths of openhost steps.
	dir string
}

// Process is a named sequence of steps run by one process.
type Process struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one operation of a process.
type Step struct {
	// Op is the operation: open, openhost, close, dup, read, write, mmap,
	// munmap, load, store, fault, fork, exit or maps.
	Op string `yaml:"op"`

	// Name is the file name for open, or the host path for openhost.
	Name string `yaml:"name,omitempty"`

	// Flags are open flags: rdonly, wronly, rdwr, create and trunc.
	Flags []string `yaml:"flags,omitempty"`

	// FD names the descriptor an operation uses.
	FD string `yaml:"fd,omitempty"`

	// Addr names the mapping address an operation uses.
	Addr string `yaml:"addr,omitempty"`

	// Offset is the file offset for mmap. For munmap, load, store and
	// fault it is added to Addr.
	Offset int64 `yaml:"offset,omitempty"`

	// Length is the byte count for read, mmap, munmap and load.
	Length uint64 `yaml:"length,omitempty"`

	// Prot lists mapping permissions: read, write and exec.
	Prot []string `yaml:"prot,omitempty"`

	// Map is shared or private.
	Map string `yaml:"map,omitempty"`

	// Data is written by write and store.
	Data string `yaml:"data,omitempty"`

	// As names the result of open, openhost, dup and mmap, so later
	// steps can refer to it.
	As string `yaml:"as,omitempty"`

	// Expect is the data read or loaded. Empty skips the check.
	Expect string `yaml:"expect,omitempty"`

	// ExpectErr is the errno name the step must fail with, such as
	// EINVAL. Empty means the step must succeed.
	ExpectErr string `yaml:"expect_err,omitempty"`

	// VMAs, if set, is the number of mappings the process must have after
	// the step.
	VMAs *int `yaml:"vmas,omitempty"`

	// Steps are run by the child of a fork step, which exits when they
	// are done.
	Steps []Step `yaml:"steps,omitempty"`
}

// Parse decodes a scenario. Unknown fields are rejected. Relative host paths
// are resolved against dir.
func Parse(r io.Reader, dir string) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty scenario")
		}
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	s.dir = dir
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads the scenario file at path.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(bytes.NewReader(b), filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

var knownOps = map[string]bool{
	"open": true, "openhost": true, "close": true, "dup": true,
	"read": true, "write": true, "mmap": true, "munmap": true,
	"load": true, "store": true, "fault": true, "fork": true,
	"exit": true, "maps": true,
}

func (s *Scenario) validate() error {
	if len(s.Processes) == 0 {
		return fmt.Errorf("scenario has no processes")
	}
	for i, p := range s.Processes {
		if p.Name == "" {
			return fmt.Errorf("process %d has no name", i)
		}
		if err := validateSteps(p.Name, p.Steps); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(proc string, steps []Step) error {
	for i, st := range steps {
		if !knownOps[st.Op] {
			return fmt.Errorf("process %q step %d: unknown op %q", proc, i, st.Op)
		}
		if len(st.Steps) > 0 && st.Op != "fork" {
			return fmt.Errorf("process %q step %d: only fork takes steps", proc, i)
		}
		if err := validateSteps(proc, st.Steps); err != nil {
			return err
		}
	}
	return nil
}

// Dump encodes s as YAML.
func (s *Scenario) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}
