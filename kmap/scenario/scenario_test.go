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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/context/contexttest"
	"github.com/labkernel/kmap/pkg/sentry/kernel"
)

func newTestKernel(t *testing.T) (*kernel.Kernel, context.Context) {
	t.Helper()
	opts := kernel.DefaultOpts()
	opts.Frames = 64
	k, err := kernel.New(opts)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	ctx := contexttest.Context(t)
	t.Cleanup(func() {
		if err := k.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return k, ctx
}

func mustParse(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := Parse(strings.NewReader(doc), t.TempDir())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return s
}

func fileContents(t *testing.T, k *kernel.Kernel, name string) string {
	t.Helper()
	inode, ok := k.FileSystem().Lookup(name)
	if !ok {
		t.Fatalf("file %q not found", name)
	}
	return string(inode.Bytes())
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "no processes", doc: "files: {a: b}\n"},
		{name: "unknown field", doc: "processes:\n- name: p\n  steps:\n  - {op: open, nmae: a}\n"},
		{name: "unknown op", doc: "processes:\n- name: p\n  steps:\n  - {op: mprotect}\n"},
		{name: "unnamed", doc: "processes:\n- steps:\n  - {op: exit}\n"},
		{name: "nested steps", doc: "processes:\n- name: p\n  steps:\n  - {op: exit, steps: [{op: exit}]}\n"},
		{name: "nested unknown op", doc: "processes:\n- name: p\n  steps:\n  - {op: fork, steps: [{op: brk}]}\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.doc), ""); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tc.doc)
			}
		})
	}
}

func TestDumpRoundTrip(t *testing.T) {
	s := mustParse(t, `
files: {data: abc}
processes:
- name: p
  steps:
  - {op: open, name: data, flags: [rdonly], as: fd}
  - {op: fork, steps: [{op: read, fd: fd, length: 3, expect: abc}]}
`)
	var buf bytes.Buffer
	if err := s.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	got, err := Parse(&buf, s.dir)
	if err != nil {
		t.Fatalf("Parse(Dump()): %v", err)
	}
	if diff := cmp.Diff(s, got, cmp.AllowUnexported(Scenario{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWriteBack(t *testing.T) {
	k, ctx := newTestKernel(t)
	s := mustParse(t, `
files:
  data: "hello world"
processes:
- name: writer
  steps:
  - {op: open, name: data, flags: [rdwr], as: fd}
  - {op: mmap, fd: fd, length: 4096, prot: [read, write], map: shared, as: m, vmas: 1}
  - {op: close, fd: fd}
  - {op: load, addr: m, length: 5, expect: hello}
  - {op: store, addr: m, data: HELLO}
  - {op: munmap, addr: m, length: 4096, vmas: 0}
`)
	results, err := s.Run(ctx, k, RunOpts{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []Result{{Name: "writer", PID: 1}}; !cmp.Equal(results, want) {
		t.Errorf("results: got %+v want %+v", results, want)
	}
	// The dirty page is written back whole.
	want := "HELLO world" + strings.Repeat("\x00", 4096-len("HELLO world"))
	if got := fileContents(t, k, "data"); got != want {
		t.Errorf("file after munmap: got %q want %q", got, want)
	}
	if got := len(k.Processes()); got != 0 {
		t.Errorf("live processes after Run: got %d want 0", got)
	}
}

func TestRunPrivateFork(t *testing.T) {
	k, ctx := newTestKernel(t)
	s := mustParse(t, `
files:
  data: "original"
processes:
- name: parent
  steps:
  - {op: open, name: data, flags: [rdwr], as: fd}
  - {op: mmap, fd: fd, length: 4096, prot: [read, write], map: private, as: m}
  - {op: store, addr: m, data: PARENT}
  - op: fork
    steps:
    - {op: load, addr: m, length: 8, expect: original, vmas: 1}
    - {op: store, addr: m, data: CHILD}
    - {op: read, fd: fd, length: 8, expect: original}
  - {op: load, addr: m, length: 8, expect: PARENTal}
  - {op: exit}
`)
	if _, err := s.Run(ctx, k, RunOpts{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := fileContents(t, k, "data"), "original"; got != want {
		t.Errorf("file after private stores: got %q want %q", got, want)
	}
}

func TestRunExpectedErrors(t *testing.T) {
	k, ctx := newTestKernel(t)
	s := mustParse(t, `
files:
  ro: "read only"
processes:
- name: p
  steps:
  - {op: open, name: ro, flags: [rdonly], as: fd}
  - {op: mmap, fd: fd, length: 0, prot: [read], map: shared, expect_err: EINVAL}
  - {op: mmap, fd: fd, length: 4096, prot: [read, write], map: shared, expect_err: EACCES}
  - {op: mmap, fd: fd, length: 4096, prot: [read], map: private, as: m}
  - {op: store, addr: m, data: x, expect_err: EFAULT}
  - {op: munmap, addr: m, offset: 4096, length: 4096, expect_err: EINVAL}
  - {op: close, fd: 9, expect_err: EBADF}
  - {op: fault, addr: "0x1000", expect_err: EFAULT}
  - {op: load, addr: m, length: 1, expect: unreachable}
`)
	results, err := s.Run(ctx, k, RunOpts{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Killed {
		t.Errorf("process not killed by fault on unmapped address")
	}
}

func TestRunStepFailure(t *testing.T) {
	k, ctx := newTestKernel(t)
	s := mustParse(t, `
files:
  data: "abc"
processes:
- name: p
  steps:
  - {op: open, name: data, flags: [rdonly], as: fd}
  - {op: read, fd: fd, length: 3, expect: xyz}
`)
	_, err := s.Run(ctx, k, RunOpts{})
	if err == nil {
		t.Fatalf("Run succeeded, want mismatch error")
	}
	if !strings.Contains(err.Error(), `process "p"`) {
		t.Errorf("error %q does not name the process", err)
	}

	s = mustParse(t, `
processes:
- name: q
  steps:
  - {op: close, fd: nofd}
`)
	if _, err := s.Run(ctx, k, RunOpts{}); err == nil {
		t.Errorf("Run with an unknown name succeeded, want error")
	}

	s = mustParse(t, `
processes:
- name: r
  steps:
  - {op: open, name: missing, flags: [rdonly], expect_err: ENOENT}
  - {op: open, name: missing, flags: [rdonly], expect_err: EINVAL}
`)
	if _, err := s.Run(ctx, k, RunOpts{}); err == nil {
		t.Errorf("Run with the wrong errno succeeded, want error")
	}
}

func TestRunConcurrent(t *testing.T) {
	k, ctx := newTestKernel(t)
	var doc strings.Builder
	doc.WriteString("files:\n")
	const procs = 4
	for i := 0; i < procs; i++ {
		fmt.Fprintf(&doc, "  f%d: %q\n", i, strings.Repeat(".", 5000))
	}
	doc.WriteString("processes:\n")
	for i := 0; i < procs; i++ {
		fmt.Fprintf(&doc, `- name: p%d
  steps:
  - {op: open, name: f%d, flags: [rdwr], as: fd}
  - {op: mmap, fd: fd, length: 8192, prot: [read, write], map: shared, as: m}
  - {op: store, addr: m, offset: 4095, data: "p%d"}
  - {op: maps}
`, i, i, i)
	}
	s := mustParse(t, doc.String())

	var out bytes.Buffer
	results, err := s.Run(ctx, k, RunOpts{Out: &out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(results); got != procs {
		t.Fatalf("results: got %d want %d", got, procs)
	}
	for i := 0; i < procs; i++ {
		got := fileContents(t, k, fmt.Sprintf("f%d", i))
		if want := fmt.Sprintf("p%d", i); got[4095:4097] != want {
			t.Errorf("f%d[4095:4097]: got %q want %q", i, got[4095:4097], want)
		}
		if len(got) != 8192 {
			t.Errorf("f%d size: got %d want 8192", i, len(got))
		}
	}
	if got := strings.Count(out.String(), "rw-s"); got != procs {
		t.Errorf("maps lines: got %d want %d in\n%s", got, procs, out.String())
	}
}

func TestRunKeep(t *testing.T) {
	k, ctx := newTestKernel(t)
	s := mustParse(t, `
files: {data: abc}
processes:
- name: p
  steps:
  - {op: open, name: data, flags: [rdonly], as: fd}
  - {op: mmap, fd: fd, length: 4096, prot: [read], map: private}
`)
	results, err := s.Run(ctx, k, RunOpts{Keep: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p, ok := k.Process(results[0].PID)
	if !ok {
		t.Fatalf("process %d not kept", results[0].PID)
	}
	if got := p.MemoryManager().NumVMAs(); got != 1 {
		t.Errorf("kept mappings: got %d want 1", got)
	}
}

func TestLoadHostFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "host.txt"), []byte("from the host"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	path := filepath.Join(dir, "scenario.yaml")
	doc := `
processes:
- name: p
  steps:
  - {op: openhost, name: host.txt, flags: [rdwr], as: fd}
  - {op: mmap, fd: fd, length: 4096, prot: [read, write], map: shared, as: m}
  - {op: store, addr: m, data: FROM}
  - {op: munmap, addr: m, length: 4096}
  - {op: openhost, name: host.txt, flags: [rdonly], as: again}
  - {op: read, fd: again, length: 4, expect: FROM}
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	k, ctx := newTestKernel(t)
	if _, err := s.Run(ctx, k, RunOpts{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "host.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if want := "FROM the host"; !strings.HasPrefix(string(got), want) {
		t.Errorf("host file: got %q want prefix %q", got, want)
	}
	if len(got) != 4096 {
		t.Errorf("host file size: got %d want 4096", len(got))
	}
}
