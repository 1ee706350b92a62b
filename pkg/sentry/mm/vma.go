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

package mm

import (
	"fmt"
	"sync"

	"github.com/labkernel/kmap/pkg/errors"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/fs"
	"golang.org/x/sys/unix"
)

// ErrPoolExhausted is returned when every mapping descriptor is in use.
var ErrPoolExhausted = errors.New(unix.ENOMEM, "mapping descriptors exhausted")

// A VMA is a mapping descriptor: a page-aligned range of a process's address
// space backed by an open file.
//
// Invariants: while inUse, end == start + length, and file holds one
// reference counted for this VMA.
type VMA struct {
	// mu protects inUse and serializes field copies during fork.
	mu    sync.Mutex
	inUse bool

	start  hostarch.Addr
	end    hostarch.Addr
	length uint64
	perms  hostarch.AccessType
	// private is true for MAP_PRIVATE mappings, whose changes are never
	// written back.
	private bool
	// offset is the file offset mapped at start.
	offset int64
	file   *fs.File
	hint   string
}

// Range returns the addresses covered by v.
func (v *VMA) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

// String implements fmt.Stringer.String.
func (v *VMA) String() string {
	mode := "s"
	if v.private {
		mode = "p"
	}
	return fmt.Sprintf("vma{%v %v%s off: %#x}", v.Range(), v.perms, mode, v.offset)
}

// writesBack reports whether modified pages of v reach the file.
func (v *VMA) writesBack() bool {
	return !v.private && v.perms.Write
}

func (v *VMA) info() VMAInfo {
	return VMAInfo{
		Range:  v.Range(),
		Perms:  v.perms,
		Shared: !v.private,
		Offset: v.offset,
		File:   v.file,
		Hint:   v.hint,
	}
}

// Pool is a fixed-capacity set of mapping descriptors shared by all
// processes.
//
// There is no pool-wide lock: each slot's mutex covers only the test-and-set
// of its in-use flag, so allocations in different processes contend only on
// the slot they both examine.
type Pool struct {
	slots []VMA
}

// NewPool returns a Pool with capacity descriptors.
func NewPool(capacity int) *Pool {
	return &Pool{slots: make([]VMA, capacity)}
}

// Allocate returns a free descriptor marked in use. The descriptor's fields
// are zero.
func (p *Pool) Allocate() (*VMA, error) {
	for i := range p.slots {
		v := &p.slots[i]
		v.mu.Lock()
		if !v.inUse {
			v.inUse = true
			v.mu.Unlock()
			return v, nil
		}
		v.mu.Unlock()
	}
	return nil, ErrPoolExhausted
}

// Release returns v to the pool.
//
// Preconditions: v is unlinked from its process and its file reference has
// been dropped.
func (p *Pool) Release(v *VMA) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.start = 0
	v.end = 0
	v.length = 0
	v.perms = hostarch.NoAccess
	v.private = false
	v.offset = 0
	v.file = nil
	v.hint = ""
	v.inUse = false
}

// Capacity returns the number of descriptors in the pool.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// InUse returns the number of allocated descriptors.
func (p *Pool) InUse() int {
	n := 0
	for i := range p.slots {
		v := &p.slots[i]
		v.mu.Lock()
		if v.inUse {
			n++
		}
		v.mu.Unlock()
	}
	return n
}
