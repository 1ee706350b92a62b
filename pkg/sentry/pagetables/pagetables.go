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

// Package pagetables maps user virtual pages to physical frames.
//
// Entries are kept in a B-tree ordered by virtual address, so that range
// removal and dumps visit only the pages that are actually resident.
package pagetables

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/pgalloc"
)

// PTE is a page table entry in Sv39 layout: the frame number above bit 10,
// flag bits below.
type PTE uint64

const flagBits = 10

// MakePTE returns the entry mapping fr with flags. The valid bit is always
// set.
func MakePTE(fr pgalloc.Frame, flags PTE) PTE {
	return PTE(fr)<<flagBits | flags&(1<<flagBits-1) | linux.PTE_V
}

// Frame returns the frame e maps.
func (e PTE) Frame() pgalloc.Frame {
	return pgalloc.Frame(e >> flagBits)
}

// Flags returns the flag bits of e.
func (e PTE) Flags() PTE {
	return e & (1<<flagBits - 1)
}

// Valid returns true if e is valid.
func (e PTE) Valid() bool { return e&linux.PTE_V != 0 }

// Access returns the permissions granted by e.
func (e PTE) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    e&linux.PTE_R != 0,
		Write:   e&linux.PTE_W != 0,
		Execute: e&linux.PTE_X != 0,
	}
}

// String implements fmt.Stringer.String.
func (e PTE) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit PTE
		c   byte
	}{{linux.PTE_V, 'v'}, {linux.PTE_R, 'r'}, {linux.PTE_W, 'w'}, {linux.PTE_X, 'x'}, {linux.PTE_U, 'u'}} {
		if e&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return fmt.Sprintf("%s %v", b.String(), e.Frame())
}

// UserFlags returns the flags for a user page accessible with at.
func UserFlags(at hostarch.AccessType) PTE {
	flags := PTE(linux.PTE_U)
	if at.Read {
		flags |= linux.PTE_R
	}
	if at.Write {
		flags |= linux.PTE_W
	}
	if at.Execute {
		flags |= linux.PTE_X
	}
	return flags
}

type entry struct {
	va  hostarch.Addr
	pte PTE
}

func less(a, b entry) bool { return a.va < b.va }

// PageTables is one address space's translations.
type PageTables struct {
	mu   sync.Mutex
	tree *btree.BTreeG[entry]
}

// New returns empty page tables.
func New() *PageTables {
	return &PageTables{tree: btree.NewG(16, less)}
}

// Map installs a translation of the page at va to fr.
//
// It returns EINVAL if va is not page-aligned and EEXIST if the page is
// already mapped.
func (p *PageTables) Map(va hostarch.Addr, fr pgalloc.Frame, flags PTE) error {
	if !va.IsPageAligned() {
		return linuxerr.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tree.Has(entry{va: va}) {
		return linuxerr.EEXIST
	}
	p.tree.ReplaceOrInsert(entry{va: va, pte: MakePTE(fr, flags)})
	return nil
}

// Lookup returns the entry for the page containing va.
func (p *PageTables) Lookup(va hostarch.Addr) (PTE, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tree.Get(entry{va: va.RoundDown()})
	return e.pte, ok
}

// Unmap removes the translations of all resident pages in ar and returns the
// frames they mapped, in address order. Pages without a translation are
// skipped.
func (p *PageTables) Unmap(ar hostarch.AddrRange) []pgalloc.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var victims []entry
	p.tree.AscendRange(entry{va: ar.Start}, entry{va: ar.End}, func(e entry) bool {
		victims = append(victims, e)
		return true
	})
	frames := make([]pgalloc.Frame, 0, len(victims))
	for _, e := range victims {
		p.tree.Delete(e)
		frames = append(frames, e.pte.Frame())
	}
	return frames
}

// ForEach calls fn for each resident page in ar in address order, until fn
// returns false.
func (p *PageTables) ForEach(ar hostarch.AddrRange, fn func(va hostarch.Addr, pte PTE) bool) {
	p.mu.Lock()
	var entries []entry
	p.tree.AscendRange(entry{va: ar.Start}, entry{va: ar.End}, func(e entry) bool {
		entries = append(entries, e)
		return true
	})
	p.mu.Unlock()
	for _, e := range entries {
		if !fn(e.va, e.pte) {
			return
		}
	}
}

// Len returns the number of resident pages.
func (p *PageTables) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.Len()
}
