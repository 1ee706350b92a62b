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

// Package mm implements file-backed memory mappings for user address
// spaces.
//
// A MemoryManager owns the mappings of one process. Each mapping is a VMA
// taken from a kernel-wide Pool and holds one reference on the open file it
// maps. Pages are populated lazily: MMap only records the mapping, and
// HandleFault reads the faulting page from the file into a fresh frame.
// Pages of shared writable mappings are written back to the file when they
// are unmapped.
//
// Lock order:
//
//	VMA.mu
//	  fs.Table.mu
//
// A MemoryManager is driven by a single goroutine (the process it belongs
// to); its VMA list is not locked. VMA.mu only guards a descriptor against
// concurrent allocation from the Pool and against concurrent reads of its
// fields during fork.
package mm

import (
	"time"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/log"
	"github.com/labkernel/kmap/pkg/sentry/fs"
	"github.com/labkernel/kmap/pkg/sentry/pagetables"
	"github.com/labkernel/kmap/pkg/sentry/pgalloc"
)

// FrameAllocator provides the physical frames that back resident pages.
type FrameAllocator interface {
	// AllocateZeroed returns a frame filled with zeroes.
	AllocateZeroed() (pgalloc.Frame, error)

	// Free returns a frame to the allocator.
	Free(fr pgalloc.Frame) error

	// Slice returns the memory of fr.
	Slice(fr pgalloc.Frame) []byte
}

// PageTable holds the translations of one address space.
type PageTable interface {
	// Map installs a translation of the page at va to fr.
	Map(va hostarch.Addr, fr pgalloc.Frame, flags pagetables.PTE) error

	// Lookup returns the translation of the page containing va.
	Lookup(va hostarch.Addr) (pagetables.PTE, bool)

	// Unmap removes the translations of resident pages in ar and returns
	// their frames.
	Unmap(ar hostarch.AddrRange) []pgalloc.Frame

	// ForEach calls fn for each resident page in ar in address order.
	ForEach(ar hostarch.AddrRange, fn func(va hostarch.Addr, pte pagetables.PTE) bool)
}

// FileRefs counts references on open files. It is implemented by
// *fs.Table.
type FileRefs interface {
	IncRef(f *fs.File) error
	DecRef(ctx context.Context, f *fs.File) error
}

// Layout bounds the region in which file mappings are placed. Mappings are
// stacked downward from Top and never extend below Bottom.
type Layout struct {
	Top    hostarch.Addr
	Bottom hostarch.Addr
}

// DefaultLayout places mappings below the trap frame, in the upper half of
// the user address space.
func DefaultLayout() Layout {
	return Layout{
		Top:    linux.TRAPFRAME,
		Bottom: linux.MAXVA / 2,
	}
}

// MemoryManagerOpts holds the collaborators of a MemoryManager.
type MemoryManagerOpts struct {
	// Pool provides mapping descriptors. It is shared by all processes.
	Pool *Pool

	// Files counts references on mapped files.
	Files FileRefs

	// Frames backs resident pages.
	Frames FrameAllocator

	// PageTable holds this address space's translations.
	PageTable PageTable

	// Layout bounds mapping placement. The zero value selects
	// DefaultLayout.
	Layout Layout

	// FaultWarnEvery limits how often faults outside any mapping are
	// logged. Zero selects one second.
	FaultWarnEvery time.Duration
}

// MemoryManager implements a process's file mappings.
type MemoryManager struct {
	pool   *Pool
	files  FileRefs
	frames FrameAllocator
	pt     PageTable
	layout Layout

	// vmas is the process's mapping list, in creation order. It is only
	// accessed by the owning process.
	vmas []*VMA

	// faultLog rate limits warnings about unhandled faults.
	faultLog log.Logger
}

// NewMemoryManager returns a MemoryManager with no mappings.
func NewMemoryManager(opts MemoryManagerOpts) *MemoryManager {
	if opts.Layout == (Layout{}) {
		opts.Layout = DefaultLayout()
	}
	if opts.FaultWarnEvery == 0 {
		opts.FaultWarnEvery = time.Second
	}
	return &MemoryManager{
		pool:     opts.Pool,
		files:    opts.Files,
		frames:   opts.Frames,
		pt:       opts.PageTable,
		layout:   opts.Layout,
		faultLog: log.BasicRateLimitedLogger(opts.FaultWarnEvery),
	}
}

// Layout returns the placement bounds of mm.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// PageTable returns mm's page table.
func (mm *MemoryManager) PageTable() PageTable {
	return mm.pt
}

// VMAInfo describes one mapping.
type VMAInfo struct {
	Range  hostarch.AddrRange
	Perms  hostarch.AccessType
	Shared bool
	Offset int64
	File   *fs.File
	Hint   string
}

// VMAs returns the mappings of mm in creation order.
func (mm *MemoryManager) VMAs() []VMAInfo {
	infos := make([]VMAInfo, 0, len(mm.vmas))
	for _, v := range mm.vmas {
		infos = append(infos, v.info())
	}
	return infos
}

// NumVMAs returns the number of mappings in mm.
func (mm *MemoryManager) NumVMAs() int {
	return len(mm.vmas)
}

// findVMA returns the index of the mapping containing addr, or -1.
func (mm *MemoryManager) findVMA(addr hostarch.Addr) int {
	for i, v := range mm.vmas {
		if v.start <= addr && addr < v.end {
			return i
		}
	}
	return -1
}

// removeVMA unlinks mm.vmas[i].
func (mm *MemoryManager) removeVMA(i int) {
	copy(mm.vmas[i:], mm.vmas[i+1:])
	mm.vmas[len(mm.vmas)-1] = nil
	mm.vmas = mm.vmas[:len(mm.vmas)-1]
}
