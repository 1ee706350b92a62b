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

// Package pgalloc contains the physical page allocator, which hands out
// page-sized frames of memory that may be mapped into address spaces.
package pgalloc

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/labkernel/kmap/pkg/errors"
	"github.com/labkernel/kmap/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// ErrNoMemory is returned by AllocateZeroed when every frame is in use.
var ErrNoMemory = errors.New(unix.ENOMEM, "out of physical frames")

// Frame is the number of a physical page frame.
type Frame uint32

// Addr returns the physical address of the first byte of fr.
func (fr Frame) Addr() uint64 {
	return uint64(fr) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (fr Frame) String() string {
	return fmt.Sprintf("frame %d", uint32(fr))
}

// MemoryFile is a fixed pool of page frames carved out of one host memory
// region.
//
// Each frame is either free or used. Free frames are tracked in a roaring
// bitmap. AllocateZeroed always returns the lowest free frame, which keeps
// allocation deterministic.
type MemoryFile struct {
	// mu protects the fields below.
	mu sync.Mutex

	// mem is the backing memory. It is nil once the file is closed.
	mem []byte

	// free holds the numbers of free frames.
	free *roaring.Bitmap

	frames uint32

	// allocs and frees count successful calls over the file's life.
	allocs uint64
	frees  uint64
}

// NewMemoryFile returns a MemoryFile with frames free frames.
func NewMemoryFile(frames int) (*MemoryFile, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", frames)
	}
	mem, err := mapMemory(frames * hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("allocating %d frames: %w", frames, err)
	}
	free := roaring.New()
	free.AddRange(0, uint64(frames))
	return &MemoryFile{
		mem:    mem,
		free:   free,
		frames: uint32(frames),
	}, nil
}

// AllocateZeroed allocates one frame and fills it with zeroes.
func (f *MemoryFile) AllocateZeroed() (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mem == nil {
		return 0, fmt.Errorf("allocate from closed memory file")
	}
	if f.free.IsEmpty() {
		return 0, ErrNoMemory
	}
	fr := Frame(f.free.Minimum())
	f.free.Remove(uint32(fr))
	f.allocs++
	clear(f.slice(fr))
	return fr, nil
}

// Free returns fr to the pool. Freeing a frame that is not allocated is an
// error.
func (f *MemoryFile) Free(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint32(fr) >= f.frames {
		return fmt.Errorf("free of %v beyond %d frames", fr, f.frames)
	}
	if !f.free.CheckedAdd(uint32(fr)) {
		return fmt.Errorf("double free of %v", fr)
	}
	f.frees++
	return nil
}

// Slice returns the memory of fr. The slice aliases the frame and stays
// valid until the file is closed.
func (f *MemoryFile) Slice(fr Frame) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slice(fr)
}

// Preconditions: f.mu is locked.
func (f *MemoryFile) slice(fr Frame) []byte {
	if f.mem == nil || uint32(fr) >= f.frames {
		panic(fmt.Sprintf("slice of %v out of range", fr))
	}
	start := int(fr) * hostarch.PageSize
	return f.mem[start : start+hostarch.PageSize : start+hostarch.PageSize]
}

// Stats describes the state of a MemoryFile.
type Stats struct {
	Frames uint32
	Free   uint64
	Allocs uint64
	Frees  uint64
}

// Stats returns a snapshot of f's counters.
func (f *MemoryFile) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Frames: f.frames,
		Free:   f.free.GetCardinality(),
		Allocs: f.allocs,
		Frees:  f.frees,
	}
}

// Close releases the backing memory. Frames must not be used afterwards.
func (f *MemoryFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mem == nil {
		return nil
	}
	err := unmapMemory(f.mem)
	f.mem = nil
	return err
}
