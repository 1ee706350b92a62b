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

package fs

import (
	"sync"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
)

// Log brackets storage-layer writes in transactions of bounded size.
type Log interface {
	// BeginOp starts a file system operation, blocking while the log has no
	// room for it.
	BeginOp(ctx context.Context)

	// EndOp ends the operation started by the matching BeginOp.
	EndOp(ctx context.Context)

	// MaxWrite is the largest number of bytes a single operation may write
	// to an inode.
	MaxWrite() int
}

// JournalOpts configures a Journal.
type JournalOpts struct {
	// MaxOpBlocks is the maximum number of blocks one operation writes.
	MaxOpBlocks int

	// BlockSize is the file system block size in bytes.
	BlockSize int

	// MaxOutstanding is the number of operations that may be in progress
	// at once. BeginOp blocks while it is reached.
	MaxOutstanding int
}

// DefaultJournalOpts returns the parameters of the on-disk file system.
func DefaultJournalOpts() JournalOpts {
	return JournalOpts{
		MaxOpBlocks:    linux.MAXOPBLOCKS,
		BlockSize:      linux.BSIZE,
		MaxOutstanding: 3,
	}
}

// Journal is a Log that bounds concurrent operations and groups them into
// commits: a commit happens whenever the last outstanding operation ends.
type Journal struct {
	opts JournalOpts

	mu   sync.Mutex
	cond sync.Cond

	// outstanding is the number of operations between BeginOp and EndOp.
	outstanding int

	// ops and commits count completed operations and group commits.
	ops     uint64
	commits uint64
}

// NewJournal returns a Journal configured by opts.
func NewJournal(opts JournalOpts) *Journal {
	if opts.MaxOutstanding < 1 {
		opts.MaxOutstanding = 1
	}
	j := &Journal{opts: opts}
	j.cond.L = &j.mu
	return j
}

// BeginOp implements Log.BeginOp.
func (j *Journal) BeginOp(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.outstanding >= j.opts.MaxOutstanding {
		j.cond.Wait()
	}
	j.outstanding++
}

// EndOp implements Log.EndOp.
func (j *Journal) EndOp(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outstanding == 0 {
		panic("EndOp without BeginOp")
	}
	j.outstanding--
	j.ops++
	if j.outstanding == 0 {
		j.commits++
	}
	j.cond.Broadcast()
}

// MaxWrite implements Log.MaxWrite. A write of n bytes dirties the inode,
// an indirect block, allocation bitmap blocks and the data blocks, plus two
// blocks of slop for unaligned writes.
func (j *Journal) MaxWrite() int {
	return ((j.opts.MaxOpBlocks - 1 - 1 - 2) / 2) * j.opts.BlockSize
}

// Ops returns the number of completed operations.
func (j *Journal) Ops() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ops
}

// Commits returns the number of group commits.
func (j *Journal) Commits() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commits
}
