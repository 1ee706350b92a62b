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

// Package pipe implements bounded in-kernel pipes.
package pipe

import (
	gocontext "context"
	"sync"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/context"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
)

// Pipe is a ring buffer shared by one read end and one write end. It
// implements fs.Pipe.
type Pipe struct {
	mu   sync.Mutex
	cond sync.Cond

	buf []byte
	// nread and nwrite count bytes read and written over the pipe's life.
	// nwrite-nread bytes are buffered.
	nread  uint64
	nwrite uint64

	readOpen  bool
	writeOpen bool
}

// New returns a pipe with both ends open and room for size bytes. A size of
// zero selects linux.PIPESIZE.
func New(size int) *Pipe {
	if size <= 0 {
		size = linux.PIPESIZE
	}
	p := &Pipe{
		buf:       make([]byte, size),
		readOpen:  true,
		writeOpen: true,
	}
	p.cond.L = &p.mu
	return p
}

// wait blocks on p.cond until woken or ctx is done.
//
// Preconditions: p.mu is locked.
func (p *Pipe) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := gocontext.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	stop()
	return ctx.Err()
}

// Read implements fs.Pipe.Read. It blocks until at least one byte is
// buffered, then returns what is available. It returns 0 once the pipe is
// empty and the write end is closed.
func (p *Pipe) Read(ctx context.Context, dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.nread == p.nwrite && p.writeOpen {
		if err := p.wait(ctx); err != nil {
			return 0, err
		}
	}
	n := 0
	for n < len(dst) && p.nread != p.nwrite {
		dst[n] = p.buf[p.nread%uint64(len(p.buf))]
		p.nread++
		n++
	}
	p.cond.Broadcast()
	return n, nil
}

// Write implements fs.Pipe.Write. It blocks until all of src is buffered.
// If the read end is closed it returns the bytes buffered so far and EPIPE.
func (p *Pipe) Write(ctx context.Context, src []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(src) {
		if !p.readOpen {
			return n, linuxerr.EPIPE
		}
		if p.nwrite == p.nread+uint64(len(p.buf)) {
			p.cond.Broadcast()
			if err := p.wait(ctx); err != nil {
				return n, err
			}
			continue
		}
		p.buf[p.nwrite%uint64(len(p.buf))] = src[n]
		p.nwrite++
		n++
	}
	p.cond.Broadcast()
	return n, nil
}

// Close implements fs.Pipe.Close.
func (p *Pipe) Close(writable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if writable {
		p.writeOpen = false
	} else {
		p.readOpen = false
	}
	p.cond.Broadcast()
}

// Buffered returns the number of bytes waiting to be read.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.nwrite - p.nread)
}
