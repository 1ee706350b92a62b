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

package kernel

import (
	"io"
	"sync"

	"github.com/labkernel/kmap/pkg/context"
)

// Console is the console device. It implements fs.Device.
type Console struct {
	mu  sync.Mutex
	in  io.Reader
	out io.Writer
}

// NewConsole returns a console reading from in and writing to out. Either
// may be nil.
func NewConsole(in io.Reader, out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{in: in, out: out}
}

// Read implements fs.Device.Read. It returns 0 at end of input.
func (c *Console) Read(ctx context.Context, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in == nil {
		return 0, nil
	}
	n, err := c.in.Read(dst)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write implements fs.Device.Write.
func (c *Console) Write(ctx context.Context, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(src)
}
