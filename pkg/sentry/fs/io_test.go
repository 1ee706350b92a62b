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
	"bytes"
	"testing"

	"github.com/labkernel/kmap/pkg/context/contexttest"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/sentry/fs/memfs"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestReadAdvancesCursor(t *testing.T) {
	ctx := contexttest.Context(t)
	table, _ := newTestTable(1)
	f, _ := table.Alloc()
	f.InitInode(memfs.NewInode(1, []byte("hello, world")), true, false)

	buf := make([]byte, 5)
	if n, err := f.Read(ctx, buf); err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read: got (%d, %q, %v), want (5, hello, nil)", n, buf, err)
	}
	if n, err := f.Read(ctx, buf); err != nil || n != 5 || string(buf) != ", wor" {
		t.Fatalf("second Read: got (%d, %q, %v), want (5, \", wor\", nil)", n, buf, err)
	}
	if n, err := f.Read(ctx, buf); err != nil || n != 2 {
		t.Fatalf("Read at end: got (%d, %v), want (2, nil)", n, err)
	}
	if n, err := f.Read(ctx, buf); err != nil || n != 0 {
		t.Fatalf("Read past end: got (%d, %v), want (0, nil)", n, err)
	}
	if got := f.Offset(); got != 12 {
		t.Errorf("Offset: got %d, want 12", got)
	}
}

func TestPositionedIOLeavesCursor(t *testing.T) {
	ctx := contexttest.Context(t)
	table, _ := newTestTable(1)
	inode := memfs.NewInode(1, pattern(8192))
	f, _ := table.Alloc()
	f.InitInode(inode, true, true)

	buf := make([]byte, 100)
	if n, err := f.ReadAt(ctx, buf, 4096); err != nil || n != 100 {
		t.Fatalf("ReadAt: got (%d, %v), want (100, nil)", n, err)
	}
	if !bytes.Equal(buf, pattern(8192)[4096:4196]) {
		t.Errorf("ReadAt returned the wrong bytes")
	}
	if _, err := f.WriteAt(ctx, []byte("xyz"), 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if got := f.Offset(); got != 0 {
		t.Errorf("Offset after positioned I/O: got %d, want 0", got)
	}
	if got := inode.Bytes()[10:13]; string(got) != "xyz" {
		t.Errorf("inode bytes after WriteAt: got %q, want xyz", got)
	}
	if n, err := f.ReadAt(ctx, buf, 9000); err != nil || n != 0 {
		t.Errorf("ReadAt past EOF: got (%d, %v), want (0, nil)", n, err)
	}
}

func TestWriteIsChunked(t *testing.T) {
	ctx := contexttest.Context(t)
	table, j := newTestTable(1)
	inode := memfs.NewInode(1, nil)
	f, _ := table.Alloc()
	f.InitInode(inode, false, true)

	if got, want := j.MaxWrite(), 3*1024; got != want {
		t.Fatalf("MaxWrite: got %d, want %d", got, want)
	}
	data := pattern(10000)
	n, err := f.Write(ctx, data)
	if err != nil || n != len(data) {
		t.Fatalf("Write: got (%d, %v), want (%d, nil)", n, err, len(data))
	}
	// 10000 bytes in chunks of 3072: 3072, 3072, 3072, 784.
	if got := j.Ops(); got != 4 {
		t.Errorf("transactions: got %d, want 4", got)
	}
	if !bytes.Equal(inode.Bytes(), data) {
		t.Errorf("inode contents differ from written data")
	}
	if got := f.Offset(); got != int64(len(data)) {
		t.Errorf("Offset: got %d, want %d", got, len(data))
	}
}

func TestShortWriteStops(t *testing.T) {
	ctx := contexttest.Context(t)
	table, j := newTestTable(1)
	inode := memfs.NewInode(1, nil)
	inode.SetWriteLimit(1000)
	f, _ := table.Alloc()
	f.InitInode(inode, false, true)

	n, err := f.Write(ctx, pattern(5000))
	if err != ErrShortWrite {
		t.Fatalf("Write: got error %v, want %v", err, ErrShortWrite)
	}
	if n != 1000 {
		t.Errorf("Write: got %d bytes, want 1000", n)
	}
	if got := j.Ops(); got != 1 {
		t.Errorf("transactions after short chunk: got %d, want 1", got)
	}
	if got := f.Offset(); got != 1000 {
		t.Errorf("Offset: got %d, want 1000", got)
	}
}

func TestAccessModes(t *testing.T) {
	ctx := contexttest.Context(t)
	table, _ := newTestTable(2)
	ro, _ := table.Alloc()
	ro.InitInode(memfs.NewInode(1, []byte("ro")), true, false)
	wo, _ := table.Alloc()
	wo.InitInode(memfs.NewInode(2, nil), false, true)

	if _, err := ro.Write(ctx, []byte("x")); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("Write on read-only file: got %v, want EBADF", err)
	}
	if _, err := wo.Read(ctx, make([]byte, 1)); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("Read on write-only file: got %v, want EBADF", err)
	}
}

func TestPipeAndDeviceDispatch(t *testing.T) {
	ctx := contexttest.Context(t)
	table, _ := newTestTable(3)

	p, _ := table.Alloc()
	p.InitPipe(&testPipe{}, false, true)
	if n, err := p.Write(ctx, []byte("abc")); err != nil || n != 3 {
		t.Errorf("pipe Write: got (%d, %v), want (3, nil)", n, err)
	}
	if _, err := p.ReadAt(ctx, make([]byte, 1), 0); !linuxerr.Equals(linuxerr.ESPIPE, err) {
		t.Errorf("pipe ReadAt: got %v, want ESPIPE", err)
	}
	if _, err := p.Stat(ctx); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("pipe Stat: got %v, want EINVAL", err)
	}

	dev := &testDevice{}
	d, _ := table.Alloc()
	d.InitDevice(3, nil, true, true)
	if _, err := d.Write(ctx, []byte("x")); !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Errorf("Write to unregistered device: got %v, want ENODEV", err)
	}
	if err := table.RegisterDevice(3, dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if _, err := d.Write(ctx, []byte("console")); err != nil {
		t.Fatalf("device Write: %v", err)
	}
	if got := dev.String(); got != "console" {
		t.Errorf("device contents: got %q, want console", got)
	}
}

func TestStat(t *testing.T) {
	ctx := contexttest.Context(t)
	table, _ := newTestTable(1)
	f, _ := table.Alloc()
	f.InitInode(memfs.NewInode(7, pattern(10000)), true, false)
	st, err := f.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Ino != 7 || st.Size != 10000 {
		t.Errorf("Stat: got %+v, want ino 7 size 10000", st)
	}
}
