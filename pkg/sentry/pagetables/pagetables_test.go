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

package pagetables

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/errors/linuxerr"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/sentry/pgalloc"
)

func TestUserFlags(t *testing.T) {
	for _, tc := range []struct {
		at   hostarch.AccessType
		want PTE
	}{
		{hostarch.Read, linux.PTE_U | linux.PTE_R},
		{hostarch.ReadWrite, linux.PTE_U | linux.PTE_R | linux.PTE_W},
		{hostarch.AnyAccess, linux.PTE_U | linux.PTE_R | linux.PTE_W | linux.PTE_X},
		{hostarch.NoAccess, linux.PTE_U},
	} {
		if got := UserFlags(tc.at); got != tc.want {
			t.Errorf("UserFlags(%v): got %#x, want %#x", tc.at, got, tc.want)
		}
	}
}

func TestPTE(t *testing.T) {
	e := MakePTE(7, UserFlags(hostarch.ReadWrite))
	if !e.Valid() {
		t.Errorf("MakePTE did not set the valid bit")
	}
	if got := e.Frame(); got != 7 {
		t.Errorf("Frame: got %v, want frame 7", got)
	}
	if got := e.Access(); got != hostarch.ReadWrite {
		t.Errorf("Access: got %v, want %v", got, hostarch.ReadWrite)
	}
	if got, want := e.String(), "vrw-u frame 7"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestMapLookup(t *testing.T) {
	p := New()
	const va = hostarch.Addr(0x3fffffd000)
	if err := p.Map(va+1, 0, 0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Map unaligned: got %v, want EINVAL", err)
	}
	if err := p.Map(va, 3, UserFlags(hostarch.Read)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := p.Map(va, 4, UserFlags(hostarch.Read)); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("Map twice: got %v, want EEXIST", err)
	}
	e, ok := p.Lookup(va + 0x123)
	if !ok || e.Frame() != 3 {
		t.Errorf("Lookup: got (%v, %t), want frame 3", e, ok)
	}
	if _, ok := p.Lookup(va - hostarch.PageSize); ok {
		t.Errorf("Lookup of unmapped page succeeded")
	}
}

func TestUnmapResidentOnly(t *testing.T) {
	p := New()
	base := hostarch.Addr(0x10000)
	for i, fr := range []pgalloc.Frame{5, 6, 7} {
		// Leave a hole at page 1.
		va := base + hostarch.Addr(2*i)*hostarch.PageSize
		if err := p.Map(va, fr, UserFlags(hostarch.Read)); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}

	got := p.Unmap(hostarch.AddrRange{Start: base, End: base + 4*hostarch.PageSize})
	if diff := cmp.Diff([]pgalloc.Frame{5, 6}, got); diff != "" {
		t.Errorf("Unmap frames mismatch (-want +got):\n%s", diff)
	}
	if p.Len() != 1 {
		t.Errorf("Len after Unmap: got %d, want 1", p.Len())
	}

	var seen []hostarch.Addr
	p.ForEach(hostarch.AddrRange{Start: 0, End: ^hostarch.Addr(0)}, func(va hostarch.Addr, pte PTE) bool {
		seen = append(seen, va)
		return true
	})
	if diff := cmp.Diff([]hostarch.Addr{base + 4*hostarch.PageSize}, seen); diff != "" {
		t.Errorf("ForEach mismatch (-want +got):\n%s", diff)
	}
}
