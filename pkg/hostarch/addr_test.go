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

package hostarch

import (
	"fmt"
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr      Addr
		down      Addr
		up        Addr
		upOK      bool
		inPage    uint64
		isAligned bool
	}{
		{addr: 0, down: 0, up: 0, upOK: true, isAligned: true},
		{addr: 1, down: 0, up: PageSize, upOK: true, inPage: 1},
		{addr: PageSize, down: PageSize, up: PageSize, upOK: true, isAligned: true},
		{addr: PageSize + 17, down: PageSize, up: 2 * PageSize, upOK: true, inPage: 17},
		{addr: ^Addr(0), down: ^Addr(PageSize - 1), up: 0, upOK: false, inPage: PageSize - 1},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown(): got %v, want %v", test.addr, got, test.down)
		}
		got, ok := test.addr.RoundUp()
		if ok != test.upOK || (ok && got != test.up) {
			t.Errorf("%v.RoundUp(): got (%v, %t), want (%v, %t)", test.addr, got, ok, test.up, test.upOK)
		}
		if got := test.addr.PageOffset(); got != test.inPage {
			t.Errorf("%v.PageOffset(): got %d, want %d", test.addr, got, test.inPage)
		}
		if got := test.addr.IsPageAligned(); got != test.isAligned {
			t.Errorf("%v.IsPageAligned(): got %t, want %t", test.addr, got, test.isAligned)
		}
	}
}

func TestAddrRange(t *testing.T) {
	ar, ok := Addr(2 * PageSize).ToRange(3 * PageSize)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if got, want := ar.NumPages(), uint64(3); got != want {
		t.Errorf("NumPages: got %d, want %d", got, want)
	}
	if got, want := ar.String(), "[0x2000, 0x5000)"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
	if got, want := fmt.Sprintf("%v", Addr(0x3000)), "0x3000"; got != want {
		t.Errorf("Addr %%v: got %q, want %q", got, want)
	}
	if !ar.Contains(2*PageSize) || ar.Contains(5*PageSize) {
		t.Errorf("%v: Contains is not half-open", ar)
	}
	if !ar.Overlaps(AddrRange{4 * PageSize, 8 * PageSize}) {
		t.Errorf("%v should overlap [4p, 8p)", ar)
	}
	if ar.Overlaps(AddrRange{5 * PageSize, 8 * PageSize}) {
		t.Errorf("%v should not overlap [5p, 8p)", ar)
	}
	if !ar.IsSupersetOf(AddrRange{3 * PageSize, 4 * PageSize}) {
		t.Errorf("%v should contain [3p, 4p)", ar)
	}
	if _, ok := (^Addr(0)).ToRange(2); ok {
		t.Errorf("ToRange past the end of the address space should fail")
	}
}

func TestAccessType(t *testing.T) {
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("ReadWrite.String(): got %q, want %q", got, want)
	}
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(ReadWrite) {
		t.Errorf("SupersetOf is inconsistent")
	}
	if got := ReadWrite.Intersect(Execute); got.Any() {
		t.Errorf("ReadWrite.Intersect(Execute): got %v, want ---", got)
	}
	if got := Read.Union(Execute); got.String() != "r-x" {
		t.Errorf("Read.Union(Execute): got %v, want r-x", got)
	}
}

func TestPageRound(t *testing.T) {
	if got := PageRoundDown(uint64(PageSize + 5)); got != PageSize {
		t.Errorf("PageRoundDown: got %d, want %d", got, PageSize)
	}
	if got, ok := PageRoundUp(int64(10000)); !ok || got != 3*PageSize {
		t.Errorf("PageRoundUp(10000): got (%d, %t), want (%d, true)", got, ok, 3*PageSize)
	}
}
