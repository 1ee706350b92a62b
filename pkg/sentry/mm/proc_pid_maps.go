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
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/labkernel/kmap/pkg/context"
)

// WriteMaps writes one line per mapping of mm to w, in address order, in the
// format of /proc/[pid]/maps. The inode column names the mapped file; a
// trailing column counts resident pages.
func (mm *MemoryManager) WriteMaps(ctx context.Context, w io.Writer) error {
	vmas := append([]*VMA(nil), mm.vmas...)
	sort.Slice(vmas, func(i, j int) bool { return vmas[i].start < vmas[j].start })
	for _, v := range vmas {
		if _, err := w.Write(mm.vmaMapsEntry(ctx, v)); err != nil {
			return err
		}
	}
	return nil
}

// vmaMapsEntry returns the maps line of v, including the trailing newline.
func (mm *MemoryManager) vmaMapsEntry(ctx context.Context, v *VMA) []byte {
	mode := "s"
	if v.private {
		mode = "p"
	}
	var dev int32
	var ino uint32
	if st, err := v.file.Stat(ctx); err == nil {
		dev, ino = st.Dev, st.Ino
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s%s %08x %02x:%02x %d %d ",
		uint64(v.start), uint64(v.end), v.perms, mode, v.offset, dev>>8, dev&0xff, ino, mm.ResidentPages(v.Range()))
	if v.hint != "" {
		// Pad the name to the 74th column like Linux.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(v.hint)
	}
	b.WriteString("\n")
	return b.Bytes()
}
