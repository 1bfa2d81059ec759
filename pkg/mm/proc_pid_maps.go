// Copyright 2025 The gVisor Authors.
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
	"strings"

	"cagemm.dev/cagemm/pkg/abi/linux"
	"cagemm.dev/cagemm/pkg/vmmap"
)

// ReadMapsData returns the mappings of mm in the format of
// /proc/[pid]/maps.
func (mm *MemoryManager) ReadMapsData() []byte {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var buf bytes.Buffer
	for e := range mm.vmas.All() {
		mm.mapsEntryLocked(&buf, e)
	}
	return buf.Bytes()
}

// mapsEntryLocked appends the /proc/[pid]/maps line for e to b, including
// the trailing newline.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) mapsEntryLocked(b *bytes.Buffer, e vmmap.Entry) {
	private := "p"
	if e.Flags&linux.MAP_SHARED != 0 {
		private = "s"
	}

	var ino uint64
	if e.Backing.HasStore() {
		ino = e.Backing.ID
	}

	start := mm.geometry.AddrOf(e.StartPage)
	end := start + mm.geometry.AddrOf(e.PageCount)
	lineStart := b.Len()
	fmt.Fprintf(b, "%08x-%08x %s%s %08x %02x:%02x %d ",
		uint64(start), uint64(end), linux.ProtString(e.Prot), private, e.FileOffset, 0, 0, ino)

	var name string
	switch e.Backing.Kind {
	case vmmap.BackingSharedMemory:
		name = fmt.Sprintf("/SYSV%08x", e.Backing.ID)
	case vmmap.BackingFileDescriptor:
		name = fmt.Sprintf("fd:%d", e.Backing.ID)
	}
	if name != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - (b.Len() - lineStart); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(name)
	}
	b.WriteString("\n")
}
