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

// Package vmmap tracks the mapped page ranges of a single cage's address
// space.
//
// An AddressSpace records which pages are mapped, with what protection and
// backing, and answers the questions needed to emulate mmap, munmap and
// mprotect without touching real page tables. All positions and lengths are
// expressed in pages; callers convert byte addresses with a
// hostarch.Geometry.
//
// AddressSpace is not safe for concurrent use. Callers that share one between
// goroutines must serialize every operation, including queries, since
// CheckAddrMapping updates the lookup cache.
package vmmap

import (
	"bytes"
	"fmt"
	"math"

	"cagemm.dev/cagemm/pkg/errors/linuxerr"
	"cagemm.dev/cagemm/pkg/hostarch"
	"cagemm.dev/cagemm/pkg/segment"
)

// ErrInvalidInput is returned by mutations given an empty page range, or a
// range that extends past the last representable page.
var ErrInvalidInput = fmt.Errorf("vmmap: invalid page range: %w", linuxerr.EINVAL)

// Range is a half-open range of pages.
type Range = segment.Range

// AddressSpace is the set of mappings of one cage.
//
// Invariants: Stored ranges are pairwise disjoint and non-empty, and each
// range equals the Range() of the Entry stored for it.
type AddressSpace struct {
	geometry hostarch.Geometry
	entries  *segment.Set[Entry]

	// cached is a copy of the entry most recently matched by
	// CheckAddrMapping. It is valid only if cacheValid is true, and is
	// dropped by every mutation that overlaps it.
	cached     Entry
	cacheValid bool
}

// NewAddressSpace returns an empty AddressSpace. g determines the unit in
// which file offsets of split remainders are advanced.
func NewAddressSpace(g hostarch.Geometry) *AddressSpace {
	as := &AddressSpace{geometry: g}
	as.entries = segment.NewSet[Entry](as.splitEntry)
	return as
}

// Geometry returns the page geometry of as.
func (as *AddressSpace) Geometry() hostarch.Geometry {
	return as.geometry
}

// splitEntry implements segment.SplitFunc for entries.
func (as *AddressSpace) splitEntry(r segment.Range, e Entry, split uint32) (Entry, Entry) {
	left, right := e, e
	left.StartPage = r.Start
	left.PageCount = split - r.Start
	right.StartPage = split
	right.PageCount = r.End - split
	if e.Backing.HasStore() {
		right.FileOffset += int64(as.geometry.BytesOf(split - r.Start))
	}
	return left, right
}

// pageRange returns [start, start+count), or false if the range is empty or
// extends past the last representable page.
func pageRange(start, count uint32) (segment.Range, bool) {
	if count == 0 || uint64(start)+uint64(count) > math.MaxUint32 {
		return segment.Range{}, false
	}
	return segment.Range{Start: start, End: start + count}, true
}

// queryRange is like pageRange, but clamps ranges that extend past the last
// representable page instead of rejecting them.
func queryRange(start, count uint32) segment.Range {
	end := uint64(start) + uint64(count)
	if end > math.MaxUint32 {
		end = math.MaxUint32
	}
	return segment.Range{Start: start, End: uint32(end)}
}

// invalidateCache drops the lookup cache if it overlaps r.
func (as *AddressSpace) invalidateCache(r segment.Range) {
	if as.cacheValid && as.cached.Range().Overlaps(r) {
		as.cacheValid = false
	}
}

// InsertDisjoint inserts e.
//
// Preconditions:
//   - e.PageCount > 0.
//   - e does not overlap any existing mapping.
func (as *AddressSpace) InsertDisjoint(e Entry) {
	r, ok := pageRange(e.StartPage, e.PageCount)
	if !ok {
		panic(fmt.Sprintf("vmmap: invalid entry range for %v", e))
	}
	if !as.entries.InsertStrict(r, e) {
		panic(fmt.Sprintf("vmmap: entry %v overlaps an existing mapping", e))
	}
	as.invalidateCache(r)
}

// Upsert maps [start, start+count), replacing whatever was mapped there
// before, in the manner of mmap(MAP_FIXED). Mappings that straddle either
// end of the range are truncated to the part outside it; the right-hand
// remainder of a file or shared memory mapping has its FileOffset advanced by
// the bytes it no longer covers.
func (as *AddressSpace) Upsert(start, count uint32, prot, maxProt, flags int32, backing Backing, fileOffset, fileSize int64, ownerID uint64) error {
	r, ok := pageRange(start, count)
	if !ok {
		return ErrInvalidInput
	}
	as.entries.InsertOverwrite(r, NewEntry(start, count, prot, maxProt, flags, backing, fileOffset, fileSize, ownerID))
	as.invalidateCache(r)
	return nil
}

// Remove unmaps [start, start+count). Mappings that straddle either end of
// the range are truncated to the part outside it. Removing a range with no
// mappings succeeds without effect.
func (as *AddressSpace) Remove(start, count uint32) error {
	r, ok := pageRange(start, count)
	if !ok {
		return ErrInvalidInput
	}
	as.entries.RemoveRange(r)
	as.invalidateCache(r)
	return nil
}

// ChangeProtection sets the protection of every mapped page in
// [start, start+count) to prot. Mappings that straddle either end of the
// range are split so that the parts outside it keep their protection.
// Unmapped pages in the range are ignored.
//
// Preconditions: prot does not exceed the MaxProt of any mapping in the
// range. Callers check this with CheckExistingMapping.
func (as *AddressSpace) ChangeProtection(start, count uint32, prot int32) {
	r := queryRange(start, count)
	if r.Length() == 0 {
		return
	}
	as.entries.Isolate(r)
	as.entries.MutateOverlapping(r, func(_ segment.Range, e *Entry) bool {
		e.Prot = prot
		return true
	})
	as.invalidateCache(r)
}

// Clone returns a copy of as. The lookup cache is not copied.
func (as *AddressSpace) Clone() *AddressSpace {
	c := &AddressSpace{geometry: as.geometry}
	c.entries = as.entries.Clone()
	return c
}

// Len returns the number of mappings.
func (as *AddressSpace) Len() int {
	return as.entries.Len()
}

// IsEmpty returns true if nothing is mapped.
func (as *AddressSpace) IsEmpty() bool {
	return as.entries.IsEmpty()
}

// Span returns the total number of mapped pages.
func (as *AddressSpace) Span() uint64 {
	return as.entries.Span()
}

// Entries returns a copy of every mapping in ascending order.
func (as *AddressSpace) Entries() []Entry {
	es := make([]Entry, 0, as.entries.Len())
	as.entries.Ascend(func(seg segment.Segment[Entry]) bool {
		es = append(es, seg.Value)
		return true
	})
	return es
}

// String stringifies an AddressSpace for debugging.
func (as *AddressSpace) String() string {
	var buf bytes.Buffer
	as.entries.Ascend(func(seg segment.Segment[Entry]) bool {
		fmt.Fprintf(&buf, "%v\n", seg.Value)
		return true
	})
	return buf.String()
}
