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

package vmmap

import (
	"cagemm.dev/cagemm/pkg/abi/linux"
	"cagemm.dev/cagemm/pkg/segment"
)

// effectiveProt returns the access rights granted by prot: any access at all
// implies read access.
func effectiveProt(prot int32) int32 {
	if prot&linux.PROT_ACCESS != linux.PROT_NONE {
		prot |= linux.PROT_READ
	}
	return prot
}

// CheckExistingMapping returns true if every page in [start, start+count) is
// mapped, and prot is within the MaxProt of every mapping covering the range.
func (as *AddressSpace) CheckExistingMapping(start, count uint32, prot int32) bool {
	r := queryRange(start, count)
	if !as.entries.Overlaps(r) {
		return false
	}
	cur := r.Start
	ok := false
	as.entries.Overlapping(r, func(seg segment.Segment[Entry]) bool {
		e := seg.Value
		switch {
		case e.StartPage <= cur && r.End <= e.EndPage():
			ok = prot&^e.MaxProt == 0
			return false
		case e.StartPage <= cur && cur < e.EndPage():
			if prot&^e.MaxProt != 0 {
				return false
			}
			cur = e.EndPage()
			return true
		default:
			// Hole between cur and e.
			return false
		}
	})
	return ok
}

// CheckAddrMapping returns the end page of the mapping that covers the tail
// of [start, start+count) if every page in the range is mapped with
// protection permitting prot. Any access in a mapping's protection implies
// read access.
//
// A mapping that wholly contains the remainder of the range is remembered,
// and repeated checks that fall inside it are answered without a lookup.
func (as *AddressSpace) CheckAddrMapping(start, count uint32, prot int32) (uint32, bool) {
	r := queryRange(start, count)
	if as.cacheValid {
		c := as.cached
		if c.StartPage <= r.Start && r.End <= c.EndPage() && prot&^effectiveProt(c.Prot) == 0 {
			return c.EndPage(), true
		}
	}

	cur := r.Start
	var (
		end uint32
		ok  bool
	)
	as.entries.Overlapping(r, func(seg segment.Segment[Entry]) bool {
		e := seg.Value
		allowed := effectiveProt(e.Prot)
		switch {
		case e.StartPage <= cur && r.End <= e.EndPage():
			as.cached = e
			as.cacheValid = true
			if prot&^allowed == 0 {
				end, ok = e.EndPage(), true
			}
			return false
		case e.StartPage <= cur && cur < e.EndPage():
			if prot&^allowed != 0 {
				return false
			}
			cur = e.EndPage()
			return true
		default:
			return false
		}
	})
	return end, ok
}

// FindPage returns the mapping containing page.
func (as *AddressSpace) FindPage(page uint32) (Entry, bool) {
	seg, ok := as.entries.Find(page)
	if !ok {
		return Entry{}, false
	}
	return seg.Value, true
}

// FindPageMut returns a pointer to the mapping containing page, or nil. The
// pointer is invalidated by the next mutation of as.
//
// Callers may change any field except StartPage and PageCount.
func (as *AddressSpace) FindPageMut(page uint32) *Entry {
	e := as.entries.ValuePtr(page)
	if e != nil {
		as.invalidateCache(e.Range())
	}
	return e
}

// First returns the lowest mapping.
func (as *AddressSpace) First() (Entry, bool) {
	seg, ok := as.entries.First()
	return seg.Value, ok
}

// Last returns the highest mapping.
func (as *AddressSpace) Last() (Entry, bool) {
	seg, ok := as.entries.Last()
	return seg.Value, ok
}

// Overlaps returns true if any page in [start, start+count) is mapped.
func (as *AddressSpace) Overlaps(start, count uint32) bool {
	return as.entries.Overlaps(queryRange(start, count))
}

// MappedPages returns the number of mapped pages in [start, start+count).
func (as *AddressSpace) MappedPages(start, count uint32) uint64 {
	r := queryRange(start, count)
	var n uint64
	as.entries.Overlapping(r, func(seg segment.Segment[Entry]) bool {
		n += uint64(seg.Range.Intersect(r).Length())
		return true
	})
	return n
}
