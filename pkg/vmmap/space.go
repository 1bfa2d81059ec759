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
	"math"
	"math/bits"

	"cagemm.dev/cagemm/pkg/segment"
)

// guardPages is the number of unmapped pages FindSpace and FindSpaceAboveHint
// require beyond the requested length.
const guardPages = 1

// FindSpace returns the lowest gap between the lowest and highest mappings
// that can hold count pages plus a guard page. It returns false if as is
// empty or no gap is large enough.
func (as *AddressSpace) FindSpace(count uint32) (segment.Range, bool) {
	first, ok := as.First()
	if !ok {
		return segment.Range{}, false
	}
	return as.findGap(first.StartPage, count)
}

// FindSpaceAboveHint is like FindSpace, but only considers gaps at or above
// hint.
func (as *AddressSpace) FindSpaceAboveHint(count, hint uint32) (segment.Range, bool) {
	return as.findGap(hint, count)
}

func (as *AddressSpace) findGap(from, count uint32) (segment.Range, bool) {
	last, ok := as.Last()
	if !ok {
		return segment.Range{}, false
	}
	want := uint64(count) + guardPages
	var found segment.Range
	ok = false
	as.entries.GapsTrimmed(segment.Range{Start: from, End: last.EndPage()}, func(gap segment.Range) bool {
		if uint64(gap.Length()) >= want {
			found, ok = gap, true
			return false
		}
		return true
	})
	return found, ok
}

// FindMapSpace returns a range of count pages, rounded up to a multiple of
// align, in the lowest gap between the lowest and highest mappings that is
// large enough once its start is rounded down and its end rounded up to
// multiples of align. The range is placed at the top of the rounded gap.
//
// align must be a power of two and count non-zero; otherwise FindMapSpace
// returns false.
func (as *AddressSpace) FindMapSpace(count, align uint32) (segment.Range, bool) {
	first, ok := as.First()
	if !ok {
		return segment.Range{}, false
	}
	return as.findAlignedGap(first.StartPage, count, align)
}

// FindMapSpaceWithHint is like FindMapSpace, but only considers gaps at or
// above hint.
func (as *AddressSpace) FindMapSpaceWithHint(count, align, hint uint32) (segment.Range, bool) {
	return as.findAlignedGap(hint, count, align)
}

func roundUpPow2(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

func (as *AddressSpace) findAlignedGap(from, count, align uint32) (segment.Range, bool) {
	if count == 0 || bits.OnesCount32(align) != 1 {
		return segment.Range{}, false
	}
	last, ok := as.Last()
	if !ok {
		return segment.Range{}, false
	}
	a := uint64(align)
	want := roundUpPow2(uint64(count), a)
	var found segment.Range
	ok = false
	as.entries.GapsTrimmed(segment.Range{Start: from, End: last.EndPage()}, func(gap segment.Range) bool {
		start := uint64(gap.Start) &^ (a - 1)
		end := roundUpPow2(uint64(gap.End), a)
		if end > math.MaxUint32 || end-start < want {
			return true
		}
		found = segment.Range{Start: uint32(end - want), End: uint32(end)}
		ok = true
		return false
	})
	return found, ok
}
