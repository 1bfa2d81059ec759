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
	"iter"

	"cagemm.dev/cagemm/pkg/segment"
)

// Iterator is a double-ended traversal over a snapshot of mappings in
// ascending order. Each mapping is returned at most once, from whichever end
// reaches it first.
type Iterator struct {
	entries []Entry
	front   int
	back    int
}

func newIterator(entries []Entry) *Iterator {
	return &Iterator{entries: entries, back: len(entries)}
}

// Next returns the next mapping from the front.
func (it *Iterator) Next() (Entry, bool) {
	if it.front >= it.back {
		return Entry{}, false
	}
	e := it.entries[it.front]
	it.front++
	return e, true
}

// NextBack returns the next mapping from the back.
func (it *Iterator) NextBack() (Entry, bool) {
	if it.front >= it.back {
		return Entry{}, false
	}
	it.back--
	return it.entries[it.back], true
}

// Len returns the number of mappings not yet returned.
func (it *Iterator) Len() int {
	return it.back - it.front
}

// Iter returns an Iterator over all mappings.
func (as *AddressSpace) Iter() *Iterator {
	return newIterator(as.Entries())
}

// FindPageIter returns an Iterator over the mapping containing page, if any,
// and every mapping above page.
func (as *AddressSpace) FindPageIter(page uint32) *Iterator {
	var es []Entry
	as.entries.AscendFrom(page, func(seg segment.Segment[Entry]) bool {
		es = append(es, seg.Value)
		return true
	})
	return newIterator(es)
}

// All returns an iterator over all mappings in ascending order. as must not
// be mutated during iteration.
func (as *AddressSpace) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		as.entries.Ascend(func(seg segment.Segment[Entry]) bool {
			return yield(seg.Value)
		})
	}
}

// Backward returns an iterator over all mappings in descending order. as must
// not be mutated during iteration.
func (as *AddressSpace) Backward() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		as.entries.Descend(func(seg segment.Segment[Entry]) bool {
			return yield(seg.Value)
		})
	}
}
