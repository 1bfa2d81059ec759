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

// Package segment provides an ordered set of disjoint, non-empty page ranges
// with an associated value per range.
//
// Set supports the operations an address-space tracker needs from its
// interval container: overlap-rejecting insertion, overwriting insertion
// that trims its neighbours, removal of everything overlapping a range, point
// lookup, ordered iteration in both directions, and gap enumeration bounded
// by a range.
//
// Set is not safe for concurrent use.
package segment

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/google/btree"
)

// degree is the B-tree degree used for all sets.
const degree = 8

// Range is the half-open page interval [Start, End).
type Range struct {
	// Start is the inclusive start of the range.
	Start uint32

	// End is the exclusive end of the range.
	End uint32
}

// WellFormed returns true if r.Start <= r.End.
func (r Range) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r Range) Length() uint32 {
	return r.End - r.Start
}

// Contains returns true if r contains x.
func (r Range) Contains(x uint32) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r2 is contained within r.
func (r Range) IsSupersetOf(r2 Range) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Intersect returns a range consisting of the intersection between r and r2.
// If r and r2 do not overlap, Intersect returns a range with unspecified
// bounds, but for which Length() == 0.
func (r Range) Intersect(r2 Range) Range {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Segment is a range together with the value stored for it.
type Segment[V any] struct {
	Range
	Value V
}

// SplitFunc splits val, stored for r, into the values for [r.Start, split)
// and [split, r.End).
//
// Preconditions: r.Start < split < r.End.
type SplitFunc[V any] func(r Range, val V, split uint32) (left, right V)

type node[V any] struct {
	r   Range
	val V
}

func (n *node[V]) segment() Segment[V] {
	return Segment[V]{Range: n.r, Value: n.val}
}

func lessByStart[V any](a, b *node[V]) bool {
	return a.r.Start < b.r.Start
}

func pivot[V any](x uint32) *node[V] {
	return &node[V]{r: Range{Start: x, End: x}}
}

// Set is an ordered set of disjoint, non-empty ranges. The zero value is not
// usable; create sets with NewSet.
type Set[V any] struct {
	tree  *btree.BTreeG[*node[V]]
	split SplitFunc[V]
}

// NewSet returns an empty Set. split is used whenever a stored segment must
// be cut in two; if it is nil, both halves receive a copy of the original
// value.
func NewSet[V any](split SplitFunc[V]) *Set[V] {
	if split == nil {
		split = func(_ Range, val V, _ uint32) (V, V) { return val, val }
	}
	return &Set[V]{
		tree:  btree.NewG[*node[V]](degree, lessByStart[V]),
		split: split,
	}
}

// IsEmpty returns true if the set contains no segments.
func (s *Set[V]) IsEmpty() bool {
	return s.tree.Len() == 0
}

// Len returns the number of segments in the set.
func (s *Set[V]) Len() int {
	return s.tree.Len()
}

// Span returns the total number of pages covered by segments in the set.
func (s *Set[V]) Span() uint64 {
	var sz uint64
	s.tree.Ascend(func(n *node[V]) bool {
		sz += uint64(n.r.Length())
		return true
	})
	return sz
}

// findNode returns the node containing x, or nil.
func (s *Set[V]) findNode(x uint32) *node[V] {
	var found *node[V]
	s.tree.DescendLessOrEqual(pivot[V](x), func(n *node[V]) bool {
		if n.r.Contains(x) {
			found = n
		}
		return false
	})
	return found
}

// Find returns the segment containing x.
func (s *Set[V]) Find(x uint32) (Segment[V], bool) {
	if n := s.findNode(x); n != nil {
		return n.segment(), true
	}
	return Segment[V]{}, false
}

// ValuePtr returns a pointer to the value of the segment containing x, or nil
// if no segment contains x. The pointer is invalidated by any operation that
// removes or splits that segment.
func (s *Set[V]) ValuePtr(x uint32) *V {
	if n := s.findNode(x); n != nil {
		return &n.val
	}
	return nil
}

// First returns the segment with the lowest start.
func (s *Set[V]) First() (Segment[V], bool) {
	n, ok := s.tree.Min()
	if !ok {
		return Segment[V]{}, false
	}
	return n.segment(), true
}

// Last returns the segment with the highest start.
func (s *Set[V]) Last() (Segment[V], bool) {
	n, ok := s.tree.Max()
	if !ok {
		return Segment[V]{}, false
	}
	return n.segment(), true
}

// ascendOverlapping calls fn on each node overlapping r in ascending order
// until fn returns false.
func (s *Set[V]) ascendOverlapping(r Range, fn func(*node[V]) bool) {
	if r.Length() == 0 {
		return
	}
	from := r.Start
	if n := s.findNode(r.Start); n != nil {
		from = n.r.Start
	}
	s.tree.AscendGreaterOrEqual(pivot[V](from), func(n *node[V]) bool {
		if n.r.Start >= r.End {
			return false
		}
		return fn(n)
	})
}

// Overlaps returns true if any segment overlaps r.
func (s *Set[V]) Overlaps(r Range) bool {
	found := false
	s.ascendOverlapping(r, func(*node[V]) bool {
		found = true
		return false
	})
	return found
}

// Overlapping calls fn on each segment overlapping r in ascending order until
// fn returns false.
func (s *Set[V]) Overlapping(r Range, fn func(Segment[V]) bool) {
	s.ascendOverlapping(r, func(n *node[V]) bool {
		return fn(n.segment())
	})
}

// OverlappingSegments returns the segments overlapping r in ascending order.
func (s *Set[V]) OverlappingSegments(r Range) []Segment[V] {
	var segs []Segment[V]
	s.Overlapping(r, func(seg Segment[V]) bool {
		segs = append(segs, seg)
		return true
	})
	return segs
}

// MutateOverlapping calls fn, in ascending order, with the range of and a
// pointer to the value of each segment overlapping r, until fn returns false.
// fn must not modify the set.
func (s *Set[V]) MutateOverlapping(r Range, fn func(Range, *V) bool) {
	s.ascendOverlapping(r, func(n *node[V]) bool {
		return fn(n.r, &n.val)
	})
}

// Ascend calls fn on every segment in ascending order until fn returns false.
func (s *Set[V]) Ascend(fn func(Segment[V]) bool) {
	s.tree.Ascend(func(n *node[V]) bool {
		return fn(n.segment())
	})
}

// AscendFrom calls fn, in ascending order, on the segment containing x (if
// any) and every segment after x, until fn returns false.
func (s *Set[V]) AscendFrom(x uint32, fn func(Segment[V]) bool) {
	from := x
	if n := s.findNode(x); n != nil {
		from = n.r.Start
	}
	s.tree.AscendGreaterOrEqual(pivot[V](from), func(n *node[V]) bool {
		return fn(n.segment())
	})
}

// Descend calls fn on every segment in descending order until fn returns
// false.
func (s *Set[V]) Descend(fn func(Segment[V]) bool) {
	s.tree.Descend(func(n *node[V]) bool {
		return fn(n.segment())
	})
}

// All returns an iterator over all segments in ascending order.
func (s *Set[V]) All() iter.Seq[Segment[V]] {
	return func(yield func(Segment[V]) bool) {
		s.Ascend(yield)
	}
}

// Backward returns an iterator over all segments in descending order.
func (s *Set[V]) Backward() iter.Seq[Segment[V]] {
	return func(yield func(Segment[V]) bool) {
		s.Descend(yield)
	}
}

// GapsTrimmed calls fn, in ascending order, on each maximal sub-range of
// bounds that no segment covers, until fn returns false.
func (s *Set[V]) GapsTrimmed(bounds Range, fn func(Range) bool) {
	if bounds.Length() == 0 {
		return
	}
	cur := bounds.Start
	stopped := false
	s.ascendOverlapping(bounds, func(n *node[V]) bool {
		if n.r.Start > cur {
			if !fn(Range{cur, n.r.Start}) {
				stopped = true
				return false
			}
		}
		if n.r.End > cur {
			cur = n.r.End
		}
		return true
	})
	if !stopped && cur < bounds.End {
		fn(Range{cur, bounds.End})
	}
}

func checkRange(r Range) {
	if r.Start >= r.End {
		panic(fmt.Sprintf("invalid segment range %v", r))
	}
}

// InsertStrict inserts val for r if r overlaps no existing segment, and
// returns false without modifying the set otherwise.
//
// Preconditions: r.Length() > 0.
func (s *Set[V]) InsertStrict(r Range, val V) bool {
	checkRange(r)
	if s.Overlaps(r) {
		return false
	}
	s.tree.ReplaceOrInsert(&node[V]{r: r, val: val})
	return true
}

// RemoveOverlapping removes every segment overlapping r in its entirety,
// including the parts that lie outside r, and returns the removed segments in
// ascending order.
func (s *Set[V]) RemoveOverlapping(r Range) []Segment[V] {
	var nodes []*node[V]
	s.ascendOverlapping(r, func(n *node[V]) bool {
		nodes = append(nodes, n)
		return true
	})
	segs := make([]Segment[V], 0, len(nodes))
	for _, n := range nodes {
		s.tree.Delete(n)
		segs = append(segs, n.segment())
	}
	return segs
}

// InsertOverwrite stores val for r, trimming every overlapping segment to the
// portions that lie outside r. Trimmed values are produced by the set's
// SplitFunc. It returns the overlapping segments as they were before the
// insertion.
//
// Preconditions: r.Length() > 0.
func (s *Set[V]) InsertOverwrite(r Range, val V) []Segment[V] {
	checkRange(r)
	displaced := s.RemoveOverlapping(r)
	for _, seg := range displaced {
		if seg.Start < r.Start {
			left, _ := s.split(seg.Range, seg.Value, r.Start)
			s.tree.ReplaceOrInsert(&node[V]{r: Range{seg.Start, r.Start}, val: left})
		}
		if seg.End > r.End {
			_, right := s.split(seg.Range, seg.Value, r.End)
			s.tree.ReplaceOrInsert(&node[V]{r: Range{r.End, seg.End}, val: right})
		}
	}
	s.tree.ReplaceOrInsert(&node[V]{r: r, val: val})
	return displaced
}

// SplitAt splits the segment straddling x, if any, at x. It returns true if a
// segment was split.
func (s *Set[V]) SplitAt(x uint32) bool {
	n := s.findNode(x)
	if n == nil || n.r.Start == x {
		return false
	}
	left, right := s.split(n.r, n.val, x)
	s.tree.ReplaceOrInsert(&node[V]{r: Range{n.r.Start, x}, val: left})
	s.tree.ReplaceOrInsert(&node[V]{r: Range{x, n.r.End}, val: right})
	return true
}

// Isolate splits segments straddling the bounds of r so that every remaining
// segment overlapping r lies entirely within r.
func (s *Set[V]) Isolate(r Range) {
	s.SplitAt(r.Start)
	s.SplitAt(r.End)
}

// RemoveRange removes all pages in r from the set, trimming segments that
// straddle its bounds, and returns the removed portions.
func (s *Set[V]) RemoveRange(r Range) []Segment[V] {
	if r.Length() == 0 {
		return nil
	}
	s.Isolate(r)
	return s.RemoveOverlapping(r)
}

// RemoveAll removes all segments from the set.
func (s *Set[V]) RemoveAll() {
	s.tree.Clear(false)
}

// Clone returns a copy of s. Values are copied by assignment.
func (s *Set[V]) Clone() *Set[V] {
	c := &Set[V]{
		tree:  btree.NewG[*node[V]](degree, lessByStart[V]),
		split: s.split,
	}
	s.tree.Ascend(func(n *node[V]) bool {
		c.tree.ReplaceOrInsert(&node[V]{r: n.r, val: n.val})
		return true
	})
	return c
}

// Segments returns a copy of all segments in ascending order.
func (s *Set[V]) Segments() []Segment[V] {
	segs := make([]Segment[V], 0, s.tree.Len())
	s.Ascend(func(seg Segment[V]) bool {
		segs = append(segs, seg)
		return true
	})
	return segs
}

// String stringifies a Set for debugging.
func (s *Set[V]) String() string {
	var buf bytes.Buffer
	for i, seg := range s.Segments() {
		fmt.Fprintf(&buf, "[%d] %v => %v\n", i, seg.Range, seg.Value)
	}
	return buf.String()
}
