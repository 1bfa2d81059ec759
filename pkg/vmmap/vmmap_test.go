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
	stderrors "errors"
	"math"
	"math/rand"
	"testing"

	"cagemm.dev/cagemm/pkg/abi/linux"
	"cagemm.dev/cagemm/pkg/errors/linuxerr"
	"cagemm.dev/cagemm/pkg/hostarch"
	"github.com/google/go-cmp/cmp"
)

const (
	protR   = linux.PROT_READ
	protW   = linux.PROT_WRITE
	protRW  = linux.PROT_READ | linux.PROT_WRITE
	protRWX = linux.PROT_READ | linux.PROT_WRITE | linux.PROT_EXEC
	owner   = 7
)

type span struct {
	Start uint32
	Count uint32
	Prot  int32
}

func newTestSpace() *AddressSpace {
	return NewAddressSpace(hostarch.DefaultGeometry())
}

func upsert(t *testing.T, as *AddressSpace, start, count uint32, prot, maxProt int32) {
	t.Helper()
	if err := as.Upsert(start, count, prot, maxProt, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS, Anonymous(), 0, 0, owner); err != nil {
		t.Fatalf("Upsert(%d, %d) failed: %v", start, count, err)
	}
}

func spans(as *AddressSpace) []span {
	var ss []span
	for e := range as.All() {
		ss = append(ss, span{e.StartPage, e.PageCount, e.Prot})
	}
	return ss
}

// checkDisjoint fails t if any two adjacent mappings overlap or any mapping
// is empty.
func checkDisjoint(t *testing.T, as *AddressSpace) {
	t.Helper()
	var prev Entry
	for i, e := range as.Entries() {
		if e.PageCount == 0 {
			t.Fatalf("entry %d is empty: %v", i, e)
		}
		if i > 0 && prev.EndPage() > e.StartPage {
			t.Fatalf("entries %d and %d overlap: %v, %v", i-1, i, prev, e)
		}
		prev = e
	}
}

func TestUpsertOverwrite(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protRW)
	upsert(t, as, 5, 3, protRW, protRW)

	want := []span{{0, 5, protR}, {5, 3, protRW}, {8, 2, protR}}
	if diff := cmp.Diff(want, spans(as)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	if got := as.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	checkDisjoint(t, as)
}

func TestUpsertSpanningSeveralMappings(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protRW)
	upsert(t, as, 10, 10, protR, protRW)
	upsert(t, as, 20, 10, protR, protRW)
	upsert(t, as, 5, 20, protRWX, protRWX)

	want := []span{{0, 5, protR}, {5, 20, protRWX}, {25, 5, protR}}
	if diff := cmp.Diff(want, spans(as)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	if got, want := as.Span(), uint64(30); got != want {
		t.Errorf("Span() = %d, want %d", got, want)
	}
	if got, want := as.MappedPages(22, 20), uint64(8); got != want {
		t.Errorf("MappedPages(22, 20) = %d, want %d", got, want)
	}
}

func TestSplitAdvancesFileOffset(t *testing.T) {
	g := hostarch.DefaultGeometry()
	as := NewAddressSpace(g)
	const off = 0x10000
	if err := as.Upsert(0, 10, protR, protR, linux.MAP_SHARED, FileDescriptor(3), off, 0x100000, owner); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := as.Remove(3, 2); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	left, ok := as.FindPage(0)
	if !ok {
		t.Fatalf("left remainder missing")
	}
	right, ok := as.FindPage(5)
	if !ok {
		t.Fatalf("right remainder missing")
	}
	if left.FileOffset != off {
		t.Errorf("left remainder FileOffset = %#x, want %#x", left.FileOffset, off)
	}
	if want := int64(off + 5*g.PageSize()); right.FileOffset != want {
		t.Errorf("right remainder FileOffset = %#x, want %#x", right.FileOffset, want)
	}
	if right.Backing != FileDescriptor(3) {
		t.Errorf("right remainder Backing = %v, want fd:3", right.Backing)
	}

	anon := newTestSpace()
	upsert(t, anon, 0, 10, protR, protR)
	anon.ChangeProtection(4, 2, protR)
	for e := range anon.All() {
		if e.FileOffset != 0 {
			t.Errorf("anonymous remainder %v has non-zero FileOffset", e)
		}
	}
}

func TestZeroLengthRejected(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protRW)
	before := as.Entries()

	for name, err := range map[string]error{
		"upsert": as.Upsert(3, 0, protR, protR, 0, Anonymous(), 0, 0, owner),
		"remove": as.Remove(3, 0),
	} {
		if !stderrors.Is(err, ErrInvalidInput) {
			t.Errorf("%s with zero length: got %v, want %v", name, err, ErrInvalidInput)
		}
		if !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("%s with zero length: error %v does not carry EINVAL", name, err)
		}
	}
	if diff := cmp.Diff(before, as.Entries()); diff != "" {
		t.Errorf("mappings changed by rejected operations (-want +got):\n%s", diff)
	}
}

func TestRangeOverflowRejected(t *testing.T) {
	as := newTestSpace()
	if err := as.Upsert(math.MaxUint32-1, 2, protR, protR, 0, Anonymous(), 0, 0, owner); !stderrors.Is(err, ErrInvalidInput) {
		t.Errorf("Upsert past the last page: got %v, want %v", err, ErrInvalidInput)
	}
	if err := as.Upsert(math.MaxUint32-1, 1, protR, protR, 0, Anonymous(), 0, 0, owner); err != nil {
		t.Errorf("Upsert of the last page failed: %v", err)
	}
}

func TestRemove(t *testing.T) {
	for _, test := range []struct {
		name    string
		initial []span
		start   uint32
		count   uint32
		want    []span
	}{
		{
			name:    "exact",
			initial: []span{{0, 10, protR}},
			start:   0,
			count:   10,
		},
		{
			name:    "unmapped",
			initial: []span{{0, 10, protR}},
			start:   20,
			count:   5,
			want:    []span{{0, 10, protR}},
		},
		{
			name:    "middle",
			initial: []span{{0, 10, protR}},
			start:   3,
			count:   4,
			want:    []span{{0, 3, protR}, {7, 3, protR}},
		},
		{
			name:    "across several",
			initial: []span{{0, 10, protR}, {10, 10, protRW}, {20, 10, protR}},
			start:   5,
			count:   20,
			want:    []span{{0, 5, protR}, {25, 5, protR}},
		},
		{
			name:    "covering holes",
			initial: []span{{0, 10, protR}, {20, 10, protR}},
			start:   0,
			count:   100,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			as := newTestSpace()
			for _, s := range test.initial {
				upsert(t, as, s.Start, s.Count, s.Prot, protRWX)
			}
			if err := as.Remove(test.start, test.count); err != nil {
				t.Fatalf("Remove(%d, %d) failed: %v", test.start, test.count, err)
			}
			if diff := cmp.Diff(test.want, spans(as)); diff != "" {
				t.Errorf("mappings mismatch (-want +got):\n%s", diff)
			}
			if len(test.want) == 0 && !as.IsEmpty() {
				t.Errorf("address space not empty:\n%v", as)
			}
		})
	}
}

func TestChangeProtection(t *testing.T) {
	for _, test := range []struct {
		name    string
		initial []span
		start   uint32
		count   uint32
		prot    int32
		want    []span
	}{
		{
			name:    "prefix",
			initial: []span{{0, 10, protR}},
			start:   0,
			count:   5,
			prot:    protW,
			want:    []span{{0, 5, protW}, {5, 5, protR}},
		},
		{
			name:    "interior",
			initial: []span{{0, 10, protR}},
			start:   3,
			count:   4,
			prot:    protRW,
			want:    []span{{0, 3, protR}, {3, 4, protRW}, {7, 3, protR}},
		},
		{
			name:    "whole entry",
			initial: []span{{0, 10, protR}},
			start:   0,
			count:   10,
			prot:    linux.PROT_NONE,
			want:    []span{{0, 10, linux.PROT_NONE}},
		},
		{
			name:    "across entries and holes",
			initial: []span{{0, 10, protR}, {15, 5, protR}, {30, 10, protR}},
			start:   5,
			count:   30,
			prot:    protRW,
			want:    []span{{0, 5, protR}, {5, 5, protRW}, {15, 5, protRW}, {30, 5, protRW}, {35, 5, protR}},
		},
		{
			name:    "unmapped",
			initial: []span{{0, 10, protR}},
			start:   20,
			count:   10,
			prot:    protRW,
			want:    []span{{0, 10, protR}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			as := newTestSpace()
			for _, s := range test.initial {
				upsert(t, as, s.Start, s.Count, s.Prot, protRWX)
			}
			as.ChangeProtection(test.start, test.count, test.prot)
			if diff := cmp.Diff(test.want, spans(as)); diff != "" {
				t.Errorf("mappings mismatch (-want +got):\n%s", diff)
			}
			checkDisjoint(t, as)
		})
	}
}

func TestCheckExistingMapping(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protRW)
	upsert(t, as, 20, 10, protR, protRW)
	upsert(t, as, 30, 10, protR, protR)

	for _, test := range []struct {
		start uint32
		count uint32
		prot  int32
		want  bool
	}{
		{start: 0, count: 10, prot: protR, want: true},
		{start: 2, count: 5, prot: protRW, want: true},
		{start: 2, count: 5, prot: protRWX},
		{start: 10, count: 10, prot: protR},
		{start: 5, count: 20, prot: protR},
		{start: 25, count: 10, prot: protR, want: true},
		{start: 25, count: 10, prot: protRW},
		{start: 35, count: 10, prot: protR},
		{start: 100, count: 1, prot: protR},
		{start: 0, count: 0, prot: protR},
	} {
		if got := as.CheckExistingMapping(test.start, test.count, test.prot); got != test.want {
			t.Errorf("CheckExistingMapping(%d, %d, %s) = %t, want %t", test.start, test.count, linux.ProtString(test.prot), got, test.want)
		}
	}

	if newTestSpace().CheckExistingMapping(0, 1, protR) {
		t.Errorf("CheckExistingMapping on empty address space returned true")
	}
}

func TestCheckAddrMapping(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protRW)
	upsert(t, as, 10, 10, protRW, protRW)
	upsert(t, as, 30, 10, protW, protRW)
	upsert(t, as, 40, 10, linux.PROT_NONE, protRW)

	for _, test := range []struct {
		start  uint32
		count  uint32
		prot   int32
		want   uint32
		wantOK bool
	}{
		{start: 2, count: 3, prot: protR, want: 10, wantOK: true},
		{start: 2, count: 3, prot: protW},
		{start: 5, count: 10, prot: protR, want: 20, wantOK: true},
		{start: 5, count: 10, prot: protW},
		{start: 15, count: 10, prot: protR},
		{start: 32, count: 2, prot: protR, want: 40, wantOK: true},
		{start: 32, count: 2, prot: protRW, want: 40, wantOK: true},
		{start: 42, count: 2, prot: protR},
		{start: 42, count: 2, prot: linux.PROT_NONE, want: 50, wantOK: true},
		{start: 60, count: 1, prot: protR},
	} {
		got, ok := as.CheckAddrMapping(test.start, test.count, test.prot)
		if got != test.want || ok != test.wantOK {
			t.Errorf("CheckAddrMapping(%d, %d, %s) = %d, %t; want %d, %t", test.start, test.count, linux.ProtString(test.prot), got, ok, test.want, test.wantOK)
		}
	}
}

func TestCheckAddrMappingCache(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protRW, protRW)

	first, firstOK := as.CheckAddrMapping(2, 3, protW)
	if !as.cacheValid {
		t.Fatalf("cache not populated by a fully contained match")
	}
	second, secondOK := as.CheckAddrMapping(2, 3, protW)
	if first != second || firstOK != secondOK {
		t.Errorf("cached result (%d, %t) differs from uncached result (%d, %t)", second, secondOK, first, firstOK)
	}
	if !firstOK || first != 10 {
		t.Errorf("CheckAddrMapping(2, 3, w) = %d, %t; want 10, true", first, firstOK)
	}

	// Mutations outside the cached entry keep the cache.
	upsert(t, as, 20, 5, protR, protR)
	if !as.cacheValid {
		t.Errorf("cache dropped by an unrelated mapping")
	}

	if err := as.Remove(0, 5); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if as.cacheValid {
		t.Errorf("cache not invalidated by Remove")
	}
	if end, ok := as.CheckAddrMapping(2, 3, protR); ok {
		t.Errorf("CheckAddrMapping on removed pages = %d, true; want false", end)
	}

	if _, ok := as.CheckAddrMapping(6, 2, protW); !ok {
		t.Fatalf("CheckAddrMapping(6, 2, w) failed")
	}
	as.ChangeProtection(5, 5, linux.PROT_NONE)
	if _, ok := as.CheckAddrMapping(6, 2, protR); ok {
		t.Errorf("CheckAddrMapping succeeded after protection was removed")
	}

	if _, ok := as.CheckAddrMapping(21, 1, protR); !ok {
		t.Fatalf("CheckAddrMapping(21, 1, r) failed")
	}
	as.FindPageMut(21).Prot = linux.PROT_NONE
	if _, ok := as.CheckAddrMapping(21, 1, protR); ok {
		t.Errorf("CheckAddrMapping succeeded after FindPageMut removed protection")
	}
}

func TestFindPage(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protRW)
	upsert(t, as, 20, 10, protRW, protRW)

	for _, test := range []struct {
		page   uint32
		start  uint32
		wantOK bool
	}{
		{page: 0, start: 0, wantOK: true},
		{page: 9, start: 0, wantOK: true},
		{page: 10},
		{page: 25, start: 20, wantOK: true},
		{page: 30},
	} {
		e, ok := as.FindPage(test.page)
		if ok != test.wantOK || (ok && e.StartPage != test.start) {
			t.Errorf("FindPage(%d) = %v, %t; want start %d, %t", test.page, e, ok, test.start, test.wantOK)
		}
	}
	if e := as.FindPageMut(15); e != nil {
		t.Errorf("FindPageMut(15) = %v, want nil", e)
	}
	as.FindPageMut(22).OwnerID = 9
	if e, _ := as.FindPage(29); e.OwnerID != 9 {
		t.Errorf("OwnerID after FindPageMut = %d, want 9", e.OwnerID)
	}
	if first, _ := as.First(); first.StartPage != 0 {
		t.Errorf("First() = %v, want start 0", first)
	}
	if last, _ := as.Last(); last.StartPage != 20 {
		t.Errorf("Last() = %v, want start 20", last)
	}
}

func TestIterator(t *testing.T) {
	as := newTestSpace()
	for _, start := range []uint32{30, 0, 20, 10} {
		upsert(t, as, start, 5, protR, protR)
	}

	it := as.Iter()
	var got []uint32
	for i := 0; ; i++ {
		var (
			e  Entry
			ok bool
		)
		if i%2 == 0 {
			e, ok = it.Next()
		} else {
			e, ok = it.NextBack()
		}
		if !ok {
			break
		}
		got = append(got, e.StartPage)
	}
	if diff := cmp.Diff([]uint32{0, 30, 10, 20}, got); diff != "" {
		t.Errorf("alternating iteration mismatch (-want +got):\n%s", diff)
	}
	if _, ok := it.NextBack(); ok {
		t.Errorf("exhausted iterator returned an entry")
	}

	for _, test := range []struct {
		page uint32
		want []uint32
	}{
		{page: 0, want: []uint32{0, 10, 20, 30}},
		{page: 12, want: []uint32{10, 20, 30}},
		{page: 16, want: []uint32{20, 30}},
		{page: 40},
	} {
		var starts []uint32
		it := as.FindPageIter(test.page)
		if it.Len() != len(test.want) {
			t.Errorf("FindPageIter(%d).Len() = %d, want %d", test.page, it.Len(), len(test.want))
		}
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			starts = append(starts, e.StartPage)
		}
		if diff := cmp.Diff(test.want, starts); diff != "" {
			t.Errorf("FindPageIter(%d) mismatch (-want +got):\n%s", test.page, diff)
		}
	}

	var back []uint32
	for e := range as.Backward() {
		back = append(back, e.StartPage)
	}
	if diff := cmp.Diff([]uint32{30, 20, 10, 0}, back); diff != "" {
		t.Errorf("Backward mismatch (-want +got):\n%s", diff)
	}
}

func TestFindSpace(t *testing.T) {
	if _, ok := newTestSpace().FindSpace(1); ok {
		t.Errorf("FindSpace on empty address space succeeded")
	}

	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protR)
	upsert(t, as, 12, 8, protR, protR)
	upsert(t, as, 30, 10, protR, protR)

	for _, test := range []struct {
		count    uint32
		hint     uint32
		withHint bool
		want     Range
		wantOK   bool
	}{
		{count: 1, want: Range{10, 12}, wantOK: true},
		{count: 2, want: Range{20, 30}, wantOK: true},
		{count: 9, want: Range{20, 30}, wantOK: true},
		{count: 10},
		{count: 1, hint: 15, withHint: true, want: Range{20, 30}, wantOK: true},
		{count: 1, hint: 25, withHint: true, want: Range{25, 30}, wantOK: true},
		{count: 5, hint: 26, withHint: true},
		{count: 1, hint: 40, withHint: true},
	} {
		var (
			got Range
			ok  bool
		)
		if test.withHint {
			got, ok = as.FindSpaceAboveHint(test.count, test.hint)
		} else {
			got, ok = as.FindSpace(test.count)
		}
		if got != test.want || ok != test.wantOK {
			t.Errorf("find space for %d pages (hint %d, %t) = %v, %t; want %v, %t", test.count, test.hint, test.withHint, got, ok, test.want, test.wantOK)
		}
	}
}

func TestFindMapSpace(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protR, protR)
	upsert(t, as, 15, 5, protR, protR)
	upsert(t, as, 40, 1, protR, protR)

	got, ok := as.FindMapSpace(3, 4)
	if !ok {
		t.Fatalf("FindMapSpace(3, 4) failed")
	}
	if got.Start%4 != 0 || got.End%4 != 0 {
		t.Errorf("FindMapSpace(3, 4) = %v, bounds not multiples of 4", got)
	}
	if got.Length() < 4 {
		t.Errorf("FindMapSpace(3, 4) = %v, shorter than 4 pages", got)
	}
	if want := (Range{12, 16}); got != want {
		t.Errorf("FindMapSpace(3, 4) = %v, want %v", got, want)
	}

	if got, ok := as.FindMapSpaceWithHint(8, 8, 20); !ok || got != (Range{32, 40}) {
		t.Errorf("FindMapSpaceWithHint(8, 8, 20) = %v, %t; want [32, 40), true", got, ok)
	}
	if got, ok := as.FindMapSpaceWithHint(32, 8, 20); ok {
		t.Errorf("FindMapSpaceWithHint(32, 8, 20) = %v, true; want false", got)
	}
	for _, align := range []uint32{0, 3, 6} {
		if got, ok := as.FindMapSpace(1, align); ok {
			t.Errorf("FindMapSpace(1, %d) = %v, true; want false for non-power-of-two alignment", align, got)
		}
	}
	if _, ok := newTestSpace().FindMapSpace(1, 1); ok {
		t.Errorf("FindMapSpace on empty address space succeeded")
	}
}

func TestInsertDisjoint(t *testing.T) {
	as := newTestSpace()
	as.InsertDisjoint(NewEntry(0, 10, protR, protR, 0, Anonymous(), 0, 0, owner))
	as.InsertDisjoint(NewEntry(10, 10, protR, protR, 0, SharedMemory(4), 0, 0, owner))

	for _, e := range []Entry{
		NewEntry(5, 10, protR, protR, 0, Anonymous(), 0, 0, owner),
		NewEntry(30, 0, protR, protR, 0, Anonymous(), 0, 0, owner),
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("InsertDisjoint(%v) did not panic", e)
				}
			}()
			as.InsertDisjoint(e)
		}()
	}
	if got := as.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestClone(t *testing.T) {
	as := newTestSpace()
	upsert(t, as, 0, 10, protRW, protRW)
	c := as.Clone()
	c.ChangeProtection(0, 5, protR)
	if err := c.Remove(8, 2); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if diff := cmp.Diff([]span{{0, 10, protRW}}, spans(as)); diff != "" {
		t.Errorf("original changed through clone (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]span{{0, 5, protR}, {5, 3, protRW}}, spans(c)); diff != "" {
		t.Errorf("clone mismatch (-want +got):\n%s", diff)
	}
}

// TestRandomOperations checks every mutation against a page-granular model.
func TestRandomOperations(t *testing.T) {
	const (
		pages = 256
		ops   = 2000
		none  = -1
	)
	rng := rand.New(rand.NewSource(1))
	var model [pages]int32
	for i := range model {
		model[i] = none
	}
	as := newTestSpace()
	prots := []int32{linux.PROT_NONE, protR, protRW, protRWX}

	for i := 0; i < ops; i++ {
		start := uint32(rng.Intn(pages))
		count := uint32(rng.Intn(pages-int(start))) + 1
		prot := prots[rng.Intn(len(prots))]
		switch rng.Intn(3) {
		case 0:
			upsert(t, as, start, count, prot, protRWX)
			for p := start; p < start+count; p++ {
				model[p] = prot
			}
		case 1:
			if err := as.Remove(start, count); err != nil {
				t.Fatalf("op %d: Remove(%d, %d) failed: %v", i, start, count, err)
			}
			for p := start; p < start+count; p++ {
				model[p] = none
			}
		case 2:
			as.ChangeProtection(start, count, prot)
			for p := start; p < start+count; p++ {
				if model[p] != none {
					model[p] = prot
				}
			}
		}
		checkDisjoint(t, as)

		var mapped uint64
		for p := uint32(0); p < pages; p++ {
			e, ok := as.FindPage(p)
			switch {
			case model[p] == none && ok:
				t.Fatalf("op %d: page %d mapped by %v, want unmapped", i, p, e)
			case model[p] != none && !ok:
				t.Fatalf("op %d: page %d unmapped, want prot %s", i, p, linux.ProtString(model[p]))
			case ok && e.Prot != model[p]:
				t.Fatalf("op %d: page %d has prot %s, want %s", i, p, linux.ProtString(e.Prot), linux.ProtString(model[p]))
			}
			if ok {
				mapped++
			}
		}
		if got := as.Span(); got != mapped {
			t.Fatalf("op %d: Span() = %d, want %d", i, got, mapped)
		}
	}
}
