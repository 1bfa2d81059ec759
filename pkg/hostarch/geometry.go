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

package hostarch

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	// PageShift is the binary log of the default page size.
	PageShift = 12

	// PageSize is the default page size.
	PageSize = 1 << PageShift
)

// Geometry describes the page size used to convert byte addresses and lengths
// into page numbers and page counts. Page numbers are 32 bits wide, so the
// addressable span is 2^32 pages.
//
// The zero value is not valid; use NewGeometry or DefaultGeometry.
type Geometry struct {
	// Shift is the binary log of the page size.
	Shift uint
}

// DefaultGeometry returns a Geometry for PageSize pages.
func DefaultGeometry() Geometry {
	return Geometry{Shift: PageShift}
}

// NewGeometry returns the Geometry for pages of pageSize bytes. pageSize must
// be a power of two between 512 bytes and 1GB.
func NewGeometry(pageSize uint64) (Geometry, error) {
	if pageSize < 512 || pageSize > 1<<30 || pageSize&(pageSize-1) != 0 {
		return Geometry{}, fmt.Errorf("page size %d is not a power of two in [512, 1G]", pageSize)
	}
	return Geometry{Shift: uint(bits.TrailingZeros64(pageSize))}, nil
}

// PageSize returns the page size in bytes.
func (g Geometry) PageSize() uint64 {
	return 1 << g.Shift
}

// PageMask returns the mask of the in-page offset bits.
func (g Geometry) PageMask() uint64 {
	return g.PageSize() - 1
}

// MaxAddr returns the exclusive upper bound of the addressable span.
func (g Geometry) MaxAddr() uint64 {
	return uint64(math.MaxUint32+1) << g.Shift
}

// RoundDown returns v rounded down to the nearest page boundary.
func (g Geometry) RoundDown(v Addr) Addr {
	return v &^ Addr(g.PageMask())
}

// RoundUp returns v rounded up to the nearest page boundary. ok is true iff
// rounding up did not wrap around.
func (g Geometry) RoundUp(v Addr) (addr Addr, ok bool) {
	addr = g.RoundDown(v + Addr(g.PageMask()))
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is a multiple of the page size.
func (g Geometry) IsPageAligned(v Addr) bool {
	return uint64(v)&g.PageMask() == 0
}

// PageOf returns the number of the page containing v. ok is false if v lies
// beyond the addressable span.
func (g Geometry) PageOf(v Addr) (page uint32, ok bool) {
	p := uint64(v) >> g.Shift
	if p > math.MaxUint32 {
		return 0, false
	}
	return uint32(p), true
}

// PagesFor returns the number of pages needed to hold length bytes. ok is
// false if the count does not fit in a page count.
func (g Geometry) PagesFor(length uint64) (pages uint32, ok bool) {
	p := length >> g.Shift
	if length&g.PageMask() != 0 {
		p++
	}
	if p > math.MaxUint32 {
		return 0, false
	}
	return uint32(p), true
}

// AddrOf returns the address of the first byte of page.
func (g Geometry) AddrOf(page uint32) Addr {
	return Addr(uint64(page) << g.Shift)
}

// BytesOf returns the size in bytes of pages pages.
func (g Geometry) BytesOf(pages uint32) uint64 {
	return uint64(pages) << g.Shift
}

// PageRange converts ar into a starting page and page count. ar.Start must be
// page-aligned; ar.End is rounded up. ok is false if ar is malformed or if the
// page past the end of the range is not representable as a page number.
func (g Geometry) PageRange(ar AddrRange) (start, count uint32, ok bool) {
	if !ar.WellFormed() || !g.IsPageAligned(ar.Start) {
		return 0, 0, false
	}
	if uint64(ar.End) > g.MaxAddr() {
		return 0, 0, false
	}
	start, ok = g.PageOf(ar.Start)
	if !ok {
		return 0, 0, false
	}
	count, ok = g.PagesFor(ar.Length())
	if !ok || uint64(start)+uint64(count) > math.MaxUint32 {
		return 0, 0, false
	}
	return start, count, true
}

// String implements fmt.Stringer.String.
func (g Geometry) String() string {
	return fmt.Sprintf("%dB pages", g.PageSize())
}
