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
	"context"
	"math"

	"cagemm.dev/cagemm/pkg/abi/linux"
	"cagemm.dev/cagemm/pkg/errors/linuxerr"
	"cagemm.dev/cagemm/pkg/hostarch"
	"cagemm.dev/cagemm/pkg/log"
	"cagemm.dev/cagemm/pkg/vmmap"
)

// MMapOpts specifies options to MMap.
type MMapOpts struct {
	// Length is the length of the mapping in bytes.
	Length uint64

	// Addr is the suggested address for the mapping, or the required one if
	// Fixed is true.
	Addr hostarch.Addr

	// Fixed is true if the mapping must be placed at Addr.
	Fixed bool

	// Unmap is true if existing mappings in the range may be replaced. If
	// Unmap is true, Fixed must be true.
	Unmap bool

	// Prot is the initial protection of the mapping.
	Prot int32

	// MaxProt is the protection Prot may at most be raised to.
	MaxProt int32

	// Flags are the MAP_* flags recorded with the mapping.
	Flags int32

	// Backing is the store behind the mapping.
	Backing vmmap.Backing

	// Offset is the byte offset into the backing store. It is ignored for
	// mappings without one.
	Offset int64

	// FileSize is the size of the backing store in bytes.
	FileSize int64
}

// OptsFromFlags returns MMapOpts for an mmap(2) call with the given
// arguments. maxProt is the protection the backing store permits.
func OptsFromFlags(addr hostarch.Addr, length uint64, prot, maxProt, flags int32, backing vmmap.Backing, offset, fileSize int64) MMapOpts {
	fixed := flags&(linux.MAP_FIXED|linux.MAP_FIXED_NOREPLACE) != 0
	return MMapOpts{
		Length:   length,
		Addr:     addr,
		Fixed:    fixed,
		Unmap:    fixed && flags&linux.MAP_FIXED_NOREPLACE == 0,
		Prot:     prot,
		MaxProt:  maxProt,
		Flags:    flags,
		Backing:  backing,
		Offset:   offset,
		FileSize: fileSize,
	}
}

// pageBounds returns the page range [min, max) of mm's layout.
func (mm *MemoryManager) pageBounds() (uint64, uint64) {
	lo := uint64(mm.layout.MinAddr) >> mm.geometry.Shift
	hi := uint64(mm.layout.MaxAddr) >> mm.geometry.Shift
	if hi > math.MaxUint32 {
		hi = math.MaxUint32
	}
	return lo, hi
}

// MMap establishes a memory mapping.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	g := mm.geometry
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	pages, ok := g.PagesFor(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}

	if opts.Backing.HasStore() {
		// Offset must be aligned.
		if opts.Offset < 0 || !g.IsPageAligned(hostarch.Addr(opts.Offset)) {
			return 0, linuxerr.EINVAL
		}
		// Offset + length must not overflow.
		if end := opts.Offset + int64(g.BytesOf(pages)); end < opts.Offset {
			return 0, linuxerr.EOVERFLOW
		}
	} else {
		opts.Offset = 0
	}

	if !g.IsPageAligned(opts.Addr) {
		// MAP_FIXED requires addr to be page-aligned; non-fixed mappings
		// don't.
		if opts.Fixed {
			return 0, linuxerr.EINVAL
		}
		opts.Addr = g.RoundDown(opts.Addr)
	}

	if opts.Prot&^opts.MaxProt != 0 {
		return 0, linuxerr.EACCES
	}
	if opts.Unmap && !opts.Fixed {
		return 0, linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	start, err := mm.findAvailableLocked(opts.Addr, pages, opts.Fixed, opts.Unmap)
	if err != nil {
		failureLog.Warningf("mm: cage %d mmap of %d pages at %#x failed: %v", mm.owner, pages, opts.Addr, err)
		return 0, err
	}

	replaced := mm.vmas.MappedPages(start, pages)
	if err := mm.vmas.Upsert(start, pages, opts.Prot, opts.MaxProt, opts.Flags, opts.Backing, opts.Offset, opts.FileSize, mm.owner); err != nil {
		return 0, err
	}
	mm.usageAS += g.BytesOf(pages) - replaced<<g.Shift

	addr := g.AddrOf(start)
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: cage %d mmap [%#x, %#x) %s %v", mm.owner, addr, addr+hostarch.Addr(g.BytesOf(pages)), linux.ProtString(opts.Prot), opts.Backing)
	}
	return addr, nil
}

// findAvailableLocked returns the first page of a range of pages pages at
// which a mapping may be placed.
//
// Preconditions: mm.mu must be locked. addr is page-aligned.
func (mm *MemoryManager) findAvailableLocked(addr hostarch.Addr, pages uint32, fixed, unmap bool) (uint32, error) {
	g := mm.geometry
	minPage, maxPage := mm.pageBounds()

	if fixed {
		start, ok := g.PageOf(addr)
		if !ok || uint64(start)+uint64(pages) > maxPage {
			return 0, linuxerr.ENOMEM
		}
		if !unmap && mm.vmas.Overlaps(start, pages) {
			return 0, linuxerr.EEXIST
		}
		return start, nil
	}

	fits := func(start uint64) bool {
		return start >= minPage && start+uint64(pages) <= maxPage && !mm.vmas.Overlaps(uint32(start), pages)
	}

	// Prefer the hint if it is free.
	hint, ok := g.PageOf(addr)
	if addr != 0 && ok && fits(uint64(hint)) {
		return hint, nil
	}

	// Then a gap between existing mappings.
	align := mm.layout.MapAlignmentPages
	var (
		r     vmmap.Range
		found bool
	)
	if addr != 0 && ok {
		r, found = mm.vmas.FindMapSpaceWithHint(pages, align, hint)
	} else {
		r, found = mm.vmas.FindMapSpace(pages, align)
	}
	if found && fits(uint64(r.Start)) {
		return r.Start, nil
	}

	// Then above every existing mapping.
	start := minPage
	if last, ok := mm.vmas.Last(); ok && uint64(last.EndPage()) > start {
		start = uint64(last.EndPage())
	}
	a := uint64(align)
	start = (start + a - 1) &^ (a - 1)
	if !fits(start) {
		return 0, linuxerr.ENOMEM
	}
	return uint32(start), nil
}

// addrPages converts [addr, addr+length) to pages, rounding length up.
func (mm *MemoryManager) addrPages(addr hostarch.Addr, length uint64) (start, count uint32, ok bool) {
	rlength, ok := mm.geometry.RoundUp(hostarch.Addr(length))
	if !ok {
		return 0, 0, false
	}
	ar, ok := addr.ToRange(uint64(rlength))
	if !ok {
		return 0, 0, false
	}
	return mm.geometry.PageRange(ar)
}

// MUnmap implements the semantics of Linux's munmap(2).
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if !mm.geometry.IsPageAligned(addr) {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return linuxerr.EINVAL
	}
	start, count, ok := mm.addrPages(addr, length)
	if !ok {
		return linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	removed := mm.vmas.MappedPages(start, count)
	if err := mm.vmas.Remove(start, count); err != nil {
		return err
	}
	mm.usageAS -= removed << mm.geometry.Shift
	log.Debugf("mm: cage %d munmap [%#x, %#x): %d pages unmapped", mm.owner, addr, addr+hostarch.Addr(mm.geometry.BytesOf(count)), removed)
	return nil
}

// MProtect implements the semantics of Linux's mprotect(2).
func (mm *MemoryManager) MProtect(ctx context.Context, addr hostarch.Addr, length uint64, prot int32) error {
	if !mm.geometry.IsPageAligned(addr) {
		return linuxerr.EINVAL
	}
	if prot&^linux.PROT_ACCESS != 0 {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	start, count, ok := mm.addrPages(addr, length)
	if !ok {
		return linuxerr.ENOMEM
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	// The whole range must be mapped, and prot must be permitted by every
	// mapping in it.
	if !mm.vmas.CheckExistingMapping(start, count, linux.PROT_NONE) {
		failureLog.Warningf("mm: cage %d mprotect [%#x, +%#x) hits unmapped pages", mm.owner, addr, length)
		return linuxerr.ENOMEM
	}
	if !mm.vmas.CheckExistingMapping(start, count, prot) {
		failureLog.Warningf("mm: cage %d mprotect [%#x, +%#x) to %s exceeds max protection", mm.owner, addr, length, linux.ProtString(prot))
		return linuxerr.EACCES
	}
	mm.vmas.ChangeProtection(start, count, prot)
	log.Debugf("mm: cage %d mprotect [%#x, +%#x) %s", mm.owner, addr, length, linux.ProtString(prot))
	return nil
}

// CheckAccess returns true if every byte in [addr, addr+length) is mapped
// with protection that permits prot. On success it also returns the end of
// the mapping covering the tail of the range, which callers scanning a
// buffer may resume from.
func (mm *MemoryManager) CheckAccess(addr hostarch.Addr, length uint64, prot int32) (hostarch.Addr, bool) {
	g := mm.geometry
	if length == 0 {
		return addr, true
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return 0, false
	}
	start := g.RoundDown(addr)
	rend, ok := g.RoundUp(end)
	if !ok {
		return 0, false
	}
	first, count, ok := g.PageRange(hostarch.AddrRange{Start: start, End: rend})
	if !ok {
		return 0, false
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	endPage, ok := mm.vmas.CheckAddrMapping(first, count, prot)
	if !ok {
		return 0, false
	}
	return g.AddrOf(endPage), true
}
