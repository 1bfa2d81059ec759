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

// Package mm emulates the memory-management system calls of a cage on top of
// a vmmap.AddressSpace.
//
// MemoryManager converts byte addresses and lengths to page units, applies
// the argument checks Linux applies to mmap, munmap and mprotect, and
// serializes access to the underlying address space.
package mm

import (
	"fmt"
	"sync"
	"time"

	"cagemm.dev/cagemm/pkg/hostarch"
	"cagemm.dev/cagemm/pkg/log"
	"cagemm.dev/cagemm/pkg/vmmap"
)

// Layout bounds the addresses a MemoryManager may place mappings at.
type Layout struct {
	// MinAddr is the lowest address at which non-fixed mappings are placed.
	MinAddr hostarch.Addr

	// MaxAddr is the exclusive upper bound of every mapping.
	MaxAddr hostarch.Addr

	// MapAlignmentPages is the alignment, in pages, of non-fixed mappings
	// placed between existing ones. It must be a power of two.
	MapAlignmentPages uint32
}

// DefaultLayout returns the layout used when none is configured: the whole
// range addressable with g, with non-fixed mappings starting one page up so
// that address 0 is never mapped implicitly.
func DefaultLayout(g hostarch.Geometry) Layout {
	return Layout{
		MinAddr:           hostarch.Addr(g.PageSize()),
		MaxAddr:           hostarch.Addr(g.MaxAddr()),
		MapAlignmentPages: 1,
	}
}

// Validate returns an error if l cannot be used with g.
func (l Layout) Validate(g hostarch.Geometry) error {
	switch {
	case !g.IsPageAligned(l.MinAddr) || !g.IsPageAligned(l.MaxAddr):
		return fmt.Errorf("layout bounds [%#x, %#x) are not aligned to %v", l.MinAddr, l.MaxAddr, g)
	case l.MinAddr >= l.MaxAddr:
		return fmt.Errorf("layout bounds [%#x, %#x) are empty", l.MinAddr, l.MaxAddr)
	case uint64(l.MaxAddr) > g.MaxAddr():
		return fmt.Errorf("layout end %#x exceeds the %#x addressable with %v", l.MaxAddr, g.MaxAddr(), g)
	case l.MapAlignmentPages == 0 || l.MapAlignmentPages&(l.MapAlignmentPages-1) != 0:
		return fmt.Errorf("map alignment %d is not a power of two", l.MapAlignmentPages)
	}
	return nil
}

// failureLog reports rejected system calls without flooding the log when a
// cage retries in a loop.
var failureLog = log.BasicRateLimitedLogger(time.Second)

// MemoryManager implements a cage's memory-management system calls.
type MemoryManager struct {
	// owner is the ID of the cage, recorded in every mapping it creates.
	owner uint64

	geometry hostarch.Geometry
	layout   Layout

	// mu serializes every operation on vmas, including queries, since
	// vmmap.AddressSpace caches lookups.
	mu sync.Mutex

	// vmas is the set of mappings.
	//
	// vmas is protected by mu.
	vmas *vmmap.AddressSpace

	// usageAS is vmas.Span() in bytes, maintained incrementally.
	//
	// usageAS is protected by mu.
	usageAS uint64
}

// NewMemoryManager returns a MemoryManager with no mappings for cage owner.
func NewMemoryManager(owner uint64, g hostarch.Geometry, layout Layout) (*MemoryManager, error) {
	if err := layout.Validate(g); err != nil {
		return nil, err
	}
	return &MemoryManager{
		owner:    owner,
		geometry: g,
		layout:   layout,
		vmas:     vmmap.NewAddressSpace(g),
	}, nil
}

// Owner returns the cage ID of mm.
func (mm *MemoryManager) Owner() uint64 {
	return mm.owner
}

// Geometry returns the page geometry of mm.
func (mm *MemoryManager) Geometry() hostarch.Geometry {
	return mm.geometry
}

// Layout returns the layout of mm.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// UsageAS returns the number of bytes mapped.
func (mm *MemoryManager) UsageAS() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.usageAS
}

// Mappings returns a copy of every mapping in ascending order.
func (mm *MemoryManager) Mappings() []vmmap.Entry {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.vmas.Entries()
}

// Fork returns a MemoryManager for cage newOwner holding a copy of every
// mapping in mm, re-owned by newOwner.
func (mm *MemoryManager) Fork(newOwner uint64) *MemoryManager {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	child := &MemoryManager{
		owner:    newOwner,
		geometry: mm.geometry,
		layout:   mm.layout,
		vmas:     mm.vmas.Clone(),
		usageAS:  mm.usageAS,
	}
	for _, e := range child.vmas.Entries() {
		child.vmas.FindPageMut(e.StartPage).OwnerID = newOwner
	}
	log.Debugf("mm: cage %d forked into cage %d with %d mappings", mm.owner, newOwner, child.vmas.Len())
	return child
}
