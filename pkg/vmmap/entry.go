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
	"fmt"

	"cagemm.dev/cagemm/pkg/abi/linux"
	"cagemm.dev/cagemm/pkg/segment"
)

// BackingKind identifies the kind of store behind a mapping.
type BackingKind uint8

const (
	// BackingNone indicates that a mapping has no backing store.
	BackingNone BackingKind = iota

	// BackingAnonymous indicates zero-filled private or shared anonymous
	// memory.
	BackingAnonymous

	// BackingSharedMemory indicates a shared memory segment, identified by
	// an opaque segment ID.
	BackingSharedMemory

	// BackingFileDescriptor indicates a file, identified by an opaque
	// descriptor ID.
	BackingFileDescriptor
)

// String implements fmt.Stringer.String.
func (k BackingKind) String() string {
	switch k {
	case BackingNone:
		return "none"
	case BackingAnonymous:
		return "anon"
	case BackingSharedMemory:
		return "shm"
	case BackingFileDescriptor:
		return "fd"
	default:
		return fmt.Sprintf("BackingKind(%d)", uint8(k))
	}
}

// Backing describes the store behind a mapping. ID is meaningful only for
// BackingSharedMemory and BackingFileDescriptor, and is never interpreted by
// this package.
type Backing struct {
	Kind BackingKind
	ID   uint64
}

// Anonymous returns an anonymous Backing.
func Anonymous() Backing {
	return Backing{Kind: BackingAnonymous}
}

// SharedMemory returns a Backing for the shared memory segment id.
func SharedMemory(id uint64) Backing {
	return Backing{Kind: BackingSharedMemory, ID: id}
}

// FileDescriptor returns a Backing for the file descriptor id.
func FileDescriptor(id uint64) Backing {
	return Backing{Kind: BackingFileDescriptor, ID: id}
}

// HasStore returns true if b refers to an external store whose offsets must
// follow the mapping when it is split.
func (b Backing) HasStore() bool {
	return b.Kind == BackingSharedMemory || b.Kind == BackingFileDescriptor
}

// String implements fmt.Stringer.String.
func (b Backing) String() string {
	if b.HasStore() {
		return fmt.Sprintf("%v:%d", b.Kind, b.ID)
	}
	return b.Kind.String()
}

// Entry describes one contiguous mapped region of a cage's address space.
//
// Positions and lengths are in pages. FileOffset is in bytes.
type Entry struct {
	// StartPage is the first page covered by the mapping.
	StartPage uint32

	// PageCount is the length of the mapping in pages. It is non-zero for
	// every entry stored in an AddressSpace.
	PageCount uint32

	// Prot is the current protection, a combination of linux.PROT_* bits.
	Prot int32

	// MaxProt is the protection Prot may at most be raised to.
	MaxProt int32

	// Flags holds the linux.MAP_* flags the mapping was created with.
	Flags int32

	// FileOffset is the offset in bytes into the backing store at which the
	// mapping starts.
	FileOffset int64

	// FileSize is the size of the backing store in bytes.
	FileSize int64

	// OwnerID identifies the cage that owns the mapping.
	OwnerID uint64

	// Backing is the store behind the mapping.
	Backing Backing
}

// NewEntry returns an Entry with the given fields. It does not validate
// them.
func NewEntry(startPage, pageCount uint32, prot, maxProt, flags int32, backing Backing, fileOffset, fileSize int64, ownerID uint64) Entry {
	return Entry{
		StartPage:  startPage,
		PageCount:  pageCount,
		Prot:       prot,
		MaxProt:    maxProt,
		Flags:      flags,
		FileOffset: fileOffset,
		FileSize:   fileSize,
		OwnerID:    ownerID,
		Backing:    backing,
	}
}

// EndPage returns the page following the last page covered by e.
func (e Entry) EndPage() uint32 {
	return e.StartPage + e.PageCount
}

// Range returns the page range covered by e.
func (e Entry) Range() segment.Range {
	return segment.Range{Start: e.StartPage, End: e.EndPage()}
}

// Contains returns true if page lies within e.
func (e Entry) Contains(page uint32) bool {
	return e.Range().Contains(page)
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v %s/%s flags=%#x %v off=%#x size=%#x owner=%d",
		e.Range(), linux.ProtString(e.Prot), linux.ProtString(e.MaxProt), e.Flags, e.Backing, e.FileOffset, e.FileSize, e.OwnerID)
}
