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

package linux

import (
	"fmt"
	"strings"
)

// Protections for mmap(2) and mprotect(2).
const (
	PROT_NONE      = 0
	PROT_READ      = 1 << 0
	PROT_WRITE     = 1 << 1
	PROT_EXEC      = 1 << 2
	PROT_SEM       = 1 << 3
	PROT_GROWSDOWN = 1 << 24
	PROT_GROWSUP   = 1 << 25

	// PROT_ACCESS is the set of bits that describe access rights.
	PROT_ACCESS = PROT_READ | PROT_WRITE | PROT_EXEC
)

// Flags for mmap(2).
const (
	MAP_SHARED          = 1 << 0
	MAP_PRIVATE         = 1 << 1
	MAP_SHARED_VALIDATE = MAP_SHARED | MAP_PRIVATE
	MAP_FIXED           = 1 << 4
	MAP_ANONYMOUS       = 1 << 5
	MAP_32BIT           = 1 << 6 // arch/x86/include/uapi/asm/mman.h.
	MAP_GROWSDOWN       = 1 << 8
	MAP_DENYWRITE       = 1 << 11
	MAP_EXECUTABLE      = 1 << 12
	MAP_LOCKED          = 1 << 13
	MAP_NORESERVE       = 1 << 14
	MAP_POPULATE        = 1 << 15
	MAP_NONBLOCK        = 1 << 16
	MAP_STACK           = 1 << 17
	MAP_HUGETLB         = 1 << 18
	MAP_FIXED_NOREPLACE = 1 << 20
)

// ProtString returns the /proc/[pid]/maps style rendering of the access bits
// of prot, e.g. "rw-".
func ProtString(prot int32) string {
	b := []byte("---")
	if prot&PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}

var protNames = map[string]int32{
	"none":  PROT_NONE,
	"read":  PROT_READ,
	"write": PROT_WRITE,
	"exec":  PROT_EXEC,
}

var mapNames = map[string]int32{
	"shared":          MAP_SHARED,
	"private":         MAP_PRIVATE,
	"fixed":           MAP_FIXED,
	"anonymous":       MAP_ANONYMOUS,
	"growsdown":       MAP_GROWSDOWN,
	"noreserve":       MAP_NORESERVE,
	"populate":        MAP_POPULATE,
	"stack":           MAP_STACK,
	"fixed_noreplace": MAP_FIXED_NOREPLACE,
}

// ParseProt parses a list of symbolic protection names ("read", "write",
// "exec", "none") into a PROT_* bitmask.
func ParseProt(names []string) (int32, error) {
	return parseBits(names, protNames, "protection")
}

// ParseMapFlags parses a list of symbolic mmap flag names ("private",
// "shared", "fixed", ...) into a MAP_* bitmask.
func ParseMapFlags(names []string) (int32, error) {
	return parseBits(names, mapNames, "mmap flag")
}

func parseBits(names []string, table map[string]int32, what string) (int32, error) {
	var bits int32
	for _, n := range names {
		v, ok := table[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown %s %q", what, n)
		}
		bits |= v
	}
	return bits, nil
}
