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

// Package replay drives MemoryManagers from recorded system-call traces.
//
// A trace is a YAML document listing, for each cage, the mmap, munmap,
// mprotect, access-check and fork operations it performs, optionally with
// the outcome each operation is expected to have:
//
//	cages:
//	  - id: 1
//	    ops:
//	      - op: mmap
//	        length: 16KiB
//	        prot: [read, write]
//	        flags: [private, anonymous]
//	        expect_addr: 0x10000
//	      - op: mprotect
//	        addr: 0x10000
//	        length: 0x1000
//	        prot: [read, exec]
//	        expect_error: EACCES
package replay

import (
	"fmt"
	"io"
	"math"
	"os"

	"cagemm.dev/cagemm/pkg/abi/linux"
	"cagemm.dev/cagemm/pkg/errors/linuxerr"
	"cagemm.dev/cagemm/pkg/vmmap"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Operation names.
const (
	OpMMap     = "mmap"
	OpMUnmap   = "munmap"
	OpMProtect = "mprotect"
	OpCheck    = "check"
	OpFork     = "fork"
)

// Trace is a recorded sequence of operations for one or more cages.
type Trace struct {
	Cages []Cage `yaml:"cages"`
}

// Cage is the operations performed by one cage, in order.
type Cage struct {
	// ID is the cage ID. It must be non-zero and unique within the trace.
	ID  uint64 `yaml:"id"`
	Ops []Op   `yaml:"ops"`
}

// Op is one operation.
type Op struct {
	// Op is the operation name, one of the Op* constants.
	Op string `yaml:"op"`

	Addr uint64 `yaml:"addr"`

	// Length is the length of the operation in bytes.
	Length Size `yaml:"length"`

	// Prot lists symbolic protection names, e.g. [read, write].
	Prot []string `yaml:"prot"`

	// MaxProt lists the protection the backing store permits. If it is
	// absent, every access is permitted.
	MaxProt []string `yaml:"max_prot"`

	// Flags lists symbolic mmap flag names, e.g. [private, anonymous].
	Flags []string `yaml:"flags"`

	// Backing is one of "anonymous", "shm", "fd" or "none". It defaults to
	// "anonymous".
	Backing   string `yaml:"backing"`
	BackingID uint64 `yaml:"backing_id"`
	Offset    int64  `yaml:"offset"`
	FileSize  Size   `yaml:"file_size"`

	// Child is the cage ID given to the copy created by a fork.
	Child uint64 `yaml:"child"`

	// ExpectError is the errno name, e.g. "EEXIST", the operation is
	// expected to fail with. If it is empty, the operation is expected to
	// succeed.
	ExpectError string `yaml:"expect_error"`

	// ExpectAddr is the address an mmap is expected to return.
	ExpectAddr *uint64 `yaml:"expect_addr"`

	// ExpectOK is the expected outcome of a check.
	ExpectOK *bool `yaml:"expect_ok"`
}

// Size is a byte count. In a trace it is written either as an integer or as
// a human-readable size with binary units, e.g. "16KiB" or "2m".
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	var v uint64
	if err := n.Decode(&v); err == nil {
		*s = Size(v)
		return nil
	}
	var str string
	if err := n.Decode(&str); err != nil {
		return fmt.Errorf("line %d: invalid size: %w", n.Line, err)
	}
	b, err := units.RAMInBytes(str)
	if err != nil || b < 0 {
		return fmt.Errorf("line %d: invalid size %q", n.Line, str)
	}
	*s = Size(b)
	return nil
}

// String implements fmt.Stringer.String.
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Parse decodes and validates a trace from r.
func Parse(r io.Reader) (*Trace, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var t Trace
	if err := dec.Decode(&t); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty trace")
		}
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load parses the trace file at path.
func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Validate returns an error if t is malformed.
func (t *Trace) Validate() error {
	ids := make(map[uint64]struct{})
	for i := range t.Cages {
		c := &t.Cages[i]
		if c.ID == 0 {
			return fmt.Errorf("cage %d: id must be non-zero", i)
		}
		if _, ok := ids[c.ID]; ok {
			return fmt.Errorf("cage %d: duplicate id %d", i, c.ID)
		}
		ids[c.ID] = struct{}{}
		for j := range c.Ops {
			if err := c.Ops[j].validate(); err != nil {
				return fmt.Errorf("cage %d op %d: %w", c.ID, j, err)
			}
		}
	}
	return nil
}

func (op *Op) validate() error {
	switch op.Op {
	case OpMMap, OpMUnmap, OpMProtect, OpCheck:
	case OpFork:
		if op.Child == 0 {
			return fmt.Errorf("fork requires a non-zero child id")
		}
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	if _, err := linux.ParseProt(op.Prot); err != nil {
		return err
	}
	if _, err := linux.ParseProt(op.MaxProt); err != nil {
		return err
	}
	if _, err := linux.ParseMapFlags(op.Flags); err != nil {
		return err
	}
	if _, err := op.backing(); err != nil {
		return err
	}
	if op.FileSize > math.MaxInt64 {
		return fmt.Errorf("file_size %d out of range", uint64(op.FileSize))
	}
	if op.ExpectError != "" {
		if _, ok := linuxerr.FromName(op.ExpectError); !ok {
			return fmt.Errorf("unknown errno %q", op.ExpectError)
		}
	}
	if op.ExpectAddr != nil && op.Op != OpMMap {
		return fmt.Errorf("expect_addr is only valid for mmap")
	}
	if op.ExpectOK != nil && op.Op != OpCheck {
		return fmt.Errorf("expect_ok is only valid for check")
	}
	return nil
}

func (op *Op) backing() (vmmap.Backing, error) {
	switch op.Backing {
	case "", "anonymous", "anon":
		return vmmap.Anonymous(), nil
	case "shm":
		return vmmap.SharedMemory(op.BackingID), nil
	case "fd", "file":
		return vmmap.FileDescriptor(op.BackingID), nil
	case "none":
		return vmmap.Backing{}, nil
	default:
		return vmmap.Backing{}, fmt.Errorf("unknown backing %q", op.Backing)
	}
}

// maxProt returns the parsed MaxProt, defaulting to every access.
func (op *Op) maxProt() int32 {
	if op.MaxProt == nil {
		return linux.PROT_ACCESS
	}
	p, _ := linux.ParseProt(op.MaxProt)
	return p
}
