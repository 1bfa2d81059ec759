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

package replay

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"cagemm.dev/cagemm/pkg/abi/linux"
	"cagemm.dev/cagemm/pkg/errors/linuxerr"
	"cagemm.dev/cagemm/pkg/hostarch"
	"cagemm.dev/cagemm/pkg/log"
	"cagemm.dev/cagemm/pkg/mm"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of replaying one cage.
type Result struct {
	// CageID is the ID of the cage.
	CageID uint64

	// MM is the cage's MemoryManager after its last operation.
	MM *mm.MemoryManager

	// Ops is the number of operations replayed.
	Ops int

	// Mismatches describes each operation whose outcome differed from its
	// expectation.
	Mismatches []string
}

// Engine replays traces.
type Engine struct {
	geometry hostarch.Geometry
	layout   mm.Layout
}

// NewEngine returns an Engine that creates cages with geometry g and layout
// l.
func NewEngine(g hostarch.Geometry, l mm.Layout) (*Engine, error) {
	if err := l.Validate(g); err != nil {
		return nil, err
	}
	return &Engine{geometry: g, layout: l}, nil
}

// Run replays every cage in t concurrently. It returns one Result per cage,
// including cages created by fork, ordered by cage ID.
//
// Expectation mismatches are reported in the results, not as errors.
func (e *Engine) Run(ctx context.Context, t *Trace) ([]*Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	perCage := make([][]*Result, len(t.Cages))
	for i := range t.Cages {
		c := &t.Cages[i]
		g.Go(func() error {
			rs, err := e.runCage(ctx, c)
			perCage[i] = rs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var results []*Result
	seen := make(map[uint64]struct{})
	for _, rs := range perCage {
		for _, r := range rs {
			if _, ok := seen[r.CageID]; ok {
				return nil, fmt.Errorf("cage id %d used more than once", r.CageID)
			}
			seen[r.CageID] = struct{}{}
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CageID < results[j].CageID })
	return results, nil
}

// runCage replays c. The first result is c's own; the rest are its forks.
func (e *Engine) runCage(ctx context.Context, c *Cage) ([]*Result, error) {
	m, err := mm.NewMemoryManager(c.ID, e.geometry, e.layout)
	if err != nil {
		return nil, err
	}
	r := &Result{CageID: c.ID, MM: m}
	results := []*Result{r}
	for i := range c.Ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op := &c.Ops[i]
		if child := r.apply(ctx, i, op); child != nil {
			results = append(results, &Result{CageID: child.Owner(), MM: child})
		}
		r.Ops++
	}
	log.Infof("replay: cage %d: %d ops, %d mapped bytes, %d mismatches", c.ID, r.Ops, m.UsageAS(), len(r.Mismatches))
	return results, nil
}

func (r *Result) mismatch(i int, op *Op, format string, v ...any) {
	msg := fmt.Sprintf("cage %d op %d (%s): %s", r.CageID, i, op.Op, fmt.Sprintf(format, v...))
	log.Warningf("replay: %s", msg)
	r.Mismatches = append(r.Mismatches, msg)
}

// checkError records a mismatch if err is not the outcome op expects.
func (r *Result) checkError(i int, op *Op, err error) {
	if op.ExpectError == "" {
		if err != nil {
			r.mismatch(i, op, "unexpected error %v", err)
		}
		return
	}
	want, _ := linuxerr.FromName(op.ExpectError)
	if !linuxerr.Equals(want, err) {
		got := "success"
		if err != nil {
			got = err.Error()
		}
		r.mismatch(i, op, "got %s, want %s", got, op.ExpectError)
	}
}

// apply performs op on r.MM. It returns the MemoryManager created by a
// fork, or nil.
//
// Preconditions: op has been validated.
func (r *Result) apply(ctx context.Context, i int, op *Op) *mm.MemoryManager {
	prot, _ := linux.ParseProt(op.Prot)
	addr := hostarch.Addr(op.Addr)
	length := uint64(op.Length)
	switch op.Op {
	case OpMMap:
		flags, _ := linux.ParseMapFlags(op.Flags)
		backing, _ := op.backing()
		opts := mm.OptsFromFlags(addr, length, prot, op.maxProt(), flags, backing, op.Offset, int64(op.FileSize))
		got, err := r.MM.MMap(ctx, opts)
		r.checkError(i, op, err)
		if err == nil && op.ExpectAddr != nil && uint64(got) != *op.ExpectAddr {
			r.mismatch(i, op, "mapped at %#x, want %#x", got, *op.ExpectAddr)
		}
	case OpMUnmap:
		r.checkError(i, op, r.MM.MUnmap(ctx, addr, length))
	case OpMProtect:
		r.checkError(i, op, r.MM.MProtect(ctx, addr, length, prot))
	case OpCheck:
		_, ok := r.MM.CheckAccess(addr, length, prot)
		if op.ExpectOK != nil && ok != *op.ExpectOK {
			r.mismatch(i, op, "access to [%#x, +%#x) %s is %t, want %t", addr, length, linux.ProtString(prot), ok, *op.ExpectOK)
		}
	case OpFork:
		return r.MM.Fork(op.Child)
	}
	return nil
}
