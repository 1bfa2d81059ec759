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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cagemm.dev/cagemm/pkg/replay"
	"github.com/google/subcommands"
)

// mapsCmd implements subcommands.Command for the "maps" command.
type mapsCmd struct {
	cage uint64
}

// Name implements subcommands.Command.
func (*mapsCmd) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.
func (*mapsCmd) Synopsis() string {
	return "replay traces and print the resulting /proc/[pid]/maps of each cage"
}

// Usage implements subcommands.Command.
func (*mapsCmd) Usage() string {
	return `maps [flags] <trace.yaml>... - print the mappings left by each trace
`
}

// SetFlags implements subcommands.Command.
func (c *mapsCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.cage, "cage", 0, "print only this cage; all cages if 0")
}

// Execute implements subcommands.Command.
func (c *mapsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, done, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		return subcommands.ExitFailure
	}
	defer done()

	err = replayFiles(ctx, conf, f.Args(), func(path string, results []*replay.Result) error {
		for _, r := range results {
			if c.cage != 0 && r.CageID != c.cage {
				continue
			}
			fmt.Printf("==> %s: cage %d <==\n", path, r.CageID)
			os.Stdout.Write(r.MM.ReadMapsData())
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "maps: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
