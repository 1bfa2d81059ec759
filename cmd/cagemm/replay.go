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

// replayCmd implements subcommands.Command for the "replay" command.
type replayCmd struct {
	check bool
}

// Name implements subcommands.Command.
func (*replayCmd) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.
func (*replayCmd) Synopsis() string {
	return "replay traces and summarize each cage"
}

// Usage implements subcommands.Command.
func (*replayCmd) Usage() string {
	return `replay [flags] <trace.yaml>... - replay traces and summarize each cage
`
}

// SetFlags implements subcommands.Command.
func (c *replayCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.check, "check", false, "fail if any operation's outcome differs from its expectation")
}

// Execute implements subcommands.Command.
func (c *replayCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	mismatches := 0
	err = replayFiles(ctx, conf, f.Args(), func(path string, results []*replay.Result) error {
		for _, r := range results {
			fmt.Printf("%s: cage %d: %d ops, %d mappings, %v mapped, %d mismatches\n",
				path, r.CageID, r.Ops, len(r.MM.Mappings()), replay.Size(r.MM.UsageAS()), len(r.Mismatches))
			if c.check {
				for _, m := range r.Mismatches {
					fmt.Printf("  %s\n", m)
				}
			}
			mismatches += len(r.Mismatches)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return subcommands.ExitFailure
	}
	if c.check && mismatches > 0 {
		fmt.Fprintf(os.Stderr, "%d operations did not match their expectations\n", mismatches)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
