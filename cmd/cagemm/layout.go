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

	"github.com/google/subcommands"
)

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct{}

// Name implements subcommands.Command.
func (*layoutCmd) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.
func (*layoutCmd) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.
func (*layoutCmd) Usage() string {
	return `layout - print the effective configuration as TOML
`
}

// SetFlags implements subcommands.Command.
func (*layoutCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*layoutCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", f.Args())
		return subcommands.ExitUsageError
	}
	conf, done, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		return subcommands.ExitFailure
	}
	defer done()

	g, err := conf.Geometry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	l := conf.MMLayout()
	pages := (uint64(l.MaxAddr) - uint64(l.MinAddr)) >> g.Shift
	fmt.Printf("# %v, placement range [%#x, %#x) holds %d pages\n", g, l.MinAddr, l.MaxAddr, pages)
	fmt.Print(conf.String())
	return subcommands.ExitSuccess
}
