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

// Binary cagemm replays memory-management traces against emulated cage
// address spaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"cagemm.dev/cagemm/pkg/config"
	"cagemm.dev/cagemm/pkg/log"
	"cagemm.dev/cagemm/pkg/replay"
	"github.com/google/subcommands"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file; defaults are used if empty")
	debug      = flag.Bool("debug", false, "log at debug level, overriding the configuration")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&replayCmd{}, "")
	subcommands.Register(&mapsCmd{}, "")
	subcommands.Register(&layoutCmd{}, "")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// loadConfig loads the configuration named by --config and sets up logging.
// The returned function flushes and closes the log file.
func loadConfig() (*config.Config, func(), error) {
	c := config.Default()
	if *configPath != "" {
		var err error
		if c, err = config.Load(*configPath); err != nil {
			return nil, nil, err
		}
	}
	if *debug {
		c.Log.Level = "debug"
	}
	f, err := c.SetupLogging()
	if err != nil {
		return nil, nil, err
	}
	done := func() {
		if f != nil {
			f.Close()
		}
	}
	return c, done, nil
}

// replayFiles replays each trace file in paths with a fresh engine built
// from c, and calls fn with the results of each file.
func replayFiles(ctx context.Context, c *config.Config, paths []string, fn func(path string, results []*replay.Result) error) error {
	g, err := c.Geometry()
	if err != nil {
		return err
	}
	engine, err := replay.NewEngine(g, c.MMLayout())
	if err != nil {
		return err
	}
	for _, path := range paths {
		t, err := replay.Load(path)
		if err != nil {
			return err
		}
		log.Infof("replaying %s: %d cages", path, len(t.Cages))
		results, err := engine.Run(ctx, t)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := fn(path, results); err != nil {
			return err
		}
	}
	return nil
}
