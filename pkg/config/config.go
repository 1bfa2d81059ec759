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

// Package config holds the configuration of the cagemm tools, loaded from a
// TOML file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"cagemm.dev/cagemm/pkg/hostarch"
	"cagemm.dev/cagemm/pkg/log"
	"cagemm.dev/cagemm/pkg/mm"
	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

// Config is the configuration of the cagemm tools.
type Config struct {
	// PageSize is the page size in bytes used to convert addresses to
	// pages. It must be a power of two. It defaults to the host page size.
	PageSize uint64 `toml:"page_size"`

	// Layout bounds where mappings are placed.
	Layout Layout `toml:"layout"`

	// Log configures logging.
	Log Log `toml:"log"`
}

// Layout is the configured address-space layout of every cage. Zero fields
// are derived from the page size.
type Layout struct {
	// MinAddr is the lowest address at which non-fixed mappings are placed.
	// It defaults to one page.
	MinAddr uint64 `toml:"min_addr"`

	// MaxAddr is the exclusive upper bound of every mapping. It defaults to
	// the highest address expressible in 32-bit page numbers.
	MaxAddr uint64 `toml:"max_addr"`

	// MapAlignmentPages is the alignment, in pages, of non-fixed mappings
	// placed between existing ones. It defaults to 1.
	MapAlignmentPages uint32 `toml:"map_alignment_pages"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level"`

	// Format is one of "text", "json" or "json-k8s".
	Format string `toml:"format"`

	// File is the path of the log file; %PID% is replaced with the process
	// ID. Logs go to stderr if it is empty.
	File string `toml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		PageSize: uint64(unix.Getpagesize()),
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
	c.applyDefaults()
	return c
}

// applyDefaults fills in layout fields left zero.
func (c *Config) applyDefaults() {
	g, err := c.Geometry()
	if err != nil {
		// Validate reports it.
		return
	}
	def := mm.DefaultLayout(g)
	if c.Layout.MinAddr == 0 {
		c.Layout.MinAddr = uint64(def.MinAddr)
	}
	if c.Layout.MaxAddr == 0 {
		c.Layout.MaxAddr = uint64(def.MaxAddr)
	}
	if c.Layout.MapAlignmentPages == 0 {
		c.Layout.MapAlignmentPages = def.MapAlignmentPages
	}
}

// Load loads the configuration from the TOML file at path. Settings absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Decode decodes a TOML configuration from r. Settings absent from r keep
// their defaults.
func Decode(r io.Reader) (*Config, error) {
	c := &Config{
		PageSize: uint64(unix.Getpagesize()),
		Log:      Default().Log,
	}
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown configuration keys %v", keys)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Geometry returns the page geometry for c.PageSize.
func (c *Config) Geometry() (hostarch.Geometry, error) {
	return hostarch.NewGeometry(c.PageSize)
}

// MMLayout returns the layout of c in the form MemoryManagers take.
func (c *Config) MMLayout() mm.Layout {
	return mm.Layout{
		MinAddr:           hostarch.Addr(c.Layout.MinAddr),
		MaxAddr:           hostarch.Addr(c.Layout.MaxAddr),
		MapAlignmentPages: c.Layout.MapAlignmentPages,
	}
}

// Validate returns an error if c is unusable.
func (c *Config) Validate() error {
	g, err := c.Geometry()
	if err != nil {
		return fmt.Errorf("page_size: %w", err)
	}
	if err := c.MMLayout().Validate(g); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := log.NewEmitter(c.Log.Format, nil); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	return nil
}

// SetupLogging points the global logger at the configured destination and
// level. The returned file, if any, must be closed by the caller once
// logging is finished.
func (c *Config) SetupLogging() (*os.File, error) {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	f, err := log.OpenFile(c.Log.File)
	if err != nil {
		return nil, err
	}
	var out io.Writer = os.Stderr
	if f != nil {
		out = f
	}
	emitter, err := log.NewEmitter(c.Log.Format, &log.Writer{Next: out})
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, err
	}
	log.SetTarget(emitter)
	log.SetLevel(level)
	return f, nil
}

// String renders c as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Sprintf("<invalid config: %v>", err)
	}
	return buf.String()
}
