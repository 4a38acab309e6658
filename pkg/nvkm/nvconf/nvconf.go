// Copyright 2026 The gVisor Authors.
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

// Package nvconf holds per-engine boolean options.
//
// Options are written as an NvConfig string, "NAME=value[,NAME=value...]",
// or loaded from a TOML or YAML file mapping names to values. Names are
// case-insensitive. Values are 1/0, true/false, on/off or yes/no.
package nvconf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/nvkm/pkg/log"
)

// Config is a set of named options. The zero value is an empty set and is
// ready to use. A nil *Config behaves as an empty set.
type Config struct {
	opts map[string]string
}

// Parse parses an NvConfig string.
func Parse(s string) (*Config, error) {
	c := &Config{}
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("option %q has no value", kv)
		}
		if err := c.Set(name, val); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// fileConfig is the on-disk layout shared by the TOML and YAML formats.
//
//	[engines]
//	MSVLD = false
//	PMU = true
type fileConfig struct {
	Engines map[string]any `toml:"engines" yaml:"engines"`
}

// Load reads options from a .toml, .yaml or .yml file.
func Load(path string) (*Config, error) {
	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q for %q", ext, path)
	}

	c := &Config{}
	for name, v := range fc.Engines {
		if err := c.Set(name, fmt.Sprint(v)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return c, nil
}

// Set sets option name to val after validating val.
func (c *Config) Set(name, val string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty option name")
	}
	val = strings.TrimSpace(val)
	if _, err := parseBool(val); err != nil {
		return fmt.Errorf("option %s: %w", name, err)
	}
	if c.opts == nil {
		c.opts = make(map[string]string)
	}
	c.opts[strings.ToUpper(name)] = val
	return nil
}

// Merge returns a Config with the options of c overridden by those of o.
func (c *Config) Merge(o *Config) *Config {
	m := &Config{opts: make(map[string]string)}
	for _, src := range []*Config{c, o} {
		if src == nil {
			continue
		}
		for k, v := range src.opts {
			m.opts[k] = v
		}
	}
	return m
}

// Lookup returns the value of option name and whether it is set.
func (c *Config) Lookup(name string) (bool, bool) {
	if c == nil {
		return false, false
	}
	val, ok := c.opts[strings.ToUpper(name)]
	if !ok {
		return false, false
	}
	b, _ := parseBool(val)
	return b, true
}

// BoolOpt returns the value of option name, or def if it is not set.
func (c *Config) BoolOpt(name string, def bool) bool {
	if b, ok := c.Lookup(name); ok {
		return b
	}
	return def
}

// String returns c in NvConfig syntax with names in sorted order.
func (c *Config) String() string {
	if c == nil {
		return ""
	}
	names := make([]string, 0, len(c.opts))
	for k := range c.opts {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c.opts[k])
	}
	return b.String()
}

// Log logs the options at info level.
func (c *Config) Log() {
	log.Infof("NvConfig: %q", c.String())
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", val)
	}
	return b, nil
}
