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

// Package firmware resolves named firmware blobs.
package firmware

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/sync"
)

// Vendor is the directory firmware names are rooted under.
const Vendor = "nouveau"

// Segment selects which part of a falcon image a blob holds.
type Segment int

// Segments.
const (
	// SelfBootstrap is a complete image that the falcon loads itself.
	SelfBootstrap Segment = iota
	// Data is a static data segment.
	Data
	// Code is a static code segment.
	Code
)

func (s Segment) suffix() string {
	switch s {
	case Data:
		return "d"
	case Code:
		return "c"
	default:
		return ""
	}
}

// Name returns the blob name for segment seg of the falcon at addr on
// chipset, e.g. "nouveau/nvaf_fuc084d".
func Name(chipset, addr uint32, seg Segment) string {
	return fmt.Sprintf("%s/nv%02x_fuc%03x%s", Vendor, chipset, addr>>12, seg.suffix())
}

// Fetcher resolves a blob by name. A missing blob is reported with an error
// wrapping nverr.FirmwareMissing.
type Fetcher interface {
	Fetch(name string) ([]byte, error)
}

// Dir fetches blobs from files below a root directory, such as
// /lib/firmware.
type Dir struct {
	Root string
}

// Fetch implements Fetcher.Fetch.
func (d Dir) Fetch(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid firmware name %q", name)
	}
	path := filepath.Join(d.Root, filepath.FromSlash(name))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, nverr.FirmwareMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return data, nil
}

// Map is an in-memory Fetcher.
type Map struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// fetches counts Fetch calls per name, including misses.
	fetches map[string]int
}

// NewMap returns a Map holding blobs.
func NewMap(blobs map[string][]byte) *Map {
	m := &Map{
		blobs:   make(map[string][]byte),
		fetches: make(map[string]int),
	}
	for name, data := range blobs {
		m.blobs[name] = data
	}
	return m
}

// Put adds or replaces a blob.
func (m *Map) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = data
}

// Fetch implements Fetcher.Fetch. The returned slice is a copy.
func (m *Map) Fetch(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[name]++
	data, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, nverr.FirmwareMissing)
	}
	return append([]byte(nil), data...), nil
}

// Fetches returns how many times name was requested.
func (m *Map) Fetches(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[name]
}

// Chain tries each Fetcher in order and returns the first blob found. Errors
// other than nverr.FirmwareMissing stop the search.
type Chain []Fetcher

// Fetch implements Fetcher.Fetch.
func (c Chain) Fetch(name string) ([]byte, error) {
	var tried []string
	for _, f := range c {
		data, err := f.Fetch(name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, nverr.FirmwareMissing) {
			return nil, err
		}
		tried = append(tried, fmt.Sprintf("%T", f))
	}
	return nil, fmt.Errorf("%s (tried %s): %w", name, strings.Join(tried, ", "), nverr.FirmwareMissing)
}
