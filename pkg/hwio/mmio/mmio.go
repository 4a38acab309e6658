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

// Package mmio implements hwio.Port over a memory-mapped PCI BAR.
//
// The BAR is reached through its sysfs resource file, e.g.
// /sys/bus/pci/devices/0000:01:00.0/resource0.
package mmio

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
	"gvisor.dev/nvkm/pkg/cleanup"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/sync"
)

// Port is a mapped register BAR. It implements hwio.Port and hwio.Masker.
type Port struct {
	path string
	file *os.File
	lock *flock.Flock
	mem  []byte

	// maskMu serializes read-modify-write cycles issued through Mask32.
	maskMu sync.Mutex
}

// Open maps the BAR resource file at path. The caller must hold
// CAP_SYS_RAWIO. An advisory lock on path+".lock" keeps a second Port from
// driving the same device.
func Open(path string) (*Port, error) {
	if err := checkCaps(); err != nil {
		return nil, err
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("device %q is in use by another process", path)
	}
	cu := cleanup.Make(func() { _ = lock.Unlock() })
	defer cu.Clean()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	cu.Add(func() { f.Close() })

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	size := int(fi.Size())
	if size == 0 || size%4 != 0 {
		return nil, fmt.Errorf("resource %q has unusable size %d", path, size)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q: %w", path, err)
	}

	cu.Release()
	log.Infof("mmio: mapped %q, %#x bytes", path, size)
	return &Port{
		path: path,
		file: f,
		lock: lock,
		mem:  mem,
	}, nil
}

// Close unmaps the BAR and releases the device lock.
func (p *Port) Close() error {
	err := unix.Munmap(p.mem)
	p.mem = nil
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	if uerr := p.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Size returns the size of the mapping in bytes.
func (p *Port) Size() int {
	return len(p.mem)
}

// Rd32 implements hwio.Port.Rd32.
func (p *Port) Rd32(addr uint32) uint32 {
	p.check(addr)
	return p.load(addr)
}

// Wr32 implements hwio.Port.Wr32.
func (p *Port) Wr32(addr, val uint32) {
	p.check(addr)
	p.store(addr, val)
}

// Mask32 implements hwio.Masker.Mask32.
func (p *Port) Mask32(addr, mask, val uint32) uint32 {
	p.check(addr)
	p.maskMu.Lock()
	defer p.maskMu.Unlock()
	old := p.load(addr)
	p.store(addr, (old&^mask)|val)
	return old
}

func (p *Port) check(addr uint32) {
	if addr%4 != 0 || int(addr)+4 > len(p.mem) {
		panic(fmt.Sprintf("mmio: register %#x outside %q (%#x bytes)", addr, p.path, len(p.mem)))
	}
}

// checkCaps is replaced in tests.
var checkCaps = checkRawIO

// checkRawIO returns an error if the effective capability set lacks
// CAP_SYS_RAWIO.
func checkRawIO() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("reading capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("loading capabilities: %w", err)
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_RAWIO) {
		return fmt.Errorf("CAP_SYS_RAWIO is required to map device registers")
	}
	return nil
}
