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

package gpuobj

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/hwio"
	"gvisor.dev/nvkm/pkg/sync"
)

// Backing stores object contents.
type Backing interface {
	Wr32(addr uint64, val uint32)
	Rd32(addr uint64) uint32
}

// Memory is a Backing held in host memory, starting at VRAM address Base.
type Memory struct {
	Base uint64

	mu  sync.Mutex
	buf []byte
}

// NewMemory returns a Memory of size bytes.
func NewMemory(base, size uint64) *Memory {
	return &Memory{Base: base, buf: make([]byte, size)}
}

// Wr32 implements Backing.Wr32.
func (m *Memory) Wr32(addr uint64, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.slice(addr), val)
}

// Rd32 implements Backing.Rd32.
func (m *Memory) Rd32(addr uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.slice(addr))
}

func (m *Memory) slice(addr uint64) []byte {
	if addr < m.Base || addr-m.Base+4 > uint64(len(m.buf)) {
		panic(fmt.Sprintf("gpuobj: address %#x outside backing memory", addr))
	}
	off := addr - m.Base
	return m.buf[off : off+4]
}

// PRAMIN is a Backing that reaches VRAM through the 1MiB BAR0 PRAMIN window
// of a device.
type PRAMIN struct {
	port hwio.Port

	mu sync.Mutex
	// window is the VRAM address currently mapped at nvkm.PRAMIN_BASE, or
	// ^0 if unknown.
	// +checklocks:mu
	window uint64
}

// NewPRAMIN returns a PRAMIN backing over port.
func NewPRAMIN(port hwio.Port) *PRAMIN {
	return &PRAMIN{port: port, window: ^uint64(0)}
}

// Wr32 implements Backing.Wr32.
func (p *PRAMIN) Wr32(addr uint64, val uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port.Wr32(p.seek(addr), val)
}

// Rd32 implements Backing.Rd32.
func (p *PRAMIN) Rd32(addr uint64) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Rd32(p.seek(addr))
}

// seek moves the window over addr and returns the register offset that
// reaches it.
//
// +checklocks:p.mu
func (p *PRAMIN) seek(addr uint64) uint32 {
	base := addr &^ uint64(nvkm.PRAMIN_SIZE-1)
	if base != p.window {
		p.port.Wr32(nvkm.PBUS_BAR0_WINDOW, uint32(base>>nvkm.PBUS_BAR0_WINDOW_SHIFT))
		p.window = base
	}
	return nvkm.PRAMIN_BASE + uint32(addr-base)
}
