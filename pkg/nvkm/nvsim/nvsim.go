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

// Package nvsim simulates the registers of a GPU: falcon capability and
// halt state, the PMU with firmware that services its message rings, the
// PRAMIN window onto VRAM, and PMC interrupt routing.
//
// GPU implements hwio.Port. Interrupts are delivered by calling the
// handler set with SetInterruptHandler from a new goroutine, as a hardware
// interrupt would arrive on another CPU.
package nvsim

import (
	"fmt"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/firmware"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/sync"
)

// Handler is PMU firmware behaviour: it returns the messages the PMU posts
// in answer to msg. It runs with the GPU locked and must not call into the
// GPU.
type Handler func(msg nvkm.Message) []nvkm.Message

// Echo answers every message with itself.
func Echo(msg nvkm.Message) []nvkm.Message {
	return []nvkm.Message{msg}
}

// Options configures a GPU.
type Options struct {
	Chipset nvkm.Chipset

	// Handler defaults to Echo.
	Handler Handler

	// SendBase and RecvBase place the PMU rings in data memory.
	SendBase uint32
	RecvBase uint32

	// VRAMSize is the size of VRAM reachable through PRAMIN.
	VRAMSize uint64
}

// Default ring placement, above the static data segment.
const (
	DefaultSendBase = 0x0800
	DefaultRecvBase = 0x0900

	ringSize  = nvkm.PMU_RING_SLOTS * nvkm.MessageSize
	dmemBytes = 0x10000
	hwcfg     = 0x4040 // 0x4000 bytes of code, 0x2000 bytes of data
)

// GPU is a simulated GPU.
type GPU struct {
	chipset nvkm.Chipset
	handler Handler

	mu sync.Mutex

	// +checklocks:mu
	regs map[uint32]uint32
	// +checklocks:mu
	falcons map[uint32]*falconState
	// +checklocks:mu
	pmu pmuState
	// +checklocks:mu
	vram map[uint64]uint32
	// +checklocks:mu
	vramSize uint64
	// +checklocks:mu
	intr func()
	// +checklocks:mu
	raised int
}

// New returns a simulated GPU with the falcons of opts.Chipset.
func New(opts Options) (*GPU, error) {
	chip, ok := device.LookupChip(opts.Chipset)
	if !ok {
		return nil, fmt.Errorf("unsupported chipset %#x", uint32(opts.Chipset))
	}
	g := &GPU{
		chipset:  opts.Chipset,
		handler:  opts.Handler,
		regs:     make(map[uint32]uint32),
		falcons:  make(map[uint32]*falconState),
		vram:     make(map[uint64]uint32),
		vramSize: opts.VRAMSize,
	}
	if g.handler == nil {
		g.handler = Echo
	}
	if g.vramSize == 0 {
		g.vramSize = 16 << 20
	}
	g.pmu = pmuState{
		sendBase: opts.SendBase,
		recvBase: opts.RecvBase,
		dmem:     make([]uint32, dmemBytes/4),
	}
	if g.pmu.sendBase == 0 {
		g.pmu.sendBase = DefaultSendBase
	}
	if g.pmu.recvBase == 0 {
		g.pmu.recvBase = DefaultRecvBase
	}
	g.regs[nvkm.PMC_BOOT_0] = uint32(opts.Chipset) << nvkm.PMC_BOOT_0_CHIPSET_SHIFT
	for _, u := range chip.Units {
		if u.Index == device.IndexPMU {
			g.pmu.present = true
			g.pmu.intrMask = u.IntrMask
			continue
		}
		g.falcons[u.Addr] = newFalcon(opts.Chipset, u.Addr)
	}
	return g, nil
}

// Chipset returns the simulated chipset.
func (g *GPU) Chipset() nvkm.Chipset { return g.chipset }

// SetInterruptHandler sets the function called when an interrupt is
// raised, usually device.Device.Intr.
func (g *GPU) SetInterruptHandler(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intr = fn
}

// Interrupts returns the number of interrupts raised.
func (g *GPU) Interrupts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.raised
}

// raise delivers an interrupt if one is pending.
//
// +checklocks:g.mu
func (g *GPU) raise() {
	if g.intrStatus() == 0 || g.intr == nil {
		return
	}
	g.raised++
	go g.intr()
}

// intrStatus computes PMC_INTR_0.
//
// +checklocks:g.mu
func (g *GPU) intrStatus() uint32 {
	var stat uint32
	if g.pmu.irqstat&g.pmu.irqmask != 0 {
		stat |= g.pmu.intrMask
	}
	return stat
}

// Rd32 implements hwio.Port.Rd32.
func (g *GPU) Rd32(addr uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case addr == nvkm.PMC_INTR_0:
		return g.intrStatus()
	case addr >= nvkm.PRAMIN_BASE && addr < nvkm.PRAMIN_BASE+nvkm.PRAMIN_SIZE:
		return g.vram[g.praminAddr(addr)]
	case addr >= nvkm.PMU_BASE && addr < nvkm.PMU_BASE+0x1000 && g.pmu.present:
		return g.pmuRd32(addr - nvkm.PMU_BASE)
	}
	if f, off, ok := g.falcon(addr); ok {
		return f.rd32(off, g.regs[addr])
	}
	return g.regs[addr]
}

// Wr32 implements hwio.Port.Wr32.
func (g *GPU) Wr32(addr, val uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case addr == nvkm.PMC_ENABLE:
		old := g.regs[addr]
		g.regs[addr] = val
		if old&nvkm.PMC_ENABLE_PMU != 0 && val&nvkm.PMC_ENABLE_PMU == 0 {
			g.pmu.reset()
		}
		return
	case addr >= nvkm.PRAMIN_BASE && addr < nvkm.PRAMIN_BASE+nvkm.PRAMIN_SIZE:
		g.vram[g.praminAddr(addr)] = val
		return
	case addr >= nvkm.PMU_BASE && addr < nvkm.PMU_BASE+0x1000 && g.pmu.present:
		g.pmuWr32(addr-nvkm.PMU_BASE, val)
		return
	}
	if f, off, ok := g.falcon(addr); ok {
		f.wr32(off, val)
		return
	}
	g.regs[addr] = val
}

// praminAddr returns the VRAM address of a PRAMIN access.
//
// +checklocks:g.mu
func (g *GPU) praminAddr(addr uint32) uint64 {
	base := uint64(g.regs[nvkm.PBUS_BAR0_WINDOW]) << nvkm.PBUS_BAR0_WINDOW_SHIFT
	return (base + uint64(addr-nvkm.PRAMIN_BASE)) % g.vramSize
}

// ReadVRAM returns the word at VRAM address addr.
func (g *GPU) ReadVRAM(addr uint64) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vram[addr]
}

// VRAMSize returns the size of VRAM.
func (g *GPU) VRAMSize() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vramSize
}

// Firmware returns blobs for every falcon of the chipset: a
// self-bootstrapping image for copy engines and split code and data
// segments for the rest, including the PMU.
func (g *GPU) Firmware() *firmware.Map {
	chip, _ := device.LookupChip(g.chipset)
	m := firmware.NewMap(nil)
	for _, u := range chip.Units {
		switch u.Index {
		case device.IndexCE0, device.IndexCE1:
			m.Put(firmware.Name(uint32(g.chipset), u.Addr, firmware.SelfBootstrap), fill(0x400, u.Addr))
		default:
			m.Put(firmware.Name(uint32(g.chipset), u.Addr, firmware.Data), fill(0x100, u.Addr|0xd))
			m.Put(firmware.Name(uint32(g.chipset), u.Addr, firmware.Code), fill(0x800, u.Addr|0xc))
		}
	}
	return m
}

// fill returns n bytes of little-endian words counting up from seed.
func fill(n int, seed uint32) []byte {
	b := make([]byte, n)
	for i := 0; i+4 <= n; i += 4 {
		w := seed + uint32(i/4)
		b[i], b[i+1], b[i+2], b[i+3] = byte(w), byte(w>>8), byte(w>>16), byte(w>>24)
	}
	return b
}
