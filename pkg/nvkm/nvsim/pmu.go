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

package nvsim

import (
	"gvisor.dev/nvkm/pkg/abi/nvkm"
)

// pmuState is the simulated PMU. Offsets are relative to PMU_BASE.
type pmuState struct {
	present  bool
	intrMask uint32

	sendBase uint32
	recvBase uint32

	dmem      []uint32
	dmemPtr   uint32
	dmemCtl   uint32
	dmemOwner uint32

	code     []uint32
	imemPage uint32

	running bool
	stalled bool
	regs    [0x1000 / 4]uint32

	irqstat uint32
	irqmask uint32

	// received holds every message taken off the send ring.
	received []nvkm.Message
	// dropped counts messages lost to a full recv ring.
	dropped int
}

func (p *pmuState) reg(off uint32) *uint32 {
	return &p.regs[(off&0xfff)/4]
}

// reset stops the firmware and forgets the rings.
func (p *pmuState) reset() {
	p.running = false
	p.irqstat = 0
	p.irqmask = 0
	for _, off := range []uint32{
		nvkm.PMU_SEND_CFG, nvkm.PMU_RECV_CFG,
		nvkm.PMU_SEND_PUT, nvkm.PMU_SEND_GET,
		nvkm.PMU_RECV_PUT, nvkm.PMU_RECV_GET,
	} {
		*p.reg(off - nvkm.PMU_BASE) = 0
	}
	p.dmemOwner = nvkm.PMU_DMEM_LOCK_NONE
}

// +checklocks:g.mu
func (g *GPU) pmuRd32(off uint32) uint32 {
	p := &g.pmu
	switch off + nvkm.PMU_BASE {
	case nvkm.PMU_IRQSTAT:
		return p.irqstat
	case nvkm.PMU_IRQDEST:
		// Every enabled source is routed to the host.
		return p.irqmask & 0xffff
	case nvkm.PMU_IDLE:
		return 0
	case nvkm.PMU_DMEM_LOCK:
		return p.dmemOwner
	case nvkm.PMU_DMEMD:
		val := p.dmem[(p.dmemPtr%dmemBytes)/4]
		if p.dmemCtl&nvkm.FALCON_MEMC_AINCR != 0 {
			p.dmemPtr += 4
		}
		return val
	}
	return *p.reg(off)
}

// +checklocks:g.mu
func (g *GPU) pmuWr32(off, val uint32) {
	p := &g.pmu
	switch off + nvkm.PMU_BASE {
	case nvkm.PMU_IRQSCLR:
		p.irqstat &^= val
		return
	case nvkm.PMU_IRQMSET:
		p.irqmask |= val
		g.raise()
		return
	case nvkm.PMU_IRQMCLR:
		p.irqmask &^= val
		return
	case nvkm.PMU_DMEM_LOCK:
		switch {
		case val == nvkm.PMU_DMEM_LOCK_NONE:
			p.dmemOwner = nvkm.PMU_DMEM_LOCK_NONE
		case p.dmemOwner == nvkm.PMU_DMEM_LOCK_NONE:
			p.dmemOwner = val
		}
		return
	case nvkm.PMU_DMEMC:
		p.dmemCtl = val
		p.dmemPtr = val & 0xfffc
		return
	case nvkm.PMU_DMEMD:
		p.dmem[(p.dmemPtr%dmemBytes)/4] = val
		if p.dmemCtl&nvkm.FALCON_MEMC_AINCW != 0 {
			p.dmemPtr += 4
		}
		return
	case nvkm.PMU_IMEMC:
		p.code = p.code[:0]
	case nvkm.PMU_IMEMT:
		p.imemPage = val
	case nvkm.PMU_IMEMD:
		p.code = append(p.code, val)
	case nvkm.PMU_CPUCTL:
		if val&nvkm.FALCON_CPUCTL_STARTCPU != 0 {
			g.pmuStart()
		}
	case nvkm.PMU_UAS_STAT:
		// Clearing the fault status retires the fault interrupt.
		if val&nvkm.PMU_UAS_STAT_VALID == 0 {
			p.irqstat &^= nvkm.PMU_INTR_FAULT
		}
	case nvkm.PMU_SEND_PUT:
		*p.reg(off) = val & nvkm.PMU_RING_INDEX_MASK
		g.pmuService()
		return
	}
	*p.reg(off) = val
}

// pmuStart starts the firmware, which publishes its rings.
//
// +checklocks:g.mu
func (g *GPU) pmuStart() {
	p := &g.pmu
	p.running = true
	*p.reg(nvkm.PMU_SEND_CFG - nvkm.PMU_BASE) = p.sendBase | ringSize<<nvkm.PMU_RING_CFG_SIZE_SHIFT
	*p.reg(nvkm.PMU_RECV_CFG - nvkm.PMU_BASE) = p.recvBase | ringSize<<nvkm.PMU_RING_CFG_SIZE_SHIFT
}

// pmuService runs the firmware over every message on the send ring.
//
// +checklocks:g.mu
func (g *GPU) pmuService() {
	p := &g.pmu
	if !p.running || p.stalled {
		return
	}
	put := p.reg(nvkm.PMU_SEND_PUT - nvkm.PMU_BASE)
	get := p.reg(nvkm.PMU_SEND_GET - nvkm.PMU_BASE)
	posted := false
	for *get != *put {
		msg := p.readSlot(p.sendBase, *get)
		*get = nvkm.NextIndex(*get)
		p.received = append(p.received, msg)
		for _, reply := range g.handler(msg) {
			if p.post(reply) {
				posted = true
			}
		}
	}
	if posted {
		p.irqstat |= nvkm.PMU_INTR_MESSAGE
		g.raise()
	}
}

func (p *pmuState) readSlot(base, idx uint32) nvkm.Message {
	off := nvkm.SlotOffset(base, idx) / 4
	return nvkm.Message{
		Process: p.dmem[off],
		Message: p.dmem[off+1],
		Data0:   p.dmem[off+2],
		Data1:   p.dmem[off+3],
	}
}

// post puts msg on the recv ring. It returns false if the ring is full.
func (p *pmuState) post(msg nvkm.Message) bool {
	put := p.reg(nvkm.PMU_RECV_PUT - nvkm.PMU_BASE)
	get := p.reg(nvkm.PMU_RECV_GET - nvkm.PMU_BASE)
	if nvkm.RingFull(*put, *get) {
		p.dropped++
		return false
	}
	off := nvkm.SlotOffset(p.recvBase, *put) / 4
	w := msg.Words()
	copy(p.dmem[off:off+4], w[:])
	*put = nvkm.NextIndex(*put)
	return true
}

// Post makes the PMU firmware post msg to the host as if on its own
// initiative.
func (g *GPU) Post(msgs ...nvkm.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	posted := false
	for _, msg := range msgs {
		if g.pmu.post(msg) {
			posted = true
		}
	}
	if posted {
		g.pmu.irqstat |= nvkm.PMU_INTR_MESSAGE
		g.raise()
	}
}

// RaiseFault reports a PMU address space fault at pc on addr.
func (g *GPU) RaiseFault(pc, addr uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	*g.pmu.reg(nvkm.PMU_UAS_STAT - nvkm.PMU_BASE) = nvkm.PMU_UAS_STAT_VALID | pc&nvkm.PMU_UAS_STAT_PC
	*g.pmu.reg(nvkm.PMU_UAS_ADDR - nvkm.PMU_BASE) = addr
	g.pmu.irqstat |= nvkm.PMU_INTR_FAULT
	g.raise()
}

// DebugWrite reports a register write traced by the PMU firmware.
func (g *GPU) DebugWrite(addr, val uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	*g.pmu.reg(nvkm.PMU_DEBUG_ADDR - nvkm.PMU_BASE) = addr
	*g.pmu.reg(nvkm.PMU_DEBUG_DATA - nvkm.PMU_BASE) = val
	g.pmu.irqstat |= nvkm.PMU_INTR_DEBUG
	g.raise()
}

// SetStalled stops or resumes the PMU firmware servicing its send ring.
func (g *GPU) SetStalled(stalled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pmu.stalled = stalled
	if !stalled {
		g.pmuService()
	}
}

// PMUState is a snapshot of the simulated PMU.
type PMUState struct {
	Running bool
	// Received holds every message the firmware took off the send ring.
	Received []nvkm.Message
	// Dropped counts messages lost to a full recv ring.
	Dropped int
	// CodeWords is the size of the uploaded code in words.
	CodeWords int
	// IntrMask holds the enabled PMU interrupt sources.
	IntrMask uint32
	// Pending holds the asserted PMU interrupt sources.
	Pending uint32
}

// PMU returns the state of the PMU.
func (g *GPU) PMU() PMUState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return PMUState{
		Running:   g.pmu.running,
		Received:  append([]nvkm.Message(nil), g.pmu.received...),
		Dropped:   g.pmu.dropped,
		CodeWords: len(g.pmu.code),
		IntrMask:  g.pmu.irqmask,
		Pending:   g.pmu.irqstat,
	}
}
