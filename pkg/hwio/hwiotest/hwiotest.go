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

// Package hwiotest provides a register file implementing hwio.Port for tests.
package hwiotest

import (
	"fmt"

	"gvisor.dev/nvkm/pkg/sync"
)

// Access is one recorded register access.
type Access struct {
	Write bool
	Addr  uint32
	Val   uint32
}

func (a Access) String() string {
	if a.Write {
		return fmt.Sprintf("wr32(%#06x, %#08x)", a.Addr, a.Val)
	}
	return fmt.Sprintf("rd32(%#06x) = %#08x", a.Addr, a.Val)
}

// ReadHook computes the value of a register read. cur is the stored value.
type ReadHook func(addr, cur uint32) uint32

// WriteHook observes a register write and returns the value to store.
type WriteHook func(addr, val uint32) uint32

// Port is an in-memory register file. Registers read as zero until written.
// Hooks run with the port's lock released, so they may access the port.
type Port struct {
	mu       sync.Mutex
	regs     map[uint32]uint32
	rdHooks  map[uint32]ReadHook
	wrHooks  map[uint32]WriteHook
	log      []Access
	logReads bool
}

// New returns an empty Port.
func New() *Port {
	return &Port{
		regs:    make(map[uint32]uint32),
		rdHooks: make(map[uint32]ReadHook),
		wrHooks: make(map[uint32]WriteHook),
	}
}

// Rd32 implements hwio.Port.Rd32.
func (p *Port) Rd32(addr uint32) uint32 {
	p.mu.Lock()
	val := p.regs[addr]
	hook := p.rdHooks[addr]
	p.mu.Unlock()
	if hook != nil {
		val = hook(addr, val)
	}
	p.mu.Lock()
	if p.logReads {
		p.log = append(p.log, Access{Addr: addr, Val: val})
	}
	p.mu.Unlock()
	return val
}

// Wr32 implements hwio.Port.Wr32.
func (p *Port) Wr32(addr, val uint32) {
	p.mu.Lock()
	p.log = append(p.log, Access{Write: true, Addr: addr, Val: val})
	hook := p.wrHooks[addr]
	p.mu.Unlock()
	if hook != nil {
		val = hook(addr, val)
	}
	p.mu.Lock()
	p.regs[addr] = val
	p.mu.Unlock()
}

// Set stores val at addr without recording an access or running hooks.
func (p *Port) Set(addr, val uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[addr] = val
}

// Get returns the stored value at addr without recording an access or
// running hooks.
func (p *Port) Get(addr uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs[addr]
}

// OnRead installs a read hook for addr, replacing any previous one.
func (p *Port) OnRead(addr uint32, h ReadHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rdHooks[addr] = h
}

// OnWrite installs a write hook for addr, replacing any previous one.
func (p *Port) OnWrite(addr uint32, h WriteHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrHooks[addr] = h
}

// LogReads controls whether reads are recorded alongside writes.
func (p *Port) LogReads(enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logReads = enable
}

// Log returns a copy of the recorded accesses.
func (p *Port) Log() []Access {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Access(nil), p.log...)
}

// Writes returns the recorded writes to addr, in order.
func (p *Port) Writes(addr uint32) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var vals []uint32
	for _, a := range p.log {
		if a.Write && a.Addr == addr {
			vals = append(vals, a.Val)
		}
	}
	return vals
}

// WriteCount returns the number of recorded writes.
func (p *Port) WriteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.log {
		if a.Write {
			n++
		}
	}
	return n
}

// ResetLog discards recorded accesses.
func (p *Port) ResetLog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = nil
}
