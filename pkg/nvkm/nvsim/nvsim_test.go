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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/firmware"
	"gvisor.dev/nvkm/pkg/gpuobj"
)

func newGPU(t *testing.T, opts Options) *GPU {
	t.Helper()
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New(%+v) failed: %v", opts, err)
	}
	return g
}

func TestNewUnknownChipset(t *testing.T) {
	if _, err := New(Options{Chipset: 0x50}); err == nil {
		t.Errorf("New accepted an unknown chipset")
	}
}

func TestBoot0(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xaf})
	boot0 := g.Rd32(nvkm.PMC_BOOT_0)
	if got := (boot0 & nvkm.PMC_BOOT_0_CHIPSET_MASK) >> nvkm.PMC_BOOT_0_CHIPSET_SHIFT; got != 0xaf {
		t.Errorf("PMC_BOOT_0 decodes to %#x, want 0xaf", got)
	}
}

func TestFalconVersions(t *testing.T) {
	for _, tc := range []struct {
		chipset nvkm.Chipset
		base    uint32
		version uint32
		secret  uint32
	}{
		{chipset: 0x98, base: 0x085000, version: 0},
		{chipset: 0x98, base: 0x087000, version: 0, secret: 1},
		{chipset: 0xa3, base: 0x085000, version: 1},
		{chipset: 0xc0, base: 0x104000, version: 3},
		{chipset: 0xe4, base: 0x084000, version: 4},
	} {
		g := newGPU(t, Options{Chipset: tc.chipset})
		st, ok := g.Falcon(tc.base)
		if !ok {
			t.Errorf("chipset %#x: no falcon at %#x", tc.chipset, tc.base)
			continue
		}
		if st.Version != tc.version || st.Secret != tc.secret {
			t.Errorf("chipset %#x falcon %#x: version %d secret %d, want %d %d",
				tc.chipset, tc.base, st.Version, st.Secret, tc.version, tc.secret)
		}
		if g.Rd32(tc.base+nvkm.FALCON_IRQSTAT)&nvkm.FALCON_IRQ_HALT == 0 {
			t.Errorf("chipset %#x falcon %#x not halted out of reset", tc.chipset, tc.base)
		}
	}
	g := newGPU(t, Options{Chipset: 0xa3})
	if _, ok := g.Falcon(nvkm.PMU_BASE); ok {
		t.Errorf("PMU modelled as a plain falcon")
	}
}

func TestFalconUpload(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xc0})
	const base = 0x085000
	g.Wr32(base+nvkm.FALCON_IMEMC, nvkm.FALCON_MEMC_AINCW)
	for i := 0; i < 5; i++ {
		g.Wr32(base+nvkm.FALCON_IMEMD, uint32(i))
	}
	g.Wr32(base+nvkm.FALCON_DMEMC, nvkm.FALCON_MEMC_AINCW)
	for i := 0; i < 3; i++ {
		g.Wr32(base+nvkm.FALCON_DMEMD, uint32(i))
	}
	g.Wr32(base+nvkm.FALCON_CPUCTL, nvkm.FALCON_CPUCTL_STARTCPU)
	st, _ := g.Falcon(base)
	want := FalconState{Version: 3, Running: true, Starts: 1, CodeWords: 5, DataWords: 3}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("falcon state mismatch (-want +got):\n%s", diff)
	}
	if g.Rd32(base+nvkm.FALCON_IRQSTAT)&nvkm.FALCON_IRQ_HALT != 0 {
		t.Errorf("falcon still halted after start")
	}
}

func TestPRAMIN(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xa3, VRAMSize: 4 << 20})
	b := gpuobj.NewPRAMIN(g)
	for _, addr := range []uint64{0x10, 0x100000, 0x2ffffc} {
		b.Wr32(addr, uint32(addr)|1)
	}
	for _, addr := range []uint64{0x10, 0x100000, 0x2ffffc} {
		if got := g.ReadVRAM(addr); got != uint32(addr)|1 {
			t.Errorf("VRAM[%#x] = %#x, want %#x", addr, got, uint32(addr)|1)
		}
		if got := b.Rd32(addr); got != uint32(addr)|1 {
			t.Errorf("PRAMIN read of %#x = %#x, want %#x", addr, got, uint32(addr)|1)
		}
	}
}

func TestFirmware(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xc0})
	m := g.Firmware()
	for _, tc := range []struct {
		addr uint32
		seg  firmware.Segment
		size int
	}{
		{addr: 0x104000, seg: firmware.SelfBootstrap, size: 0x400},
		{addr: 0x105000, seg: firmware.SelfBootstrap, size: 0x400},
		{addr: 0x085000, seg: firmware.Data, size: 0x100},
		{addr: 0x085000, seg: firmware.Code, size: 0x800},
		{addr: nvkm.PMU_BASE, seg: firmware.Code, size: 0x800},
	} {
		name := firmware.Name(0xc0, tc.addr, tc.seg)
		data, err := m.Fetch(name)
		if err != nil {
			t.Errorf("Fetch(%q) failed: %v", name, err)
			continue
		}
		if len(data) != tc.size {
			t.Errorf("%s is %d bytes, want %d", name, len(data), tc.size)
		}
	}
}

// host drives the simulated PMU through its registers the way a driver
// does, without the interrupt path.
type host struct {
	g *GPU
}

func (h host) start() {
	h.g.Wr32(nvkm.PMC_ENABLE, nvkm.PMC_ENABLE_PMU)
	h.g.Wr32(nvkm.PMU_CPUCTL, nvkm.FALCON_CPUCTL_STARTCPU)
	h.g.Wr32(nvkm.PMU_IRQMSET, nvkm.PMU_INTR_ENABLE)
}

func (h host) send(msg nvkm.Message) {
	put := h.g.Rd32(nvkm.PMU_SEND_PUT)
	h.g.Wr32(nvkm.PMU_DMEMC, nvkm.FALCON_MEMC_AINCW|nvkm.SlotOffset(DefaultSendBase, put))
	for _, w := range msg.Words() {
		h.g.Wr32(nvkm.PMU_DMEMD, w)
	}
	h.g.Wr32(nvkm.PMU_SEND_PUT, nvkm.NextIndex(put))
}

func (h host) recv() []nvkm.Message {
	var msgs []nvkm.Message
	for {
		get := h.g.Rd32(nvkm.PMU_RECV_GET)
		if get == h.g.Rd32(nvkm.PMU_RECV_PUT) {
			return msgs
		}
		h.g.Wr32(nvkm.PMU_DMEMC, nvkm.FALCON_MEMC_AINCR|nvkm.SlotOffset(DefaultRecvBase, get))
		msgs = append(msgs, nvkm.Message{
			Process: h.g.Rd32(nvkm.PMU_DMEMD),
			Message: h.g.Rd32(nvkm.PMU_DMEMD),
			Data0:   h.g.Rd32(nvkm.PMU_DMEMD),
			Data1:   h.g.Rd32(nvkm.PMU_DMEMD),
		})
		h.g.Wr32(nvkm.PMU_RECV_GET, nvkm.NextIndex(get))
	}
}

func TestPMURings(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xa3})
	if got := g.Rd32(nvkm.PMU_SEND_CFG); got != 0 {
		t.Errorf("SEND_CFG = %#x before start", got)
	}
	h := host{g}
	h.start()
	if got, want := g.Rd32(nvkm.PMU_SEND_CFG), uint32(DefaultSendBase|ringSize<<nvkm.PMU_RING_CFG_SIZE_SHIFT); got != want {
		t.Errorf("SEND_CFG = %#x, want %#x", got, want)
	}
	if got, want := g.Rd32(nvkm.PMU_RECV_CFG), uint32(DefaultRecvBase|ringSize<<nvkm.PMU_RING_CFG_SIZE_SHIFT); got != want {
		t.Errorf("RECV_CFG = %#x, want %#x", got, want)
	}

	msg := nvkm.Message{Process: nvkm.ProcessTag("TEST"), Message: 1, Data0: 2, Data1: 3}
	h.send(msg)
	if got := g.Rd32(nvkm.PMU_SEND_GET); got != 1 {
		t.Errorf("SEND_GET = %d after one message, want 1", got)
	}
	if g.Rd32(nvkm.PMC_INTR_0)&0x01000000 == 0 {
		t.Errorf("PMU interrupt not pending after a reply")
	}
	if diff := cmp.Diff([]nvkm.Message{msg}, h.recv()); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	g.Wr32(nvkm.PMU_IRQSCLR, nvkm.PMU_INTR_MESSAGE)
	if got := g.Rd32(nvkm.PMC_INTR_0); got != 0 {
		t.Errorf("PMC_INTR_0 = %#x after ack", got)
	}
}

func TestPMURecvOverflow(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xa3})
	h := host{g}
	h.start()
	for i := 0; i < nvkm.PMU_RING_SLOTS+2; i++ {
		g.Post(nvkm.Message{Message: uint32(i)})
	}
	if got := g.PMU().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if got := len(h.recv()); got != nvkm.PMU_RING_SLOTS {
		t.Errorf("received %d messages, want %d", got, nvkm.PMU_RING_SLOTS)
	}
}

func TestPMUStalled(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xa3})
	h := host{g}
	h.start()
	g.SetStalled(true)
	h.send(nvkm.Message{Message: 1})
	h.send(nvkm.Message{Message: 2})
	if got := g.Rd32(nvkm.PMU_SEND_GET); got != 0 {
		t.Errorf("stalled PMU consumed messages, SEND_GET = %d", got)
	}
	g.SetStalled(false)
	if got := len(g.PMU().Received); got != 2 {
		t.Errorf("received %d messages after resuming, want 2", got)
	}
}

func TestPMUReset(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xa3})
	h := host{g}
	h.start()
	g.Wr32(nvkm.PMC_ENABLE, 0)
	st := g.PMU()
	if st.Running || st.IntrMask != 0 {
		t.Errorf("PMU state after reset = %+v", st)
	}
	if got := g.Rd32(nvkm.PMU_SEND_CFG); got != 0 {
		t.Errorf("SEND_CFG = %#x after reset", got)
	}
}

func TestDMEMLock(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xa3})
	g.Wr32(nvkm.PMU_DMEM_LOCK, nvkm.PMU_DMEM_LOCK_SEND)
	g.Wr32(nvkm.PMU_DMEM_LOCK, nvkm.PMU_DMEM_LOCK_RECV)
	if got := g.Rd32(nvkm.PMU_DMEM_LOCK); got != nvkm.PMU_DMEM_LOCK_SEND {
		t.Errorf("DMEM_LOCK = %d, want the first owner", got)
	}
	g.Wr32(nvkm.PMU_DMEM_LOCK, nvkm.PMU_DMEM_LOCK_NONE)
	g.Wr32(nvkm.PMU_DMEM_LOCK, nvkm.PMU_DMEM_LOCK_RECV)
	if got := g.Rd32(nvkm.PMU_DMEM_LOCK); got != nvkm.PMU_DMEM_LOCK_RECV {
		t.Errorf("DMEM_LOCK = %d after release, want %d", got, nvkm.PMU_DMEM_LOCK_RECV)
	}
}

func TestInterruptDelivery(t *testing.T) {
	g := newGPU(t, Options{Chipset: 0xa3})
	fired := make(chan struct{}, 4)
	g.SetInterruptHandler(func() {
		fired <- struct{}{}
	})
	host{g}.start()
	g.RaiseFault(0x10, 0x20)
	select {
	case <-fired:
	case <-time.After(10 * time.Second):
		t.Fatalf("no interrupt delivered")
	}
	if got := g.Rd32(nvkm.PMU_UAS_ADDR); got != 0x20 {
		t.Errorf("UAS_ADDR = %#x, want 0x20", got)
	}
	g.Wr32(nvkm.PMU_UAS_STAT, 0)
	if got := g.PMU().Pending; got != 0 {
		t.Errorf("Pending = %#x after clearing the fault", got)
	}
	if got := g.Interrupts(); got != 1 {
		t.Errorf("Interrupts() = %d, want 1", got)
	}
}
