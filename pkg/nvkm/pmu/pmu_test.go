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

package pmu

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/hwio/hwiotest"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/nvkm/nvsim"
	"gvisor.dev/nvkm/pkg/sync"
)

const pmuIntr = 0x01000000

var test = nvkm.ProcessTag("TEST")

func words(n int) []byte {
	b := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(0xc0de0000+i))
	}
	return b
}

// newSim returns a running PMU on a simulated GPU whose firmware answers
// with handler.
func newSim(t *testing.T, handler nvsim.Handler) (*PMU, *nvsim.GPU) {
	t.Helper()
	gpu, err := nvsim.New(nvsim.Options{Chipset: 0xa3, Handler: handler})
	if err != nil {
		t.Fatalf("nvsim.New failed: %v", err)
	}
	dev, err := device.New(device.Options{Port: gpu})
	if err != nil {
		t.Fatalf("device.New failed: %v", err)
	}
	p := New(dev, Options{Code: words(100), Data: words(16), IntrMask: pmuIntr})
	if err := dev.Register(p.Subdev()); err != nil {
		t.Fatal(err)
	}
	gpu.SetInterruptHandler(func() { dev.Intr() })
	if err := dev.Init(context.Background()); err != nil {
		t.Fatalf("device Init failed: %v", err)
	}
	t.Cleanup(func() {
		dev.Fini(context.Background(), false)
		dev.Destroy()
	})
	return p, gpu
}

// newMock returns a PMU over a plain register file with rings at 0x800 and
// 0x900, without running its init sequence.
func newMock(t *testing.T) (*PMU, *hwiotest.Port) {
	t.Helper()
	port := hwiotest.New()
	dev, err := device.New(device.Options{Port: port, Chipset: 0xa3})
	if err != nil {
		t.Fatal(err)
	}
	p := New(dev, Options{IntrMask: pmuIntr})
	p.ringMu.Lock()
	p.send = ring{base: 0x800, size: 0x80}
	p.recv = ring{base: 0x900, size: 0x80}
	p.ringMu.Unlock()
	return p, port
}

// within fails the test if fn does not return within a generous bound.
func within(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestInit(t *testing.T) {
	p, gpu := newSim(t, nil)
	sendBase, sendSize, recvBase, recvSize := p.Rings()
	if diff := cmp.Diff([]uint32{nvsim.DefaultSendBase, 0x80, nvsim.DefaultRecvBase, 0x80},
		[]uint32{sendBase, sendSize, recvBase, recvSize}); diff != "" {
		t.Errorf("Rings() mismatch (-want +got):\n%s", diff)
	}
	st := gpu.PMU()
	if !st.Running || st.CodeWords != 100 || st.IntrMask != nvkm.PMU_INTR_ENABLE {
		t.Errorf("PMU state = %+v", st)
	}
}

func TestRequestEcho(t *testing.T) {
	p, gpu := newSim(t, func(msg nvkm.Message) []nvkm.Message {
		if msg.Process == test && msg.Message == 1 {
			return []nvkm.Message{{Process: test, Message: 1, Data0: 42, Data1: 43}}
		}
		return nil
	})
	within(t, func() {
		r0, r1, err := p.Request(context.Background(), test, 1, 5, 6)
		if err != nil {
			t.Errorf("Request failed: %v", err)
			return
		}
		if r0 != 42 || r1 != 43 {
			t.Errorf("Request = (%d, %d), want (42, 43)", r0, r1)
		}
	})
	want := []nvkm.Message{{Process: test, Message: 1, Data0: 5, Data1: 6}}
	if diff := cmp.Diff(want, gpu.PMU().Received); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	if got := p.Unsolicited(); got != 0 {
		t.Errorf("Unsolicited() = %d, want 0", got)
	}
}

func TestUnsolicitedNeverSatisfiesRequest(t *testing.T) {
	p, _ := newSim(t, func(msg nvkm.Message) []nvkm.Message {
		return []nvkm.Message{
			{Process: msg.Process, Message: msg.Message + 1, Data0: 1, Data1: 1},
			{Process: nvkm.ProcessTag("OTHR"), Message: msg.Message, Data0: 2, Data1: 2},
			{Process: msg.Process, Message: msg.Message, Data0: 42, Data1: 43},
		}
	})
	within(t, func() {
		r0, r1, err := p.Request(context.Background(), test, 1, 5, 6)
		if err != nil || r0 != 42 || r1 != 43 {
			t.Errorf("Request = (%d, %d, %v), want (42, 43, nil)", r0, r1, err)
		}
	})
	if got := p.Unsolicited(); got != 2 {
		t.Errorf("Unsolicited() = %d, want 2", got)
	}
}

func TestSendEchoIsUnsolicited(t *testing.T) {
	p, gpu := newSim(t, nvsim.Echo)
	if err := p.Send(context.Background(), test, 7, 1, 2); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	within(t, func() {
		for p.Unsolicited() != 1 {
			time.Sleep(time.Millisecond)
		}
	})
	if got := len(gpu.PMU().Received); got != 1 {
		t.Errorf("PMU received %d messages, want 1", got)
	}
}

func TestConcurrentRequests(t *testing.T) {
	p, _ := newSim(t, func(msg nvkm.Message) []nvkm.Message {
		return []nvkm.Message{{Process: msg.Process, Message: msg.Message, Data0: msg.Data0 * 2, Data1: msg.Data0 * 3}}
	})
	within(t, func() {
		var wg sync.WaitGroup
		for i := uint32(1); i <= 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r0, r1, err := p.Request(context.Background(), test, i, i, 0)
				if err != nil || r0 != 2*i || r1 != 3*i {
					t.Errorf("Request(%d) = (%d, %d, %v), want (%d, %d, nil)", i, r0, r1, err, 2*i, 3*i)
				}
			}()
		}
		wg.Wait()
	})
	if got := p.Unsolicited(); got != 0 {
		t.Errorf("Unsolicited() = %d, want 0", got)
	}
}

func TestUnsolicitedFromFirmware(t *testing.T) {
	p, gpu := newSim(t, nil)
	gpu.Post(
		nvkm.Message{Process: nvkm.ProcessTag("PERF"), Message: 1},
		nvkm.Message{Process: nvkm.ProcessTag("PERF"), Message: 2},
	)
	within(t, func() {
		for p.Unsolicited() != 2 {
			time.Sleep(time.Millisecond)
		}
	})
}

func TestSendRingFull(t *testing.T) {
	p, port := newMock(t)
	port.Set(nvkm.PMU_SEND_PUT, 3)
	port.Set(nvkm.PMU_SEND_GET, 3^nvkm.PMU_RING_PHASE)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := p.Request(ctx, test, 1, 5, 6); !errors.Is(err, nverr.ChannelBusy) {
		t.Fatalf("Request = %v, want %v", err, nverr.ChannelBusy)
	}
	p.mu.Lock()
	active := p.reply.active
	p.mu.Unlock()
	if active {
		t.Errorf("reply key installed by a failed Request")
	}
	if n := port.WriteCount(); n != 0 {
		t.Errorf("%d register writes by a failed Request: %v", n, port.Log())
	}
	// The channel mutex is free.
	if !p.reqMu.TryLock() {
		t.Errorf("channel mutex held after a failed Request")
	} else {
		p.reqMu.Unlock()
	}
}

func TestSendRingFullSim(t *testing.T) {
	p, gpu := newSim(t, nil)
	gpu.SetStalled(true)
	ctx := context.Background()
	for i := 0; i < nvkm.PMU_RING_SLOTS; i++ {
		if err := p.Send(ctx, test, uint32(i), 0, 0); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.Send(tctx, test, 99, 0, 0); !errors.Is(err, nverr.ChannelBusy) {
		t.Fatalf("Send on a full ring = %v, want %v", err, nverr.ChannelBusy)
	}
	gpu.SetStalled(false)
	if got := len(gpu.PMU().Received); got != nvkm.PMU_RING_SLOTS {
		t.Errorf("PMU received %d messages, want %d", got, nvkm.PMU_RING_SLOTS)
	}
}

func TestSendWireFormat(t *testing.T) {
	for _, tc := range []struct {
		put     uint32
		slot    uint32
		nextPut uint32
	}{
		{put: 0, slot: 0x800, nextPut: 1},
		{put: 3, slot: 0x830, nextPut: 4},
		{put: 7, slot: 0x870, nextPut: 8},
		{put: 9, slot: 0x810, nextPut: 10},
		{put: 15, slot: 0x870, nextPut: 0},
	} {
		p, port := newMock(t)
		port.Set(nvkm.PMU_SEND_PUT, tc.put)
		port.Set(nvkm.PMU_SEND_GET, tc.put)
		if err := p.Send(context.Background(), test, 1, 5, 6); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		want := []hwiotest.Access{
			{Write: true, Addr: nvkm.PMU_DMEM_LOCK, Val: nvkm.PMU_DMEM_LOCK_SEND},
			{Write: true, Addr: nvkm.PMU_DMEMC, Val: nvkm.FALCON_MEMC_AINCW | tc.slot},
			{Write: true, Addr: nvkm.PMU_DMEMD, Val: test},
			{Write: true, Addr: nvkm.PMU_DMEMD, Val: 1},
			{Write: true, Addr: nvkm.PMU_DMEMD, Val: 5},
			{Write: true, Addr: nvkm.PMU_DMEMD, Val: 6},
			{Write: true, Addr: nvkm.PMU_SEND_PUT, Val: tc.nextPut},
			{Write: true, Addr: nvkm.PMU_DMEM_LOCK, Val: nvkm.PMU_DMEM_LOCK_NONE},
		}
		if diff := cmp.Diff(want, port.Log()); diff != "" {
			t.Errorf("put %d: writes mismatch (-want +got):\n%s", tc.put, diff)
		}
	}
}

func TestWindowSpinsUntilOwned(t *testing.T) {
	p, port := newMock(t)
	var attempts atomic.Int32
	// The PMU holds the window for the first few attempts.
	port.OnRead(nvkm.PMU_DMEM_LOCK, func(_, cur uint32) uint32 {
		if attempts.Add(1) < 4 {
			return nvkm.PMU_DMEM_LOCK_RECV
		}
		return cur
	})
	if err := p.Send(context.Background(), test, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	locks := port.Writes(nvkm.PMU_DMEM_LOCK)
	want := []uint32{1, 1, 1, 1, 0}
	if diff := cmp.Diff(want, locks); diff != "" {
		t.Errorf("DMEM_LOCK writes mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyInstalledBeforeWrite(t *testing.T) {
	p, port := newMock(t)
	// Answer from inside the write that publishes the message, before the
	// sender reaches its wait.
	port.OnWrite(nvkm.PMU_SEND_PUT, func(_, val uint32) uint32 {
		p.mu.Lock()
		if !p.reply.active || p.reply.process != test || p.reply.message != 1 {
			t.Errorf("reply key %+v not installed when the message was published", p.reply)
		}
		p.mu.Unlock()
		p.deliver(nvkm.Message{Process: test, Message: 1, Data0: 42, Data1: 43})
		return val
	})
	within(t, func() {
		r0, r1, err := p.Request(context.Background(), test, 1, 5, 6)
		if err != nil || r0 != 42 || r1 != 43 {
			t.Errorf("Request = (%d, %d, %v), want (42, 43, nil)", r0, r1, err)
		}
	})
}

func TestSendNotBlockedByQueuedRequest(t *testing.T) {
	p, _ := newMock(t)
	waiting := func(message uint32) bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.reply.active && p.reply.message == message
	}

	var wg sync.WaitGroup
	request := func(message uint32) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := p.Request(context.Background(), test, message, 0, 0); err != nil {
				t.Errorf("Request(%d) = %v", message, err)
			}
		}()
	}

	// The first request is posted and left unanswered, the second queues
	// behind it.
	request(1)
	for !waiting(1) {
		time.Sleep(time.Millisecond)
	}
	request(2)
	time.Sleep(50 * time.Millisecond)

	within(t, func() {
		if err := p.Send(context.Background(), test, 3, 0, 0); err != nil {
			t.Errorf("Send = %v", err)
		}
	})

	p.deliver(nvkm.Message{Process: test, Message: 1})
	for !waiting(2) {
		time.Sleep(time.Millisecond)
	}
	p.deliver(nvkm.Message{Process: test, Message: 2})
	wg.Wait()
}

func TestReceiveDrainsRing(t *testing.T) {
	p, port := newMock(t)
	port.Set(nvkm.PMU_RECV_GET, 7)
	port.Set(nvkm.PMU_RECV_PUT, 9)
	var n atomic.Uint32
	port.OnRead(nvkm.PMU_DMEMD, func(uint32, uint32) uint32 {
		return n.Add(1)
	})
	p.drain()

	if diff := cmp.Diff([]uint32{8, 9}, port.Writes(nvkm.PMU_RECV_GET)); diff != "" {
		t.Errorf("RECV_GET writes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{nvkm.FALCON_MEMC_AINCR | 0x970, nvkm.FALCON_MEMC_AINCR | 0x900}, port.Writes(nvkm.PMU_DMEMC)); diff != "" {
		t.Errorf("DMEMC writes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{2, 0, 2, 0}, port.Writes(nvkm.PMU_DMEM_LOCK)); diff != "" {
		t.Errorf("DMEM_LOCK writes mismatch (-want +got):\n%s", diff)
	}
	if got := p.Unsolicited(); got != 2 {
		t.Errorf("Unsolicited() = %d, want 2", got)
	}
}

func TestReceiveEmpty(t *testing.T) {
	p, port := newMock(t)
	port.Set(nvkm.PMU_RECV_GET, 5)
	port.Set(nvkm.PMU_RECV_PUT, 5)
	p.drain()
	if n := port.WriteCount(); n != 0 {
		t.Errorf("%d writes draining an empty ring", n)
	}
}

func TestIntr(t *testing.T) {
	for _, tc := range []struct {
		name    string
		uas     uint32
		want    []uint32
		uasClrs int
	}{
		{
			name:    "fault valid",
			uas:     nvkm.PMU_UAS_STAT_VALID | 0x1234,
			want:    []uint32{nvkm.PMU_INTR_MESSAGE, nvkm.PMU_INTR_DEBUG, 0x100},
			uasClrs: 1,
		},
		{
			name: "fault invalid",
			want: []uint32{nvkm.PMU_INTR_MESSAGE, nvkm.PMU_INTR_DEBUG, 0x100 | nvkm.PMU_INTR_FAULT},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, port := newMock(t)
			port.Set(nvkm.PMU_IRQDEST, 0x1e0)
			port.Set(nvkm.PMU_IRQSTAT, 0x1e0|0x200)
			port.Set(nvkm.PMU_UAS_STAT, tc.uas)
			p.Subdev().Intr()
			p.work.Flush()
			if diff := cmp.Diff(tc.want, port.Writes(nvkm.PMU_IRQSCLR)); diff != "" {
				t.Errorf("IRQSCLR writes mismatch (-want +got):\n%s", diff)
			}
			if got := len(port.Writes(nvkm.PMU_UAS_STAT)); got != tc.uasClrs {
				t.Errorf("UAS_STAT cleared %d times, want %d", got, tc.uasClrs)
			}
			if got := p.work.Runs(); got != 1 {
				t.Errorf("receive ran %d times, want 1", got)
			}
		})
	}
}

func TestFaultAndDebugSim(t *testing.T) {
	_, gpu := newSim(t, nil)
	gpu.RaiseFault(0x42, 0xdead0000)
	gpu.DebugWrite(0x1700, 0x10)
	within(t, func() {
		for gpu.PMU().Pending != 0 {
			time.Sleep(time.Millisecond)
		}
	})
}

func TestInitTimeout(t *testing.T) {
	p, _ := newMock(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Subdev().Init(ctx); !errors.Is(err, nverr.Timeout) {
		t.Errorf("Init = %v, want %v", err, nverr.Timeout)
	}
}

func TestFini(t *testing.T) {
	p, port := newMock(t)
	if err := (*hooks)(p).Fini(context.Background(), true); err != nil {
		t.Fatalf("Fini failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{nvkm.PMU_INTR_RING}, port.Writes(nvkm.PMU_IRQMCLR)); diff != "" {
		t.Errorf("IRQMCLR writes mismatch (-want +got):\n%s", diff)
	}
}

func TestFiniResetsPMU(t *testing.T) {
	p, gpu := newSim(t, nil)
	if err := p.Subdev().Fini(context.Background(), true); err != nil {
		t.Fatalf("Fini failed: %v", err)
	}
	if gpu.Rd32(nvkm.PMC_ENABLE)&nvkm.PMC_ENABLE_PMU != 0 {
		t.Errorf("PMU still enabled after Fini")
	}
	if gpu.PMU().Running {
		t.Errorf("PMU firmware still running after Fini")
	}
	// Init brings it back up.
	if err := p.Subdev().Init(context.Background()); err != nil {
		t.Fatalf("Init after Fini failed: %v", err)
	}
	within(t, func() {
		if _, _, err := p.Request(context.Background(), test, 3, 0, 0); err != nil {
			t.Errorf("Request after resume failed: %v", err)
		}
	})
}

func TestPowerGate(t *testing.T) {
	p, _ := newMock(t)
	if err := p.PowerGate(context.Background(), true); err != nil {
		t.Errorf("PowerGate without a hook = %v", err)
	}

	var got []bool
	boom := errors.New("boom")
	p.powerGate = func(_ context.Context, pp *PMU, enable bool) error {
		if pp != p {
			t.Errorf("hook called with another PMU")
		}
		got = append(got, enable)
		if !enable {
			return boom
		}
		return nil
	}
	if err := p.PowerGate(context.Background(), true); err != nil {
		t.Errorf("PowerGate(true) = %v", err)
	}
	if err := p.PowerGate(context.Background(), false); !errors.Is(err, boom) {
		t.Errorf("PowerGate(false) = %v, want %v", err, boom)
	}
	if diff := cmp.Diff([]bool{true, false}, got); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
}
