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
	"errors"
	"fmt"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/hwio"
	"gvisor.dev/nvkm/pkg/sync"
)

// window is ownership of the PMU data memory window.
type window struct {
	p *PMU
}

// acquireWindow takes the data memory window with the given owner code,
// spinning until the PMU hands it over. The caller must call release.
func (p *PMU) acquireWindow(code uint32) window {
	p.windowMu.Lock()
	port := p.sub.Port()
	for {
		port.Wr32(nvkm.PMU_DMEM_LOCK, code)
		if port.Rd32(nvkm.PMU_DMEM_LOCK) == code {
			return window{p: p}
		}
		sync.Goyield()
	}
}

// release gives up the data memory window.
func (w window) release() {
	w.p.sub.Port().Wr32(nvkm.PMU_DMEM_LOCK, nvkm.PMU_DMEM_LOCK_NONE)
	w.p.windowMu.Unlock()
}

// post writes msg to the send ring. If wantReply is set it then waits for
// the matching reply and returns its data words.
func (p *PMU) post(ctx context.Context, msg nvkm.Message, wantReply bool) ([2]uint32, error) {
	port := p.sub.Port()

	// A waiting requester holds reqMu but never sendMu, so queued requests
	// do not stall plain sends.
	if wantReply {
		p.reqMu.Lock()
		defer p.reqMu.Unlock()
	}

	p.sendMu.Lock()
	locked := true
	defer func() {
		if locked {
			p.sendMu.Unlock()
		}
	}()

	put := port.Rd32(nvkm.PMU_SEND_PUT)
	if _, err := hwio.PollMsec(ctx, nvkm.PMU_TIMEOUT_MS, func() bool {
		return !nvkm.RingFull(put, port.Rd32(nvkm.PMU_SEND_GET))
	}); err != nil {
		if errors.Is(err, nverr.Timeout) {
			p.sub.Warningf("send ring full, dropping %v", msg)
			return [2]uint32{}, fmt.Errorf("PMU send ring full: %w", nverr.ChannelBusy)
		}
		return [2]uint32{}, err
	}

	// The key must be in place before the message is visible to the PMU,
	// or a fast reply could arrive with nobody waiting for it.
	if wantReply {
		p.mu.Lock()
		p.reply = pending{active: true, process: msg.Process, message: msg.Message}
		p.mu.Unlock()
	}

	p.ringMu.RLock()
	base := p.send.base
	p.ringMu.RUnlock()

	w := p.acquireWindow(nvkm.PMU_DMEM_LOCK_SEND)
	port.Wr32(nvkm.PMU_DMEMC, nvkm.FALCON_MEMC_AINCW|nvkm.SlotOffset(base, put))
	for _, word := range msg.Words() {
		port.Wr32(nvkm.PMU_DMEMD, word)
	}
	port.Wr32(nvkm.PMU_SEND_PUT, nvkm.NextIndex(put))
	w.release()

	p.sendMu.Unlock()
	locked = false

	if !wantReply {
		return [2]uint32{}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.reply.active {
		p.replied.Wait()
	}
	return p.reply.data, nil
}

// drain reads every message on the recv ring. It runs as deferred work.
func (p *PMU) drain() {
	for {
		msg, ok := p.receive()
		if !ok {
			return
		}
		p.deliver(msg)
	}
}

// receive reads the next message from the recv ring, if any.
func (p *PMU) receive() (nvkm.Message, bool) {
	port := p.sub.Port()
	get := port.Rd32(nvkm.PMU_RECV_GET)
	if get == port.Rd32(nvkm.PMU_RECV_PUT) {
		return nvkm.Message{}, false
	}

	p.ringMu.RLock()
	base := p.recv.base
	p.ringMu.RUnlock()

	w := p.acquireWindow(nvkm.PMU_DMEM_LOCK_RECV)
	port.Wr32(nvkm.PMU_DMEMC, nvkm.FALCON_MEMC_AINCR|nvkm.SlotOffset(base, get))
	msg := nvkm.Message{
		Process: port.Rd32(nvkm.PMU_DMEMD),
		Message: port.Rd32(nvkm.PMU_DMEMD),
		Data0:   port.Rd32(nvkm.PMU_DMEMD),
		Data1:   port.Rd32(nvkm.PMU_DMEMD),
	}
	port.Wr32(nvkm.PMU_RECV_GET, nvkm.NextIndex(get))
	w.release()
	return msg, true
}

// deliver completes the outstanding Request if msg answers it, and
// otherwise records msg as unsolicited.
func (p *PMU) deliver(msg nvkm.Message) {
	p.mu.Lock()
	if p.reply.active && p.reply.process == msg.Process && p.reply.message == msg.Message {
		p.reply.data = [2]uint32{msg.Data0, msg.Data1}
		p.reply.active = false
		p.replied.Broadcast()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// No other messages are expected from the PMU.
	p.unsolicited.Add(1)
	p.unsolicitedLog.Warningf("PMU: %s %08x %08x %08x %08x",
		nvkm.TagString(msg.Process), msg.Process, msg.Message, msg.Data0, msg.Data1)
}
