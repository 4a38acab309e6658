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

// Package pmu drives the PMU, the falcon that manages power on NVIDIA GPUs,
// and the message channel the host uses to talk to its firmware.
//
// Messages are four 32-bit words, {process, message, data0, data1}, carried
// by two rings in PMU data memory: one from the host to the PMU (send) and
// one back (recv). Send posts a message without waiting. Request posts a
// message and blocks until the PMU answers with the same process and
// message ids; only one Request is outstanding at a time. Replies are
// drained from the recv ring by deferred work scheduled from the interrupt
// handler. Anything on the recv ring that does not answer the outstanding
// Request is logged and counted as unsolicited.
package pmu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/nvkm/falcon"
	"gvisor.dev/nvkm/pkg/nvkm/subdev"
	"gvisor.dev/nvkm/pkg/sync"
	"gvisor.dev/nvkm/pkg/workqueue"
)

// PowerGateFunc switches chipset-specific power gating of graphics blocks.
type PowerGateFunc func(ctx context.Context, p *PMU, enable bool) error

// Options configures a PMU.
type Options struct {
	// Code and Data are the PMU firmware segments.
	Code, Data []byte

	// IntrMask holds the PMC_INTR_0 bits raised by the PMU.
	IntrMask uint32

	// PowerGate is the chipset's power gating hook, if any.
	PowerGate PowerGateFunc
}

// ring locates one message ring in PMU data memory.
type ring struct {
	base uint32
	size uint32
}

// pending is the key and result of the outstanding Request.
type pending struct {
	active  bool
	process uint32
	message uint32
	data    [2]uint32
}

// PMU is the power management unit.
type PMU struct {
	sub *subdev.Subdev

	code []uint32
	data []uint32

	powerGate PowerGateFunc

	// ringMu protects the ring locations discovered by init.
	ringMu sync.RWMutex
	// +checklocks:ringMu
	send ring
	// +checklocks:ringMu
	recv ring

	// sendMu serializes producers on the send ring.
	sendMu sync.Mutex

	// reqMu allows a single Request at a time. It is held until the reply
	// arrives.
	//
	// Lock order: reqMu, sendMu, windowMu. mu nests inside sendMu.
	reqMu sync.Mutex

	// windowMu keeps host users of the data memory window from
	// interleaving.
	windowMu sync.Mutex

	// mu protects reply and is the lock of replied.
	mu sync.Mutex
	// +checklocks:mu
	reply   pending
	replied *sync.Cond

	work *workqueue.Work

	unsolicited    atomic.Uint64
	unsolicitedLog log.Logger
	intrLog        log.Logger
}

// New returns a new PMU. It is not registered with dev; register Subdev().
func New(dev *device.Device, opts Options) *PMU {
	p := &PMU{
		code:           falcon.Words(opts.Code),
		data:           falcon.Words(opts.Data),
		powerGate:      opts.PowerGate,
		unsolicitedLog: log.BurstRateLimitedLogger(log.Log(), time.Second, 10),
		intrLog:        log.BurstRateLimitedLogger(log.Log(), time.Second, 10),
	}
	p.replied = sync.NewCond(&p.mu)
	p.work = workqueue.New(p.drain)
	p.sub = subdev.New(dev, subdev.Options{
		Index:     device.IndexPMU,
		Addr:      nvkm.PMU_BASE,
		PMCEnable: nvkm.PMC_ENABLE_PMU,
		IntrMask:  opts.IntrMask,
	}, (*hooks)(p))
	return p
}

// Subdev returns the underlying subsystem.
func (p *PMU) Subdev() *subdev.Subdev { return p.sub }

// Send posts a message to the PMU without waiting for an answer. It fails
// with nverr.ChannelBusy if the send ring stays full for PMU_TIMEOUT_MS.
func (p *PMU) Send(ctx context.Context, process, message, data0, data1 uint32) error {
	_, err := p.post(ctx, nvkm.Message{Process: process, Message: message, Data0: data0, Data1: data1}, false)
	return err
}

// Request posts a message to the PMU and waits for the PMU to answer with
// the same process and message ids. It returns the two data words of the
// answer. It fails with nverr.ChannelBusy if the send ring stays full for
// PMU_TIMEOUT_MS.
//
// Once the message is posted, Request waits for the answer regardless of
// ctx.
func (p *PMU) Request(ctx context.Context, process, message, data0, data1 uint32) (uint32, uint32, error) {
	r, err := p.post(ctx, nvkm.Message{Process: process, Message: message, Data0: data0, Data1: data1}, true)
	if err != nil {
		return 0, 0, err
	}
	return r[0], r[1], nil
}

// PowerGate switches chipset power gating through the PMU. It does nothing
// on chipsets without a power gating hook.
func (p *PMU) PowerGate(ctx context.Context, enable bool) error {
	if p.powerGate == nil {
		return nil
	}
	if err := p.powerGate(ctx, p, enable); err != nil {
		return fmt.Errorf("PMU power gating: %w", err)
	}
	return nil
}

// Unsolicited returns the number of messages received that did not answer
// an outstanding Request.
func (p *PMU) Unsolicited() uint64 {
	return p.unsolicited.Load()
}

// Rings returns the base and size of the send and recv rings.
func (p *PMU) Rings() (sendBase, sendSize, recvBase, recvSize uint32) {
	p.ringMu.RLock()
	defer p.ringMu.RUnlock()
	return p.send.base, p.send.size, p.recv.base, p.recv.size
}
