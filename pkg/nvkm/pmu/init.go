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
	"fmt"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/hwio"
	"gvisor.dev/nvkm/pkg/nvkm/falcon"
)

// hooks is the subsystem implementation of a PMU.
type hooks PMU

// OneInit implements subdev.Impl.OneInit.
func (h *hooks) OneInit(context.Context) error { return nil }

// Init implements subdev.Impl.Init. It stops any running firmware, resets
// the PMU, uploads and starts the firmware and waits for it to publish its
// rings.
func (h *hooks) Init(ctx context.Context) error {
	p := (*PMU)(h)
	port := p.sub.Port()

	port.Wr32(nvkm.PMU_IRQMCLR, nvkm.PMU_INTR_RESET)
	if _, err := hwio.PollMsec(ctx, nvkm.PMU_TIMEOUT_MS, func() bool {
		return port.Rd32(nvkm.PMU_IDLE) == 0
	}); err != nil {
		return fmt.Errorf("PMU waiting for idle: %w", err)
	}
	hwio.Mask32(port, nvkm.PMC_ENABLE, nvkm.PMC_ENABLE_PMU, 0)
	hwio.Mask32(port, nvkm.PMC_ENABLE, nvkm.PMC_ENABLE_PMU, nvkm.PMC_ENABLE_PMU)
	port.Rd32(nvkm.PMC_ENABLE)
	if _, err := hwio.PollMsec(ctx, nvkm.PMU_TIMEOUT_MS, func() bool {
		return port.Rd32(nvkm.PMU_DMACTL)&nvkm.PMU_DMACTL_BUSY == 0
	}); err != nil {
		return fmt.Errorf("PMU waiting for reset: %w", err)
	}

	// The PMU is a version 3 or later falcon, and its data memory is not
	// zeroed beyond the static segment.
	falcon.LoadData(port, nvkm.PMU_BASE, 3, p.data, 0)
	falcon.LoadCode(port, nvkm.PMU_BASE, 3, p.code)
	falcon.Start(port, nvkm.PMU_BASE, 0)

	send, err := p.waitRing(ctx, nvkm.PMU_SEND_CFG)
	if err != nil {
		return fmt.Errorf("PMU waiting for host->pmu ring: %w", err)
	}
	recv, err := p.waitRing(ctx, nvkm.PMU_RECV_CFG)
	if err != nil {
		return fmt.Errorf("PMU waiting for pmu->host ring: %w", err)
	}
	p.ringMu.Lock()
	p.send, p.recv = send, recv
	p.ringMu.Unlock()
	p.sub.Debugf("send ring %#x+%#x, recv ring %#x+%#x", send.base, send.size, recv.base, recv.size)

	port.Wr32(nvkm.PMU_IRQMSET, nvkm.PMU_INTR_ENABLE)
	return nil
}

// waitRing waits for the firmware to publish a ring location in cfg.
func (p *PMU) waitRing(ctx context.Context, cfg uint32) (ring, error) {
	port := p.sub.Port()
	if _, err := hwio.PollMsec(ctx, nvkm.PMU_TIMEOUT_MS, func() bool {
		return port.Rd32(cfg) != 0
	}); err != nil {
		return ring{}, err
	}
	val := port.Rd32(cfg)
	return ring{
		base: val & nvkm.PMU_RING_CFG_BASE_MASK,
		size: val >> nvkm.PMU_RING_CFG_SIZE_SHIFT,
	}, nil
}

// Fini implements subdev.Impl.Fini.
func (h *hooks) Fini(context.Context, bool) error {
	p := (*PMU)(h)
	p.sub.Port().Wr32(nvkm.PMU_IRQMCLR, nvkm.PMU_INTR_RING)
	p.work.Flush()
	return nil
}

// Intr implements subdev.Impl.Intr.
func (h *hooks) Intr() {
	(*PMU)(h).intr()
}

// Dtor implements subdev.Impl.Dtor.
func (h *hooks) Dtor() {
	(*PMU)(h).work.Flush()
}
