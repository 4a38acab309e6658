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
	"gvisor.dev/nvkm/pkg/abi/nvkm"
)

// intr classifies and acknowledges pending PMU interrupts. Ring traffic is
// left to deferred work.
func (p *PMU) intr() {
	port := p.sub.Port()
	disp := port.Rd32(nvkm.PMU_IRQDEST)
	intr := port.Rd32(nvkm.PMU_IRQSTAT) & disp &^ (disp >> 16)

	if intr&nvkm.PMU_INTR_FAULT != 0 {
		stat := port.Rd32(nvkm.PMU_UAS_STAT)
		if stat&nvkm.PMU_UAS_STAT_VALID != 0 {
			p.intrLog.Warningf("PMU: UAS fault at %06x addr %08x",
				stat&nvkm.PMU_UAS_STAT_PC, port.Rd32(nvkm.PMU_UAS_ADDR))
			port.Wr32(nvkm.PMU_UAS_STAT, 0)
			intr &^= nvkm.PMU_INTR_FAULT
		}
	}

	// Acknowledge before scheduling, so a message posted after the drain
	// has looked at the ring raises a fresh interrupt.
	if intr&nvkm.PMU_INTR_MESSAGE != 0 {
		port.Wr32(nvkm.PMU_IRQSCLR, nvkm.PMU_INTR_MESSAGE)
		p.work.Schedule()
		intr &^= nvkm.PMU_INTR_MESSAGE
	}

	if intr&nvkm.PMU_INTR_DEBUG != 0 {
		p.sub.Infof("wr32 %06x %08x", port.Rd32(nvkm.PMU_DEBUG_ADDR), port.Rd32(nvkm.PMU_DEBUG_DATA))
		port.Wr32(nvkm.PMU_IRQSCLR, nvkm.PMU_INTR_DEBUG)
		intr &^= nvkm.PMU_INTR_DEBUG
	}

	if intr != 0 {
		p.intrLog.Warningf("PMU: intr %08x", intr)
		port.Wr32(nvkm.PMU_IRQSCLR, intr)
	}
}
