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

package falcon

import (
	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/hwio"
)

// LoadCode uploads code into the instruction memory of the falcon at base
// through the port registers. Version 3 and later falcons take the code in
// pages of FALCON_IMEM_PAGE_WORDS words, each announced through
// FALCON_IMEMT.
func LoadCode(p hwio.Port, base, version uint32, code []uint32) {
	if version < 3 {
		p.Wr32(base+nvkm.FALCON_UC_CTRL, nvkm.FALCON_UC_CTRL_CODE)
		for _, w := range code {
			p.Wr32(base+nvkm.FALCON_UC_DATA, w)
		}
		return
	}
	p.Wr32(base+nvkm.FALCON_IMEMC, nvkm.FALCON_MEMC_AINCW)
	for i, w := range code {
		if i%nvkm.FALCON_IMEM_PAGE_WORDS == 0 {
			p.Wr32(base+nvkm.FALCON_IMEMT, uint32(i/nvkm.FALCON_IMEM_PAGE_WORDS))
		}
		p.Wr32(base+nvkm.FALCON_IMEMD, w)
	}
}

// LoadData uploads data into the data memory of the falcon at base, then
// writes zeroes up to limit bytes.
func LoadData(p hwio.Port, base, version uint32, data []uint32, limit uint32) {
	ctrl, port := base+nvkm.FALCON_DMEMC, base+nvkm.FALCON_DMEMD
	val := uint32(nvkm.FALCON_MEMC_AINCW)
	if version < 3 {
		ctrl, port = base+nvkm.FALCON_UC_CTRL, base+nvkm.FALCON_UC_DATA
		val = nvkm.FALCON_UC_CTRL_DATA
	}
	p.Wr32(ctrl, val)
	for _, w := range data {
		p.Wr32(port, w)
	}
	for i := uint32(len(data)); i < limit/4; i++ {
		p.Wr32(port, 0)
	}
}

// Start sets the falcon at base running from address 0.
func Start(p hwio.Port, base uint32, dmactl uint32) {
	p.Wr32(base+nvkm.FALCON_DMACTL, dmactl)
	p.Wr32(base+nvkm.FALCON_BOOTVEC, 0)
	p.Wr32(base+nvkm.FALCON_CPUCTL, nvkm.FALCON_CPUCTL_STARTCPU)
}
