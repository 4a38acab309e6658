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

package device

import (
	"sort"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
)

// Unit describes one falcon-backed subsystem of a chipset.
type Unit struct {
	Index Index

	// Addr is the base of the falcon register window.
	Addr uint32

	// PMCEnable is the PMC_ENABLE bit that powers the unit.
	PMCEnable uint32

	// IntrMask is the PMC_INTR_0 bit raised by the unit.
	IntrMask uint32

	// Enable is the default of the unit's engine option.
	Enable bool
}

// Chip describes the falcon-backed subsystems of a chipset.
type Chip struct {
	Name  string
	Units []Unit
}

// Unit returns the unit at index i.
func (c *Chip) Unit(i Index) (Unit, bool) {
	for _, u := range c.Units {
		if u.Index == i {
			return u, true
		}
	}
	return Unit{}, false
}

var (
	pmu    = Unit{Index: IndexPMU, Addr: nvkm.PMU_BASE, PMCEnable: nvkm.PMC_ENABLE_PMU, IntrMask: 0x01000000, Enable: true}
	ce0    = Unit{Index: IndexCE0, Addr: 0x104000, PMCEnable: 0x00000040, IntrMask: 0x00000020, Enable: true}
	ce1    = Unit{Index: IndexCE1, Addr: 0x105000, PMCEnable: 0x00000080, IntrMask: 0x00000040, Enable: true}
	mspdec = Unit{Index: IndexMSPDEC, Addr: 0x085000, PMCEnable: 0x00020000, IntrMask: 0x00020000, Enable: true}
	msppp  = Unit{Index: IndexMSPPP, Addr: 0x086000, PMCEnable: 0x00000002, IntrMask: 0x00000001, Enable: true}
	msvld  = Unit{Index: IndexMSVLD, Addr: 0x084000, PMCEnable: 0x00008000, IntrMask: 0x00008000, Enable: true}
	sec    = Unit{Index: IndexSEC, Addr: nvkm.FALCON_SECRET_ENGINE, PMCEnable: 0x00004000, IntrMask: 0x00004000, Enable: true}
)

// off returns u with its engine option defaulting to disabled.
func off(u Unit) Unit {
	u.Enable = false
	return u
}

var chips = map[nvkm.Chipset]Chip{
	0x98: {Name: "G98", Units: []Unit{mspdec, msppp, msvld, off(sec)}},
	0xa3: {Name: "GT215", Units: []Unit{pmu, ce0, mspdec, msppp, msvld}},
	0xa5: {Name: "GT216", Units: []Unit{pmu, ce0, mspdec, msppp, msvld}},
	0xa8: {Name: "GT218", Units: []Unit{pmu, ce0, mspdec, msppp, msvld}},
	0xaa: {Name: "MCP77/MCP78", Units: []Unit{mspdec, msppp, msvld, off(sec)}},
	0xac: {Name: "MCP79/MCP7A", Units: []Unit{mspdec, msppp, msvld, off(sec)}},
	0xaf: {Name: "MCP89", Units: []Unit{pmu, ce0, mspdec, msppp, msvld}},
	0xc0: {Name: "GF100", Units: []Unit{pmu, ce0, ce1, mspdec, msppp, msvld}},
	0xc4: {Name: "GF104", Units: []Unit{pmu, ce0, ce1, mspdec, msppp, msvld}},
	0xd9: {Name: "GF119", Units: []Unit{pmu, ce0, mspdec, msppp, msvld}},
	0xe4: {Name: "GK104", Units: []Unit{pmu, mspdec, msppp, msvld}},
	0xe7: {Name: "GK107", Units: []Unit{pmu, mspdec, msppp, msvld}},
}

// LookupChip returns the description of chipset c.
func LookupChip(c nvkm.Chipset) (Chip, bool) {
	chip, ok := chips[c]
	return chip, ok
}

// Chipsets returns every supported chipset, in ascending order.
func Chipsets() []nvkm.Chipset {
	cs := make([]nvkm.Chipset, 0, len(chips))
	for c := range chips {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
	return cs
}
