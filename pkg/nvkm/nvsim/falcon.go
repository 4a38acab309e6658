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

// FalconState is a snapshot of a simulated falcon.
type FalconState struct {
	Version uint32
	Secret  uint32

	// Running is set once the CPU has been started.
	Running bool
	// Starts counts CPU starts.
	Starts int

	// CodeWords and DataWords count words uploaded through the memory
	// ports since the last port reset.
	CodeWords int
	DataWords int

	// CoreBase is the VRAM address of a self-bootstrapping image, and
	// CoreLoaded is set once its transfer has been triggered.
	CoreBase   uint64
	CoreLoaded bool
}

type falconState struct {
	regs   map[uint32]uint32
	ucCtrl uint32
	st     FalconState
}

func newFalcon(chipset nvkm.Chipset, addr uint32) *falconState {
	f := &falconState{regs: make(map[uint32]uint32)}
	if chipset.HasFalconHWCFG1() {
		switch chipset.CardType() {
		case nvkm.NV_50:
			f.st.Version = 1
		case nvkm.NV_C0:
			f.st.Version = 3
		default:
			f.st.Version = 4
		}
	}
	if addr == nvkm.FALCON_SECRET_ENGINE {
		f.st.Secret = 1
	}
	f.regs[nvkm.FALCON_HWCFG] = hwcfg
	f.regs[nvkm.FALCON_HWCFG1] = f.st.Version | f.st.Secret<<nvkm.FALCON_HWCFG1_SECRET_SHIFT
	// Falcons come out of reset halted.
	f.regs[nvkm.FALCON_IRQSTAT] = nvkm.FALCON_IRQ_HALT
	return f
}

// falcon returns the falcon whose register window holds addr.
//
// +checklocks:g.mu
func (g *GPU) falcon(addr uint32) (*falconState, uint32, bool) {
	base := addr &^ 0xfff
	f, ok := g.falcons[base]
	return f, addr - base, ok
}

// Falcon returns the state of the falcon at base.
func (g *GPU) Falcon(base uint32) (FalconState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.falcons[base]
	if !ok {
		return FalconState{}, false
	}
	return f.st, true
}

func (f *falconState) rd32(off, _ uint32) uint32 {
	return f.regs[off]
}

func (f *falconState) wr32(off, val uint32) {
	switch off {
	case nvkm.FALCON_IRQSCLR:
		f.regs[nvkm.FALCON_IRQSTAT] &^= val
		return
	case nvkm.FALCON_UC_CTRL:
		f.ucCtrl = val
		if val&nvkm.FALCON_UC_CTRL_CODE != 0 {
			f.st.CodeWords = 0
		} else {
			f.st.DataWords = 0
		}
	case nvkm.FALCON_UC_DATA:
		if f.ucCtrl&nvkm.FALCON_UC_CTRL_CODE != 0 {
			f.st.CodeWords++
		} else {
			f.st.DataWords++
		}
	case nvkm.FALCON_IMEMC:
		f.st.CodeWords = 0
	case nvkm.FALCON_IMEMD:
		f.st.CodeWords++
	case nvkm.FALCON_DMEMC:
		f.st.DataWords = 0
	case nvkm.FALCON_DMEMD:
		f.st.DataWords++
	case nvkm.FALCON_DMATRFBASE:
		f.st.CoreBase = uint64(val) << nvkm.FALCON_CORE_ADDR_SHIFT
	case nvkm.FALCON_DMATRFCMD:
		f.st.CoreLoaded = true
	case nvkm.FALCON_CPUCTL:
		if val&nvkm.FALCON_CPUCTL_STARTCPU != 0 {
			f.st.Running = true
			f.st.Starts++
			f.regs[nvkm.FALCON_IRQSTAT] &^= nvkm.FALCON_IRQ_HALT
		}
	}
	f.regs[off] = val
}
