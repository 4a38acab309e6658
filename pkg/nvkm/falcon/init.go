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
	"context"
	"fmt"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/firmware"
	"gvisor.dev/nvkm/pkg/hwio"
)

// hooks is the engine implementation of a Falcon. Every method runs with
// the engine's Subdev.Mu held.
type hooks Falcon

func (h *hooks) falcon() *Falcon { return (*Falcon)(h) }

// OneInit implements subdev.Impl.OneInit.
func (h *hooks) OneInit(context.Context) error { return nil }

// Init implements subdev.Impl.Init.
//
// Everything that can fail without touching the hardware (capability
// probe, firmware resolution, size validation) runs before the first
// register write, so a rejected image leaves the falcon untouched.
//
// The capability registers of a unit held in reset by PMC_ENABLE (for
// example after the last Unref) are not reliable, so in that case they are
// read and checked again once the unit is enabled.
func (h *hooks) Init(ctx context.Context) error {
	f := h.falcon()
	inReset := !f.eng.Enabled()
	f.probe()
	if err := f.resolve(); err != nil {
		return err
	}
	if err := f.checkLimits(); err != nil {
		return err
	}

	f.eng.Enable()
	if inReset {
		f.probe()
		if err := f.checkLimits(); err != nil {
			f.eng.Disable()
			return err
		}
	}
	if err := f.waitHalted(ctx); err != nil {
		return err
	}
	f.wr32(nvkm.FALCON_IRQMCLR, nvkm.FALCON_IRQ_ALL)

	if err := f.loadCore(); err != nil {
		return err
	}
	f.upload()
	Start(f.port(), f.addr, nvkm.FALCON_DMACTL_BLOCK_ON_FIFO)
	f.wr32(nvkm.FALCON_ITFEN, nvkm.FALCON_ITFEN_FIFO_CHSW)
	return nil
}

// Fini implements subdev.Impl.Fini.
func (h *hooks) Fini(_ context.Context, suspend bool) error {
	f := h.falcon()
	if !suspend {
		f.core.Free()
		f.core = nil
		if f.external {
			f.data.Release()
			f.code.Release()
			f.code = nil
		}
	}
	hwio.Mask32(f.port(), f.addr+nvkm.FALCON_ITFEN, nvkm.FALCON_ITFEN_FIFO_CHSW, 0)
	f.wr32(nvkm.FALCON_IRQMCLR, nvkm.FALCON_IRQ_ALL)
	return nil
}

// Intr implements subdev.Impl.Intr.
func (h *hooks) Intr() {
	h.falcon().intr()
}

// Dtor implements subdev.Impl.Dtor.
func (h *hooks) Dtor() {
	f := h.falcon()
	f.core.Free()
	f.core = nil
	if f.external {
		f.data.Release()
		f.code.Release()
	}
}

func (f *Falcon) port() hwio.Port { return f.dev.Port() }

func (f *Falcon) rd32(off uint32) uint32 { return f.port().Rd32(f.addr + off) }

func (f *Falcon) wr32(off, val uint32) { f.port().Wr32(f.addr+off, val) }

// checkLimits returns ProtocolViolation if a split image does not fit the
// probed memory limits. Self-bootstrapping images run from VRAM and are not
// bound by them.
func (f *Falcon) checkLimits() error {
	if f.data == nil {
		return nil
	}
	if f.code.Size() > f.codeLimit || f.data.Size() > f.dataLimit {
		f.eng.Warningf("ucode exceeds falcon limit(s): code %d/%d data %d/%d",
			f.code.Size(), f.codeLimit, f.data.Size(), f.dataLimit)
		return nverr.ProtocolViolation.Errorf("%s", f.Name())
	}
	return nil
}

// probe reads the falcon version, secret level and memory limits.
func (f *Falcon) probe() {
	if f.dev.Chipset().HasFalconHWCFG1() {
		caps := f.rd32(nvkm.FALCON_HWCFG1)
		f.version = caps & nvkm.FALCON_HWCFG1_VERSION_MASK
		f.secret = (caps & nvkm.FALCON_HWCFG1_SECRET_MASK) >> nvkm.FALCON_HWCFG1_SECRET_SHIFT
	} else {
		f.version = 0
		f.secret = 0
		if f.addr == nvkm.FALCON_SECRET_ENGINE {
			f.secret = 1
		}
	}

	caps := f.rd32(nvkm.FALCON_HWCFG)
	f.codeLimit = (caps & nvkm.FALCON_HWCFG_CODE_MASK) << nvkm.FALCON_HWCFG_CODE_SHIFT
	f.dataLimit = (caps & nvkm.FALCON_HWCFG_DATA_MASK) >> nvkm.FALCON_HWCFG_DATA_SHIFT

	f.eng.Debugf("falcon version: %d", f.version)
	f.eng.Debugf("secret level: %d", f.secret)
	f.eng.Debugf("code limit: %d", f.codeLimit)
	f.eng.Debugf("data limit: %d", f.dataLimit)
}

// resolve locates firmware if none is held. A self-bootstrapping image is
// preferred over a pair of static segments.
func (f *Falcon) resolve() error {
	if f.code != nil {
		return nil
	}

	chipset := uint32(f.dev.Chipset())
	fw := f.dev.Firmware()
	f.external = true
	f.data = nil

	name := firmware.Name(chipset, f.addr, firmware.SelfBootstrap)
	if blob, err := fw.Fetch(name); err == nil {
		f.code = fetchedImage(name, blob)
		f.eng.Debugf("firmware: %s (self-bootstrapping)", name)
		return nil
	}

	name = firmware.Name(chipset, f.addr, firmware.Data)
	blob, err := fw.Fetch(name)
	if err != nil {
		f.eng.Warningf("unable to load firmware data")
		return fmt.Errorf("%s: %w", f.Name(), err)
	}
	data := fetchedImage(name, blob)

	name = firmware.Name(chipset, f.addr, firmware.Code)
	blob, err = fw.Fetch(name)
	if err != nil {
		f.eng.Warningf("unable to load firmware code")
		return fmt.Errorf("%s: %w", f.Name(), err)
	}
	f.data = data
	f.code = fetchedImage(name, blob)
	f.eng.Debugf("firmware: %s (static code/data segments)", name)
	return nil
}

// waitHalted waits for a secret falcon older than version 4 to halt, then
// acknowledges the halt.
func (f *Falcon) waitHalted(ctx context.Context) error {
	if f.secret == 0 || f.version >= 4 {
		return nil
	}
	cond := func() bool { return f.rd32(nvkm.FALCON_IMEMC)&nvkm.FALCON_IMEMC_BUSY == 0 }
	if f.version == 0 {
		cond = func() bool { return f.rd32(nvkm.FALCON_IRQSTAT)&nvkm.FALCON_IRQ_HALT != 0 }
	}
	if _, err := hwio.PollMsec(ctx, nvkm.FALCON_HALT_TIMEOUT_MS, cond); err != nil {
		f.eng.Warningf("timeout waiting for ucode halt")
		return fmt.Errorf("%s: waiting for halt: %w", f.Name(), err)
	}
	f.wr32(nvkm.FALCON_IRQSCLR, nvkm.FALCON_IRQ_HALT)
	return nil
}

// loadCore copies a self-bootstrapping image into VRAM if it is not there
// already.
func (f *Falcon) loadCore() error {
	if f.data != nil || f.core != nil {
		return nil
	}
	vram := f.dev.VRAM()
	if vram == nil {
		f.eng.Warningf("core allocation failed, no VRAM")
		return nverr.ResourceExhausted.Errorf("%s: no VRAM for core", f.Name())
	}
	core, err := vram.Alloc(uint64(f.code.Size()), nvkm.FALCON_CORE_ALIGN)
	if err != nil {
		f.eng.Warningf("core allocation failed, %v", err)
		return fmt.Errorf("%s: %w", f.Name(), err)
	}
	core.Map()
	for i, w := range f.code.Words() {
		core.Wr32(uint64(i)*4, w)
	}
	core.Done()
	f.core = core
	return nil
}

// upload points the falcon at its core image, or writes the code segment
// through the port registers, and then writes the data segment.
func (f *Falcon) upload() {
	var data []uint32
	if f.core != nil {
		fbif := uint32(nvkm.FALCON_FBIF_CTL_NVC0)
		if f.dev.CardType() < nvkm.NV_C0 {
			fbif = nvkm.FALCON_FBIF_CTL_NV50
		}
		f.wr32(nvkm.FALCON_FBIF_CTL, fbif)
		f.wr32(nvkm.FALCON_DMATRFFBOFFS, 0)
		f.wr32(nvkm.FALCON_DMATRFBASE, uint32(f.core.Addr()>>nvkm.FALCON_CORE_ADDR_SHIFT))
		f.wr32(nvkm.FALCON_DMATRFMOFFS, 0)
		f.wr32(nvkm.FALCON_DMATRFCMD, nvkm.FALCON_DMATRFCMD_CORE)
	} else {
		LoadCode(f.port(), f.addr, f.version, f.code.Words())
		data = f.data.Words()
	}
	LoadData(f.port(), f.addr, f.version, data, f.dataLimit)
}
