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
)

// intr acknowledges pending falcon interrupts. A halt is expected when
// firmware exits; anything else is logged.
func (f *Falcon) intr() {
	dispatch := f.rd32(nvkm.FALCON_IRQDEST)
	intr := f.rd32(nvkm.FALCON_IRQSTAT) & dispatch &^ (dispatch >> 16)

	if intr&nvkm.FALCON_IRQ_HALT != 0 {
		f.eng.Debugf("ucode halted")
		f.wr32(nvkm.FALCON_IRQSCLR, nvkm.FALCON_IRQ_HALT)
		intr &^= nvkm.FALCON_IRQ_HALT
	}

	if intr != 0 {
		f.intrLog.Warningf("%s: intr %08x", f.Name(), intr)
		f.wr32(nvkm.FALCON_IRQSCLR, intr)
	}
}
