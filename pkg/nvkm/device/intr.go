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
	"gvisor.dev/nvkm/pkg/abi/nvkm"
)

// Intr routes pending PMC interrupts to the subsystems that own them. It
// is called from the platform interrupt path and does not block beyond the
// handlers it invokes.
func (d *Device) Intr() bool {
	stat := d.port.Rd32(nvkm.PMC_INTR_0)
	if stat == 0 {
		return false
	}
	for _, s := range d.Subdevs() {
		mask := s.IntrMask()
		if stat&mask == 0 {
			continue
		}
		s.Intr()
		stat &^= mask
	}
	if stat != 0 {
		d.unhandled.Warningf("%s: unhandled PMC interrupt(s) %08x", d.name, stat)
	}
	return true
}
