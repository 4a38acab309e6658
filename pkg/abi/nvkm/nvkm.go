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

// Package nvkm contains register offsets, bit layouts and wire formats used to
// drive falcon microcontrollers and the PMU on NVIDIA GPUs.
package nvkm

// Chipset identifies a GPU generation as read from PMC_BOOT_0.
type Chipset uint32

// CardType is the coarse GPU family derived from a Chipset.
type CardType uint32

// Card types.
const (
	NV_50 CardType = 0x50
	NV_C0 CardType = 0xc0
	NV_E0 CardType = 0xe0
	GM100 CardType = 0x110
)

// CardType returns the family of c.
func (c Chipset) CardType() CardType {
	switch {
	case c >= 0x110:
		return GM100
	case c >= 0xe0:
		return NV_E0
	case c >= 0xc0:
		return NV_C0
	default:
		return NV_50
	}
}

// Chipsets that read falcon version and secret level from FALCON_HWCFG1 start
// at FIRST_FALCON_HWCFG1_CHIPSET, except for the ones listed in
// LegacyFalconCapsChipsets.
const FIRST_FALCON_HWCFG1_CHIPSET Chipset = 0xa3

// LegacyFalconCapsChipsets are chipsets at or above
// FIRST_FALCON_HWCFG1_CHIPSET whose falcons still report fixed capabilities.
var LegacyFalconCapsChipsets = map[Chipset]struct{}{
	0xaa: {},
	0xac: {},
}

// HasFalconHWCFG1 returns true if falcons on c report version and secret
// level through FALCON_HWCFG1.
func (c Chipset) HasFalconHWCFG1() bool {
	if c < FIRST_FALCON_HWCFG1_CHIPSET {
		return false
	}
	_, legacy := LegacyFalconCapsChipsets[c]
	return !legacy
}

// PMC registers, device-relative.
const (
	PMC_BOOT_0   = 0x000000
	PMC_INTR_0   = 0x000100
	PMC_ENABLE   = 0x000200
	PMC_INTR_EN0 = 0x000140

	// PMC_ENABLE_PMU resets the PMU falcon when toggled.
	PMC_ENABLE_PMU = 0x00002000

	PMC_BOOT_0_CHIPSET_MASK  = 0x1ff00000
	PMC_BOOT_0_CHIPSET_SHIFT = 20
)

// PRAMIN window used to reach VRAM through BAR0.
const (
	PBUS_BAR0_WINDOW       = 0x001700
	PRAMIN_BASE            = 0x700000
	PRAMIN_SIZE            = 0x100000
	PBUS_BAR0_WINDOW_SHIFT = 16
)
