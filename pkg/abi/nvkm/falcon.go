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

package nvkm

// Falcon registers, relative to a falcon's base address.
const (
	FALCON_IRQSCLR = 0x004
	FALCON_IRQSTAT = 0x008
	FALCON_IRQMSET = 0x010
	FALCON_IRQMCLR = 0x014
	FALCON_IRQDEST = 0x01c
	FALCON_ITFEN   = 0x048
	FALCON_IDLE    = 0x04c

	FALCON_CPUCTL  = 0x100
	FALCON_BOOTVEC = 0x104
	FALCON_HWCFG   = 0x108
	FALCON_DMACTL  = 0x10c
	FALCON_HWCFG1  = 0x12c

	// Core (self-bootstrapping) image transfer.
	FALCON_DMATRFBASE   = 0x110
	FALCON_DMATRFMOFFS  = 0x114
	FALCON_DMATRFCMD    = 0x118
	FALCON_DMATRFFBOFFS = 0x11c
	FALCON_FBIF_CTL     = 0x618

	// Versions 3 and later.
	FALCON_IMEMC = 0x180
	FALCON_IMEMD = 0x184
	FALCON_IMEMT = 0x188
	FALCON_DMEMC = 0x1c0
	FALCON_DMEMD = 0x1c4

	// Versions before 3.
	FALCON_UC_DATA = 0xff4
	FALCON_UC_CTRL = 0xff8
)

// Falcon register fields.
const (
	FALCON_IRQ_HALT        = 0x00000010
	FALCON_IRQ_ALL         = 0xffffffff
	FALCON_CPUCTL_STARTCPU = 0x00000002
	// FALCON_IMEMC_BUSY is clear once a secret falcon of version 1-3 has
	// halted.
	FALCON_IMEMC_BUSY           = 0x80000000
	FALCON_DMACTL_BLOCK_ON_FIFO = 0x00000001
	FALCON_ITFEN_FIFO_CHSW      = 0x00000003

	FALCON_HWCFG1_VERSION_MASK = 0x0000000f
	FALCON_HWCFG1_SECRET_MASK  = 0x00000030
	FALCON_HWCFG1_SECRET_SHIFT = 4
	FALCON_HWCFG_CODE_MASK     = 0x000001ff
	FALCON_HWCFG_CODE_SHIFT    = 8
	FALCON_HWCFG_DATA_MASK     = 0x0003fe00
	FALCON_HWCFG_DATA_SHIFT    = 1

	// FALCON_MEMC_AINCW selects auto-increment on write for IMEMC/DMEMC
	// and FALCON_UC_CTRL.
	FALCON_MEMC_AINCW   = 0x01000000
	FALCON_MEMC_AINCR   = 0x02000000
	FALCON_UC_CTRL_CODE = 0x00100000
	FALCON_UC_CTRL_DATA = 0x00000000

	// FALCON_IMEM_PAGE_WORDS is the number of 32-bit words per IMEMT tag.
	FALCON_IMEM_PAGE_WORDS = 64

	FALCON_FBIF_CTL_NV50  = 0x04000000
	FALCON_FBIF_CTL_NVC0  = 0x00000114
	FALCON_DMATRFCMD_CORE = 0x00006610

	// FALCON_CORE_ALIGN is the VRAM alignment of a self-bootstrapping image.
	FALCON_CORE_ALIGN = 256
	// FALCON_CORE_ADDR_SHIFT converts a VRAM address to FALCON_DMATRFBASE.
	FALCON_CORE_ADDR_SHIFT = 8
)

// FALCON_SECRET_ENGINE is the only falcon with a non-zero secret level on
// chipsets without FALCON_HWCFG1.
const FALCON_SECRET_ENGINE = 0x087000

// FALCON_HALT_TIMEOUT_MS and the PMU timeouts below bound every hardware
// poll.
const FALCON_HALT_TIMEOUT_MS = 2000
