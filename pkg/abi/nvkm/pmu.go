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

import (
	"encoding/binary"
	"fmt"
)

// PMU_BASE is the PMU falcon's base address.
const PMU_BASE = 0x10a000

// PMU registers, device-relative.
const (
	PMU_IRQSCLR = PMU_BASE + FALCON_IRQSCLR
	PMU_IRQSTAT = PMU_BASE + FALCON_IRQSTAT
	PMU_IRQMSET = PMU_BASE + FALCON_IRQMSET
	PMU_IRQMCLR = PMU_BASE + FALCON_IRQMCLR
	PMU_IRQDEST = PMU_BASE + FALCON_IRQDEST
	PMU_IDLE    = PMU_BASE + FALCON_IDLE
	PMU_CPUCTL  = PMU_BASE + FALCON_CPUCTL
	PMU_BOOTVEC = PMU_BASE + FALCON_BOOTVEC
	PMU_DMACTL  = PMU_BASE + FALCON_DMACTL
	PMU_IMEMC   = PMU_BASE + FALCON_IMEMC
	PMU_IMEMD   = PMU_BASE + FALCON_IMEMD
	PMU_IMEMT   = PMU_BASE + FALCON_IMEMT
	PMU_DMEMC   = PMU_BASE + FALCON_DMEMC
	PMU_DMEMD   = PMU_BASE + FALCON_DMEMD

	PMU_UAS_ADDR = 0x10a168
	PMU_UAS_STAT = 0x10a16c

	PMU_SEND_PUT = 0x10a4a0
	PMU_SEND_GET = 0x10a4b0
	PMU_RECV_PUT = 0x10a4c8
	PMU_RECV_GET = 0x10a4cc
	PMU_SEND_CFG = 0x10a4d0
	PMU_RECV_CFG = 0x10a4dc

	// PMU_DMEM_LOCK arbitrates DMEM window ownership between the host and
	// the PMU.
	PMU_DMEM_LOCK = 0x10a580

	PMU_DEBUG_ADDR = 0x10a7a0
	PMU_DEBUG_DATA = 0x10a7a4
)

// PMU register fields.
const (
	PMU_INTR_FAULT   = 0x00000020
	PMU_INTR_MESSAGE = 0x00000040
	PMU_INTR_DEBUG   = 0x00000080

	// PMU_INTR_ENABLE is written to PMU_IRQMSET once the rings are up.
	PMU_INTR_ENABLE = 0x000000e0
	// PMU_INTR_RING masks the message interrupts on teardown.
	PMU_INTR_RING = 0x00000060
	// PMU_INTR_RESET masks every source before the reset sequence.
	PMU_INTR_RESET = 0x0000ffff

	PMU_UAS_STAT_VALID = 0x80000000
	PMU_UAS_STAT_PC    = 0x00ffffff

	// PMU_DMACTL_BUSY bits clear once the PMU is out of reset.
	PMU_DMACTL_BUSY = 0x00000006

	PMU_DMEM_LOCK_NONE = 0x00000000
	PMU_DMEM_LOCK_SEND = 0x00000001
	PMU_DMEM_LOCK_RECV = 0x00000002

	PMU_RING_CFG_BASE_MASK  = 0x0000ffff
	PMU_RING_CFG_SIZE_SHIFT = 16

	PMU_TIMEOUT_MS = 2000
)

// Ring geometry. Ring indices count modulo PMU_RING_INDEX_MOD; the low three
// bits select one of PMU_RING_SLOTS slots and bit 3 is a wrap phase, so a
// ring is full when the far side's index equals ours with the phase flipped.
const (
	PMU_RING_SLOTS      = 8
	PMU_RING_SLOT_MASK  = PMU_RING_SLOTS - 1
	PMU_RING_INDEX_MOD  = 2 * PMU_RING_SLOTS
	PMU_RING_INDEX_MASK = PMU_RING_INDEX_MOD - 1
	PMU_RING_PHASE      = PMU_RING_SLOTS
	PMU_RING_SLOT_SHIFT = 4
)

// SlotOffset returns the DMEM offset of the slot addressed by ring index idx
// in a ring starting at base.
func SlotOffset(base, idx uint32) uint32 {
	return ((idx & PMU_RING_SLOT_MASK) << PMU_RING_SLOT_SHIFT) + base
}

// NextIndex advances a ring index.
func NextIndex(idx uint32) uint32 {
	return (idx + 1) & PMU_RING_INDEX_MASK
}

// RingFull returns true if a ring whose producer index is put and consumer
// index is get has no free slot.
func RingFull(put, get uint32) bool {
	return get == put^PMU_RING_PHASE
}

// MessageSize is the size of one ring slot payload in bytes.
const MessageSize = 16

// Message is one PMU ring message. On the wire it is four little-endian
// 32-bit words in field order.
type Message struct {
	Process uint32
	Message uint32
	Data0   uint32
	Data1   uint32
}

// Words returns m in wire order.
func (m *Message) Words() [4]uint32 {
	return [4]uint32{m.Process, m.Message, m.Data0, m.Data1}
}

// MarshalBytes serializes m into dst, which must be at least MessageSize
// bytes long.
func (m *Message) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint32(dst[0:], m.Process)
	binary.LittleEndian.PutUint32(dst[4:], m.Message)
	binary.LittleEndian.PutUint32(dst[8:], m.Data0)
	binary.LittleEndian.PutUint32(dst[12:], m.Data1)
	return dst[MessageSize:]
}

// UnmarshalBytes deserializes m from src.
func (m *Message) UnmarshalBytes(src []byte) []byte {
	m.Process = binary.LittleEndian.Uint32(src[0:])
	m.Message = binary.LittleEndian.Uint32(src[4:])
	m.Data0 = binary.LittleEndian.Uint32(src[8:])
	m.Data1 = binary.LittleEndian.Uint32(src[12:])
	return src[MessageSize:]
}

// String implements fmt.Stringer.
func (m Message) String() string {
	return fmt.Sprintf("%s %08x %08x %08x %08x", TagString(m.Process), m.Process, m.Message, m.Data0, m.Data1)
}

// ProcessTag packs a four character ASCII tag into a process id, first
// character in the low byte.
func ProcessTag(tag string) uint32 {
	var p uint32
	for i := 0; i < 4 && i < len(tag); i++ {
		p |= uint32(tag[i]) << (8 * i)
	}
	return p
}

// TagString decodes a process id packed by ProcessTag.
func TagString(process uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], process)
	return string(b[:])
}
