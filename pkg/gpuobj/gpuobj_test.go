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

package gpuobj

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/hwio/hwiotest"
)

const heapBase = 0x10000

func newHeap(size uint64) *Heap {
	return NewHeap(NewMemory(heapBase, size), heapBase, size)
}

func TestAllocAlignment(t *testing.T) {
	h := newHeap(0x10000)
	a, err := h.Alloc(0x10, 4)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, err := h.Alloc(0x300, 256)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if a.Addr() != heapBase {
		t.Errorf("first object at %#x, want %#x", a.Addr(), heapBase)
	}
	if b.Addr()%256 != 0 || b.Addr() < a.Addr()+a.Size() {
		t.Errorf("aligned object at %#x overlaps or is misaligned", b.Addr())
	}
	if got, want := h.Available(), uint64(0x10000-0x10-0x300); got != want {
		t.Errorf("Available() = %#x, want %#x", got, want)
	}
}

func TestAllocRoundsToWords(t *testing.T) {
	h := newHeap(0x1000)
	o, err := h.Alloc(5, 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if o.Size() != 8 {
		t.Errorf("Size() = %d, want 8", o.Size())
	}
}

func TestAllocExhausted(t *testing.T) {
	h := newHeap(0x1000)
	if _, err := h.Alloc(0x800, 0x100); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := h.Alloc(0x900, 0x100); !errors.Is(err, nverr.ResourceExhausted) {
		t.Errorf("Alloc beyond capacity returned %v, want %v", err, nverr.ResourceExhausted)
	}
	if _, err := h.Alloc(0x100, 3); err == nil {
		t.Errorf("Alloc with a non power of two alignment succeeded")
	}
}

func TestFreeCoalesces(t *testing.T) {
	h := newHeap(0x1000)
	var objs []*Object
	for i := 0; i < 4; i++ {
		o, err := h.Alloc(0x400, 0x100)
		if err != nil {
			t.Fatalf("Alloc %d failed: %v", i, err)
		}
		objs = append(objs, o)
	}
	if h.Extents() != 0 {
		t.Fatalf("full heap has %d free extents, want 0", h.Extents())
	}

	// Free out of order; neighbours must merge back into one extent.
	for _, i := range []int{1, 3, 0, 2} {
		objs[i].Free()
	}
	objs[2].Free()
	if h.Extents() != 1 {
		t.Errorf("empty heap has %d free extents, want 1", h.Extents())
	}
	if h.Available() != 0x1000 {
		t.Errorf("Available() = %#x, want 0x1000", h.Available())
	}
	if o, err := h.Alloc(0x1000, 0x100); err != nil || o.Addr() != heapBase {
		t.Errorf("Alloc of the whole heap after frees = (%v, %v)", o, err)
	}
}

func TestObjectReadWrite(t *testing.T) {
	h := newHeap(0x1000)
	o, err := h.Alloc(0x10, 0x100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	o.Map()
	for i := uint64(0); i < 4; i++ {
		o.Wr32(i*4, uint32(0x100+i))
	}
	var got []uint32
	for i := uint64(0); i < 4; i++ {
		got = append(got, o.Rd32(i*4))
	}
	o.Done()
	if diff := cmp.Diff([]uint32{0x100, 0x101, 0x102, 0x103}, got); diff != "" {
		t.Errorf("object contents mismatch (-want +got):\n%s", diff)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Wr32 on an unmapped object did not panic")
		}
	}()
	o.Wr32(0, 1)
}

func TestPRAMIN(t *testing.T) {
	port := hwiotest.New()
	p := NewPRAMIN(port)
	p.Wr32(0x123458, 0xcafe)
	p.Wr32(0x12345c, 0xf00d)
	p.Wr32(0x200010, 0xbeef)

	if diff := cmp.Diff([]uint32{0x10, 0x20}, port.Writes(nvkm.PBUS_BAR0_WINDOW)); diff != "" {
		t.Errorf("window writes mismatch (-want +got):\n%s", diff)
	}
	if got := port.Get(nvkm.PRAMIN_BASE + 0x23458); got != 0xcafe {
		t.Errorf("PRAMIN word = %#x, want 0xcafe", got)
	}
	if got := port.Get(nvkm.PRAMIN_BASE + 0x10); got != 0xbeef {
		t.Errorf("PRAMIN word after window move = %#x, want 0xbeef", got)
	}
}
