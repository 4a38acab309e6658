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

// Package gpuobj allocates GPU-resident (VRAM) buffers.
//
// A Heap hands out address ranges from a VRAM aperture and writes object
// contents through a Backing, which is either plain memory or the BAR0
// PRAMIN window of a live device.
package gpuobj

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/sync"
)

// Allocator allocates GPU objects.
type Allocator interface {
	// Alloc returns an object of at least size bytes whose address is a
	// multiple of align. align must be a power of two.
	Alloc(size, align uint64) (*Object, error)
}

// extent is a free range of the heap.
type extent struct {
	addr uint64
	size uint64
}

func (e extent) end() uint64 { return e.addr + e.size }

func extentLess(a, b extent) bool { return a.addr < b.addr }

// Heap is a first-fit allocator over [base, base+size). Free extents are kept
// in address order and coalesced on Free.
type Heap struct {
	backing Backing

	mu sync.Mutex
	// +checklocks:mu
	free *btree.BTreeG[extent]
	// +checklocks:mu
	avail uint64
}

// NewHeap returns a Heap managing size bytes of VRAM starting at base.
func NewHeap(backing Backing, base, size uint64) *Heap {
	h := &Heap{
		backing: backing,
		free:    btree.NewG[extent](4, extentLess),
		avail:   size,
	}
	if size > 0 {
		h.free.ReplaceOrInsert(extent{addr: base, size: size})
	}
	return h
}

// Alloc implements Allocator.Alloc.
func (h *Heap) Alloc(size, align uint64) (*Object, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-sized gpu object")
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("alignment %#x is not a power of two", align)
	}
	size = alignUp(size, 4)

	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		found bool
		from  extent
		start uint64
	)
	h.free.Ascend(func(e extent) bool {
		s := alignUp(e.addr, align)
		if s >= e.addr && s+size <= e.end() {
			found, from, start = true, e, s
			return false
		}
		return true
	})
	if !found {
		return nil, fmt.Errorf("allocating %#x bytes aligned to %#x (%#x free): %w", size, align, h.avail, nverr.ResourceExhausted)
	}

	h.free.Delete(from)
	if start > from.addr {
		h.free.ReplaceOrInsert(extent{addr: from.addr, size: start - from.addr})
	}
	if end := start + size; end < from.end() {
		h.free.ReplaceOrInsert(extent{addr: end, size: from.end() - end})
	}
	h.avail -= size
	return &Object{heap: h, addr: start, size: size}, nil
}

// Available returns the number of free bytes.
func (h *Heap) Available() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.avail
}

// Extents returns the number of free extents.
func (h *Heap) Extents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free.Len()
}

func (h *Heap) release(addr, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var prev, next extent
	h.free.DescendLessOrEqual(extent{addr: addr}, func(e extent) bool {
		prev = e
		return false
	})
	h.free.AscendGreaterOrEqual(extent{addr: addr}, func(e extent) bool {
		next = e
		return false
	})

	e := extent{addr: addr, size: size}
	if prev.size != 0 && prev.end() == addr {
		h.free.Delete(prev)
		e = extent{addr: prev.addr, size: prev.size + e.size}
	}
	if next.size != 0 && next.addr == addr+size {
		h.free.Delete(next)
		e.size += next.size
	}
	h.free.ReplaceOrInsert(e)
	h.avail += size
}

// Object is an allocated VRAM range.
type Object struct {
	heap   *Heap
	addr   uint64
	size   uint64
	mapped bool
	freed  bool
}

// Addr returns the VRAM address of o.
func (o *Object) Addr() uint64 { return o.addr }

// Size returns the size of o in bytes.
func (o *Object) Size() uint64 { return o.size }

// Map prepares o for Wr32 and Rd32.
func (o *Object) Map() {
	o.mapped = true
}

// Done ends a Map.
func (o *Object) Done() {
	o.mapped = false
}

// Wr32 writes val at byte offset off within o.
//
// Preconditions: o is mapped; off+4 <= o.Size().
func (o *Object) Wr32(off uint64, val uint32) {
	o.checkAccess(off)
	o.heap.backing.Wr32(o.addr+off, val)
}

// Rd32 reads the word at byte offset off within o.
//
// Preconditions: o is mapped; off+4 <= o.Size().
func (o *Object) Rd32(off uint64) uint32 {
	o.checkAccess(off)
	return o.heap.backing.Rd32(o.addr + off)
}

func (o *Object) checkAccess(off uint64) {
	if !o.mapped {
		panic("gpuobj: access to unmapped object")
	}
	if o.freed || off+4 > o.size {
		panic(fmt.Sprintf("gpuobj: access at %#x outside object of %#x bytes", off, o.size))
	}
}

// Free returns o to its heap. Free on a nil or already freed object is a
// no-op.
func (o *Object) Free() {
	if o == nil || o.freed {
		return
	}
	o.freed = true
	o.mapped = false
	o.heap.release(o.addr, o.size)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
