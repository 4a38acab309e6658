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

// Package device holds the per-GPU state shared by every subsystem: the
// register port, firmware source, GPU memory allocator, engine options and
// the registry of subsystems used for lifecycle and interrupt routing.
package device

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/cleanup"
	"gvisor.dev/nvkm/pkg/firmware"
	"gvisor.dev/nvkm/pkg/gpuobj"
	"gvisor.dev/nvkm/pkg/hwio"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/nvkm/nvconf"
	"gvisor.dev/nvkm/pkg/sync"
)

// Index identifies a subsystem among its siblings on a device.
type Index int

// Subsystem indices, in bring-up order.
const (
	IndexPMU Index = iota
	IndexCE0
	IndexCE1
	IndexMSPDEC
	IndexMSPPP
	IndexMSVLD
	IndexSEC
	NumIndices
)

var indexNames = [NumIndices]string{
	IndexPMU:    "PMU",
	IndexCE0:    "CE0",
	IndexCE1:    "CE1",
	IndexMSPDEC: "MSPDEC",
	IndexMSPPP:  "MSPPP",
	IndexMSVLD:  "MSVLD",
	IndexSEC:    "SEC",
}

// String implements fmt.Stringer.
func (i Index) String() string {
	if i >= 0 && i < NumIndices {
		return indexNames[i]
	}
	return fmt.Sprintf("SUBDEV%d", int(i))
}

// ParseIndex returns the Index named name.
func ParseIndex(name string) (Index, bool) {
	for i, n := range indexNames {
		if n == name {
			return Index(i), true
		}
	}
	return 0, false
}

// Subdev is a subsystem registered with a Device.
type Subdev interface {
	// Index returns the registered index.
	Index() Index

	// Name returns the name used in logs and options.
	Name() string

	// IntrMask returns the PMC_INTR_0 bits routed to this subsystem.
	IntrMask() uint32

	// Intr handles a pending interrupt. It must not block.
	Intr()

	// Init brings the subsystem up.
	Init(ctx context.Context) error

	// Fini tears the subsystem down. If suspend is true, state needed by a
	// later Init is kept.
	Fini(ctx context.Context, suspend bool) error

	// Destroy releases all resources.
	Destroy()
}

// Options configures a Device.
type Options struct {
	// Name is used as the log prefix. Defaults to "nvkm".
	Name string

	// Chipset overrides the chipset read from PMC_BOOT_0.
	Chipset nvkm.Chipset

	// Port is the register port. Required.
	Port hwio.Port

	// Firmware resolves named firmware blobs.
	Firmware firmware.Fetcher

	// VRAM allocates GPU-resident buffers.
	VRAM gpuobj.Allocator

	// Config holds per-engine options.
	Config *nvconf.Config

	// DisableMask has bit 1<<Index set for each engine fused off by
	// hardware or firmware.
	DisableMask uint64
}

// Device is one GPU.
type Device struct {
	name        string
	chipset     nvkm.Chipset
	port        hwio.Port
	fw          firmware.Fetcher
	vram        gpuobj.Allocator
	config      *nvconf.Config
	disableMask uint64

	unhandled log.Logger

	mu sync.Mutex

	// +checklocks:mu
	subdevs map[Index]Subdev
}

// New returns a new Device.
func New(opts Options) (*Device, error) {
	if opts.Port == nil {
		return nil, fmt.Errorf("device requires a register port")
	}
	d := &Device{
		name:        opts.Name,
		chipset:     opts.Chipset,
		port:        opts.Port,
		fw:          opts.Firmware,
		vram:        opts.VRAM,
		config:      opts.Config,
		disableMask: opts.DisableMask,
		unhandled:   log.BasicRateLimitedLogger(time.Second),
		subdevs:     make(map[Index]Subdev),
	}
	if d.name == "" {
		d.name = "nvkm"
	}
	if d.chipset == 0 {
		boot0 := d.port.Rd32(nvkm.PMC_BOOT_0)
		d.chipset = nvkm.Chipset((boot0 & nvkm.PMC_BOOT_0_CHIPSET_MASK) >> nvkm.PMC_BOOT_0_CHIPSET_SHIFT)
		if d.chipset == 0 {
			return nil, fmt.Errorf("unable to identify chipset, PMC_BOOT_0 = %#08x", boot0)
		}
	}
	if d.fw == nil {
		d.fw = firmware.NewMap(nil)
	}
	log.Infof("%s: NVIDIA chipset %#02x (card type %#x)", d.name, uint32(d.chipset), uint32(d.chipset.CardType()))
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Chipset returns the chipset.
func (d *Device) Chipset() nvkm.Chipset { return d.chipset }

// CardType returns the card family.
func (d *Device) CardType() nvkm.CardType { return d.chipset.CardType() }

// Port returns the register port.
func (d *Device) Port() hwio.Port { return d.port }

// Firmware returns the firmware source.
func (d *Device) Firmware() firmware.Fetcher { return d.fw }

// VRAM returns the GPU memory allocator, which may be nil.
func (d *Device) VRAM() gpuobj.Allocator { return d.vram }

// BoolOpt returns the value of the named engine option, or def.
func (d *Device) BoolOpt(name string, def bool) bool {
	return d.config.BoolOpt(name, def)
}

// Disabled returns true if the engine at index i is fused off.
func (d *Device) Disabled(i Index) bool {
	return i >= 0 && i < 64 && d.disableMask&(1<<uint(i)) != 0
}

// Register adds s to the registry.
func (d *Device) Register(s Subdev) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.subdevs[s.Index()]; ok {
		return fmt.Errorf("index %v already registered to %s", s.Index(), old.Name())
	}
	d.subdevs[s.Index()] = s
	return nil
}

// Unregister removes the subsystem at index i.
func (d *Device) Unregister(i Index) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subdevs, i)
}

// Lookup returns the subsystem at index i, or nil.
func (d *Device) Lookup(i Index) Subdev {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subdevs[i]
}

// Subdevs returns the registered subsystems ordered by index.
func (d *Device) Subdevs() []Subdev {
	d.mu.Lock()
	defer d.mu.Unlock()
	ss := make([]Subdev, 0, len(d.subdevs))
	for _, s := range d.subdevs {
		ss = append(ss, s)
	}
	sort.Slice(ss, func(i, j int) bool { return ss[i].Index() < ss[j].Index() })
	return ss
}

// Init brings up every registered subsystem in index order and then
// enables interrupt delivery. If a subsystem fails, the ones already up are
// suspended in reverse order.
func (d *Device) Init(ctx context.Context) error {
	start := time.Now()
	var cu cleanup.Cleanup
	defer cu.Clean()
	for _, s := range d.Subdevs() {
		if err := s.Init(ctx); err != nil {
			log.Warningf("%s: %s init failed: %v", d.name, s.Name(), err)
			return fmt.Errorf("%s init: %w", s.Name(), err)
		}
		cu.Add(func() {
			if err := s.Fini(ctx, true); err != nil {
				log.Warningf("%s: %s fini during rollback: %v", d.name, s.Name(), err)
			}
		})
	}
	d.port.Wr32(nvkm.PMC_INTR_EN0, 1)
	cu.Release()
	log.Debugf("%s: init completed in %v", d.name, time.Since(start))
	return nil
}

// Fini disables interrupt delivery and tears down every registered
// subsystem in reverse index order. Failures are logged and do not stop the
// remaining subsystems; the first one is returned.
func (d *Device) Fini(ctx context.Context, suspend bool) error {
	d.port.Wr32(nvkm.PMC_INTR_EN0, 0)
	var first error
	ss := d.Subdevs()
	for i := len(ss) - 1; i >= 0; i-- {
		if err := ss[i].Fini(ctx, suspend); err != nil {
			log.Warningf("%s: %s fini failed: %v", d.name, ss[i].Name(), err)
			if first == nil {
				first = fmt.Errorf("%s fini: %w", ss[i].Name(), err)
			}
		}
	}
	return first
}

// Destroy destroys and unregisters every subsystem in reverse index order.
func (d *Device) Destroy() {
	ss := d.Subdevs()
	for i := len(ss) - 1; i >= 0; i-- {
		ss[i].Destroy()
		d.Unregister(ss[i].Index())
	}
}
