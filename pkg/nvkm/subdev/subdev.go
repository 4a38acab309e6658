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

// Package subdev implements the lifecycle shared by every GPU subsystem:
// one-time setup, init and fini under a per-subsystem mutex, interrupt
// dispatch and destruction.
package subdev

import (
	"context"
	"fmt"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/hwio"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/sync"
)

// Impl is the behaviour of a particular kind of subsystem.
type Impl interface {
	// OneInit performs setup that must run once per instance. It is called
	// before the first successful Init and never again once it succeeds.
	OneInit(ctx context.Context) error

	// Init brings the hardware up.
	Init(ctx context.Context) error

	// Fini brings the hardware down. If suspend is true, state needed by a
	// later Init must be kept.
	Fini(ctx context.Context, suspend bool) error

	// Intr handles a pending interrupt. It must not block.
	Intr()

	// Dtor releases resources owned by the implementation.
	Dtor()
}

// DefaultImpl implements Impl with no-ops. Embed it to override a subset.
type DefaultImpl struct{}

// OneInit implements Impl.OneInit.
func (DefaultImpl) OneInit(context.Context) error { return nil }

// Init implements Impl.Init.
func (DefaultImpl) Init(context.Context) error { return nil }

// Fini implements Impl.Fini.
func (DefaultImpl) Fini(context.Context, bool) error { return nil }

// Intr implements Impl.Intr.
func (DefaultImpl) Intr() {}

// Dtor implements Impl.Dtor.
func (DefaultImpl) Dtor() {}

// Options configures a Subdev.
type Options struct {
	Index device.Index

	// Name defaults to Index.String().
	Name string

	// Addr is the base of the subsystem's register window.
	Addr uint32

	// PMCEnable holds the PMC_ENABLE bits cleared on Fini.
	PMCEnable uint32

	// IntrMask holds the PMC_INTR_0 bits routed to Intr.
	IntrMask uint32
}

// Subdev is a subsystem of a device.
//
// Subdev implements device.Subdev.
type Subdev struct {
	// Mu serializes lifecycle transitions. Implementations that need to
	// extend a transition, such as usage counting, hold it and call the
	// *Locked variants.
	Mu sync.Mutex

	dev       *device.Device
	index     device.Index
	name      string
	addr      uint32
	pmcEnable uint32
	intrMask  uint32
	impl      Impl

	// oneinit is set once OneInit has succeeded and is never cleared.
	//
	// +checklocks:Mu
	oneinit bool

	// running is set while the hardware is up.
	//
	// +checklocks:Mu
	running bool

	// +checklocks:Mu
	destroyed bool
}

// New returns a new Subdev. It is not registered with dev.
func New(dev *device.Device, opts Options, impl Impl) *Subdev {
	if impl == nil {
		impl = DefaultImpl{}
	}
	s := &Subdev{
		dev:       dev,
		index:     opts.Index,
		name:      opts.Name,
		addr:      opts.Addr,
		pmcEnable: opts.PMCEnable,
		intrMask:  opts.IntrMask,
		impl:      impl,
	}
	if s.name == "" {
		s.name = opts.Index.String()
	}
	return s
}

// Device returns the owning device.
func (s *Subdev) Device() *device.Device { return s.dev }

// Index implements device.Subdev.Index.
func (s *Subdev) Index() device.Index { return s.index }

// Name implements device.Subdev.Name.
func (s *Subdev) Name() string { return s.name }

// Addr returns the base of the register window.
func (s *Subdev) Addr() uint32 { return s.addr }

// IntrMask implements device.Subdev.IntrMask.
func (s *Subdev) IntrMask() uint32 { return s.intrMask }

// Port returns the device register port.
func (s *Subdev) Port() hwio.Port { return s.dev.Port() }

// Rd32 reads the register at offset off from the subsystem base.
func (s *Subdev) Rd32(off uint32) uint32 {
	return s.dev.Port().Rd32(s.addr + off)
}

// Wr32 writes the register at offset off from the subsystem base.
func (s *Subdev) Wr32(off, val uint32) {
	s.dev.Port().Wr32(s.addr+off, val)
}

// Mask32 replaces the bits in mask of the register at offset off from the
// subsystem base and returns the old value.
func (s *Subdev) Mask32(off, mask, val uint32) uint32 {
	return hwio.Mask32(s.dev.Port(), s.addr+off, mask, val)
}

// Enable sets the subsystem's PMC_ENABLE bits.
func (s *Subdev) Enable() {
	if s.pmcEnable != 0 {
		hwio.Mask32(s.dev.Port(), nvkm.PMC_ENABLE, s.pmcEnable, s.pmcEnable)
	}
}

// Disable clears the subsystem's PMC_ENABLE bits.
func (s *Subdev) Disable() {
	if s.pmcEnable != 0 {
		hwio.Mask32(s.dev.Port(), nvkm.PMC_ENABLE, s.pmcEnable, 0)
	}
}

// Enabled returns true if the subsystem is out of reset, that is if all of
// its PMC_ENABLE bits are set. Subsystems without PMC bits are always
// enabled.
func (s *Subdev) Enabled() bool {
	return s.dev.Port().Rd32(nvkm.PMC_ENABLE)&s.pmcEnable == s.pmcEnable
}

// Running returns true if the hardware is up.
func (s *Subdev) Running() bool {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.running
}

// Init implements device.Subdev.Init.
func (s *Subdev) Init(ctx context.Context) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.InitLocked(ctx)
}

// InitLocked runs OneInit if it has not yet succeeded, then Init.
//
// +checklocks:s.Mu
func (s *Subdev) InitLocked(ctx context.Context) error {
	if s.destroyed {
		return fmt.Errorf("%s: init after destroy", s.name)
	}
	s.Debugf("init running...")
	if !s.oneinit {
		if err := s.impl.OneInit(ctx); err != nil {
			s.Warningf("one-time init failed: %v", err)
			return err
		}
		s.oneinit = true
	}
	if err := s.impl.Init(ctx); err != nil {
		s.Warningf("init failed: %v", err)
		return err
	}
	s.running = true
	s.Debugf("init completed")
	return nil
}

// Fini implements device.Subdev.Fini.
func (s *Subdev) Fini(ctx context.Context, suspend bool) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.FiniLocked(ctx, suspend)
}

// FiniLocked runs Fini and clears the PMC enable bits. It does nothing if
// the hardware is not up. The enable bits are cleared even if Fini fails.
//
// +checklocks:s.Mu
func (s *Subdev) FiniLocked(ctx context.Context, suspend bool) error {
	if !s.running {
		return nil
	}
	action := "fini"
	if suspend {
		action = "suspend"
	}
	s.Debugf("%s running...", action)
	err := s.impl.Fini(ctx, suspend)
	s.Disable()
	s.running = false
	if err != nil {
		s.Warningf("%s failed: %v", action, err)
		return err
	}
	s.Debugf("%s completed", action)
	return nil
}

// Intr implements device.Subdev.Intr.
func (s *Subdev) Intr() {
	s.impl.Intr()
}

// Destroy implements device.Subdev.Destroy. It is safe to call on a nil
// or partially constructed Subdev, and more than once.
func (s *Subdev) Destroy() {
	if s == nil {
		return
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.impl != nil {
		s.impl.Dtor()
	}
}

// Debugf logs at debug level with the subsystem name as prefix.
func (s *Subdev) Debugf(format string, v ...any) {
	if !log.IsLogging(log.Debug) {
		return
	}
	log.DebugfAtDepth(1, "%s: %s", s.name, fmt.Sprintf(format, v...))
}

// Infof logs at info level with the subsystem name as prefix.
func (s *Subdev) Infof(format string, v ...any) {
	log.InfofAtDepth(1, "%s: %s", s.name, fmt.Sprintf(format, v...))
}

// Warningf logs at warning level with the subsystem name as prefix.
func (s *Subdev) Warningf(format string, v ...any) {
	log.WarningfAtDepth(1, "%s: %s", s.name, fmt.Sprintf(format, v...))
}
