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

// Package chip assembles the engines of a device from its chipset table.
//
// A Chip owns the falcon engines and the PMU of one device. New constructs
// and registers them, Boot brings them up, Suspend and Resume cycle the
// hardware while keeping references, and Close releases everything.
package chip

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gvisor.dev/nvkm/pkg/cleanup"
	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/firmware"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/nvkm/engine"
	"gvisor.dev/nvkm/pkg/nvkm/falcon"
	"gvisor.dev/nvkm/pkg/nvkm/pmu"
	"gvisor.dev/nvkm/pkg/nvkm/subdev"
	"gvisor.dev/nvkm/pkg/sync"
)

// Options configures a Chip.
type Options struct {
	// PMUCode and PMUData override the PMU firmware. If PMUCode is nil the
	// segments are fetched from the device's firmware source.
	PMUCode, PMUData []byte

	// PowerGate is the PMU power gating hook.
	PowerGate pmu.PowerGateFunc
}

// Chip is the set of engines of one device.
type Chip struct {
	dev  *device.Device
	chip device.Chip

	falcons []*falcon.Falcon
	pmu     *pmu.PMU

	// skipped holds why each unit of the chipset was left out.
	skipped map[string]error

	mu sync.Mutex
	// booted holds the engines referenced by Boot.
	// +checklocks:mu
	booted []*engine.Engine
}

// New constructs and registers the engines of dev's chipset. Units that
// the configuration disables, that are fused off, or whose firmware is not
// available are left out and reported by Skipped.
func New(dev *device.Device, opts Options) (*Chip, error) {
	info, ok := device.LookupChip(dev.Chipset())
	if !ok {
		return nil, fmt.Errorf("%s: unsupported chipset %#x", dev.Name(), uint32(dev.Chipset()))
	}
	c := &Chip{
		dev:     dev,
		chip:    info,
		skipped: make(map[string]error),
	}

	cu := cleanup.Make(func() { dev.Destroy() })
	defer cu.Clean()

	for _, u := range info.Units {
		if u.Index == device.IndexPMU {
			p, err := c.newPMU(u, opts)
			if err != nil {
				if !errors.Is(err, nverr.FirmwareMissing) {
					return nil, err
				}
				log.Warningf("%s: PMU left out: %v", dev.Name(), err)
				c.skipped[u.Index.String()] = err
				continue
			}
			if err := dev.Register(p.Subdev()); err != nil {
				return nil, err
			}
			c.pmu = p
			continue
		}

		f, err := falcon.New(dev, falcon.Options{
			Options: engine.Options{
				Options: subdev.Options{
					Index:     u.Index,
					Addr:      u.Addr,
					PMCEnable: u.PMCEnable,
					IntrMask:  u.IntrMask,
				},
				Enable: u.Enable,
			},
		})
		if err != nil {
			if !nverr.IsSkip(err) {
				return nil, err
			}
			log.Infof("%s: %v", dev.Name(), err)
			c.skipped[u.Index.String()] = err
			continue
		}
		if err := dev.Register(f.Engine()); err != nil {
			return nil, err
		}
		c.falcons = append(c.falcons, f)
	}

	cu.Release()
	log.Infof("%s: %s: %d falcon(s), PMU %t, %d unit(s) skipped",
		dev.Name(), info.Name, len(c.falcons), c.pmu != nil, len(c.skipped))
	return c, nil
}

func (c *Chip) newPMU(u device.Unit, opts Options) (*pmu.PMU, error) {
	code, data := opts.PMUCode, opts.PMUData
	if code == nil {
		fw := c.dev.Firmware()
		var err error
		chipset := uint32(c.dev.Chipset())
		if data, err = fw.Fetch(firmware.Name(chipset, u.Addr, firmware.Data)); err != nil {
			return nil, err
		}
		if code, err = fw.Fetch(firmware.Name(chipset, u.Addr, firmware.Code)); err != nil {
			return nil, err
		}
	}
	return pmu.New(c.dev, pmu.Options{
		Code:      code,
		Data:      data,
		IntrMask:  u.IntrMask,
		PowerGate: opts.PowerGate,
	}), nil
}

// Device returns the device.
func (c *Chip) Device() *device.Device { return c.dev }

// Name returns the chipset name.
func (c *Chip) Name() string { return c.chip.Name }

// Falcons returns the falcon engines, in chipset table order.
func (c *Chip) Falcons() []*falcon.Falcon { return c.falcons }

// Falcon returns the falcon engine named name.
func (c *Chip) Falcon(name string) (*falcon.Falcon, bool) {
	for _, f := range c.falcons {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

// PMU returns the PMU, or nil if it was left out.
func (c *Chip) PMU() *pmu.PMU { return c.pmu }

// Skipped returns the names of the units left out by New, sorted, and why.
func (c *Chip) Skipped() ([]string, map[string]error) {
	names := make([]string, 0, len(c.skipped))
	for name := range c.skipped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, c.skipped
}

// Boot brings up the device and then acquires a reference to every falcon
// engine concurrently. A device error is returned as such; engines that
// fail to boot are reported per engine name and do not stop the rest.
func (c *Chip) Boot(ctx context.Context) (map[string]error, error) {
	if err := c.dev.Init(ctx); err != nil {
		return nil, err
	}
	engines := make([]*engine.Engine, 0, len(c.falcons))
	for _, f := range c.falcons {
		engines = append(engines, f.Engine())
	}
	held, errs, first := engine.RefAll(ctx, engines)
	for name, err := range errs {
		log.Warningf("%s: %s failed to boot: %v", c.dev.Name(), name, err)
	}
	if first != nil {
		log.Infof("%s: %d of %d engines up, first failure: %v", c.dev.Name(), len(held), len(engines), first)
	}

	c.mu.Lock()
	c.booted = append(c.booted, held...)
	c.mu.Unlock()
	return errs, nil
}

// Suspend stops the hardware. References are kept, so Resume brings the
// same engines back.
func (c *Chip) Suspend(ctx context.Context) error {
	return c.dev.Fini(ctx, true)
}

// Resume restarts the hardware after Suspend.
func (c *Chip) Resume(ctx context.Context) error {
	return c.dev.Init(ctx)
}

// Close releases the references taken by Boot, stops the device and
// destroys every engine.
func (c *Chip) Close(ctx context.Context) error {
	c.mu.Lock()
	booted := c.booted
	c.booted = nil
	c.mu.Unlock()

	engine.UnrefAll(ctx, booted)
	err := c.dev.Fini(ctx, false)
	c.dev.Destroy()
	return err
}
