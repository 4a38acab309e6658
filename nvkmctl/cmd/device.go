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

package cmd

import (
	"fmt"
	"time"

	"gvisor.dev/nvkm/nvkmctl/config"
	"gvisor.dev/nvkm/pkg/cleanup"
	"gvisor.dev/nvkm/pkg/firmware"
	"gvisor.dev/nvkm/pkg/gpuobj"
	"gvisor.dev/nvkm/pkg/hwio"
	"gvisor.dev/nvkm/pkg/hwio/mmio"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/nvkm/chip"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/nvkm/nvsim"
)

// defaultSimChipset is simulated when --chipset is not given.
const defaultSimChipset = 0xa3

// openChip opens the device selected by conf and constructs its engines.
// The returned function stops interrupt delivery and releases the device;
// it must be called after the Chip is closed.
func openChip(conf *config.Config) (*chip.Chip, func(), error) {
	if err := conf.CheckDevice(); err != nil {
		return nil, nil, err
	}
	engines, err := conf.Engines()
	if err != nil {
		return nil, nil, err
	}
	engines.Log()

	var cu cleanup.Cleanup
	defer cu.Clean()

	var (
		port hwio.Port
		fw   firmware.Fetcher = firmware.Dir{Root: conf.FirmwareDir}
		gpu  *nvsim.GPU
	)
	if conf.Sim {
		chipset := conf.Chipset
		if chipset == 0 {
			chipset = defaultSimChipset
		}
		gpu, err = nvsim.New(nvsim.Options{Chipset: chipset})
		if err != nil {
			return nil, nil, err
		}
		port = gpu
		// Files under --firmware-dir take precedence over simulated blobs.
		fw = firmware.Chain{fw, gpu.Firmware()}
	} else {
		p, err := mmio.Open(conf.Device)
		if err != nil {
			return nil, nil, err
		}
		cu.Add(func() { _ = p.Close() })
		port = p
	}

	dev, err := device.New(device.Options{
		Chipset:     conf.Chipset,
		Port:        port,
		Firmware:    fw,
		VRAM:        gpuobj.NewHeap(gpuobj.NewPRAMIN(port), conf.VRAMBase, conf.VRAMSize),
		Config:      engines,
		DisableMask: conf.DisableMask,
	})
	if err != nil {
		return nil, nil, err
	}
	c, err := chip.New(dev, chip.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("constructing engines: %w", err)
	}

	if gpu != nil {
		gpu.SetInterruptHandler(func() { dev.Intr() })
		cu.Add(func() { gpu.SetInterruptHandler(nil) })
	} else {
		stop := pollInterrupts(dev, conf.IntrPoll)
		cu.Add(stop)
	}
	release := cu.Release()
	return c, release, nil
}

// pollInterrupts services dev's interrupts every period until the returned
// function is called. There is no interrupt line without a kernel driver.
func pollInterrupts(dev *device.Device, period time.Duration) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				dev.Intr()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		log.Debugf("interrupt polling stopped")
	}
}
