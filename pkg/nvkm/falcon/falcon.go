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

// Package falcon boots firmware on falcon microcontrollers.
//
// A Falcon is an engine whose bring-up probes the microcontroller's
// capabilities, resolves firmware (supplied by the engine implementation or
// fetched by name), uploads it and starts execution. Firmware is either a
// single self-bootstrapping image, which the falcon pulls from a VRAM
// buffer, or a pair of code and data segments written through the falcon's
// memory ports.
package falcon

import (
	"context"
	"time"

	"gvisor.dev/nvkm/pkg/gpuobj"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/nvkm/engine"
	"gvisor.dev/nvkm/pkg/nvkm/subdev"
)

// Options configures a Falcon.
type Options struct {
	engine.Options

	// Code and Data are firmware segments supplied by the engine
	// implementation. If Code is nil, firmware is fetched on each init
	// after a non-suspending teardown. If Code is set and Data is nil, Code
	// is a self-bootstrapping image.
	Code, Data []byte
}

// Falcon is an engine driven by a falcon microcontroller.
//
// Fields below are protected by the engine's Subdev.Mu; the hooks run with
// it held.
type Falcon struct {
	eng *engine.Engine
	dev *device.Device

	// addr is the base of the register window.
	addr uint32

	version   uint32
	secret    uint32
	codeLimit uint32
	dataLimit uint32

	code *Image
	data *Image

	// external is set when the firmware was fetched rather than supplied.
	external bool

	// core holds a self-bootstrapping image.
	core *gpuobj.Object

	intrLog log.Logger
}

// New returns a new Falcon. It applies the engine configuration policy, so
// errors satisfying nverr.IsSkip mean the falcon should be left out. The
// falcon is not registered with dev; register Engine().
func New(dev *device.Device, opts Options) (*Falcon, error) {
	f := &Falcon{
		dev:     dev,
		addr:    opts.Addr,
		intrLog: log.BurstRateLimitedLogger(log.Log(), time.Second, 10),
	}
	if opts.Code != nil {
		f.code = NewImage(opts.Code)
		if opts.Data != nil {
			f.data = NewImage(opts.Data)
		}
	}
	eng, err := engine.New(dev, opts.Options, (*hooks)(f))
	if err != nil {
		return nil, err
	}
	f.eng = eng
	return f, nil
}

// Engine returns the underlying engine.
func (f *Falcon) Engine() *engine.Engine { return f.eng }

// Subdev returns the underlying subsystem.
func (f *Falcon) Subdev() *subdev.Subdev { return f.eng.Subdev }

// Name returns the engine name.
func (f *Falcon) Name() string { return f.eng.Name() }

// Addr returns the base of the falcon register window.
func (f *Falcon) Addr() uint32 { return f.addr }

// Boot acquires a reference to the falcon, booting it if this is the first
// reference.
func (f *Falcon) Boot(ctx context.Context) (*Falcon, error) {
	if _, err := f.eng.Ref(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Shutdown tears the falcon down. If suspend is false, it releases a
// reference acquired by Boot; the last release stops the falcon and
// releases fetched firmware. If suspend is true, the falcon is stopped but
// keeps its references and firmware, and Resume restarts it.
func (f *Falcon) Shutdown(ctx context.Context, suspend bool) error {
	if !suspend {
		f.eng.Unref(ctx)
		return nil
	}
	return f.eng.Fini(ctx, true)
}

// Resume restarts a falcon stopped by Shutdown(ctx, true).
func (f *Falcon) Resume(ctx context.Context) error {
	return f.eng.Init(ctx)
}

// State is a snapshot of what the falcon learned during its last init.
type State struct {
	Version   uint32
	Secret    uint32
	CodeLimit uint32
	DataLimit uint32
	CodeSize  uint32
	DataSize  uint32
	External  bool
	Core      bool
	// CoreAddr is the VRAM address of the self-bootstrapping image.
	CoreAddr uint64
}

// State returns a snapshot of the falcon's state.
func (f *Falcon) State() State {
	f.eng.Mu.Lock()
	defer f.eng.Mu.Unlock()
	s := State{
		Version:   f.version,
		Secret:    f.secret,
		CodeLimit: f.codeLimit,
		DataLimit: f.dataLimit,
		CodeSize:  f.code.Size(),
		DataSize:  f.data.Size(),
		External:  f.external,
		Core:      f.core != nil,
	}
	if f.core != nil {
		s.CoreAddr = f.core.Addr()
	}
	return s
}

// Images returns the current code and data images. Either may be nil.
func (f *Falcon) Images() (code, data *Image) {
	f.eng.Mu.Lock()
	defer f.eng.Mu.Unlock()
	return f.code, f.data
}
