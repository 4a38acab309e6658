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

// Package engine adds usage reference counting to a subsystem, so that a
// shared hardware engine is brought up by its first user and torn down
// after its last.
package engine

import (
	"context"
	"fmt"

	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/nvkm/device"
	"gvisor.dev/nvkm/pkg/nvkm/subdev"
)

// Options configures an Engine.
type Options struct {
	subdev.Options

	// Enable is the default of the engine's option, consulted under the
	// engine's name.
	Enable bool
}

// Engine is a reference counted subsystem.
//
// Engine implements device.Subdev through the embedded Subdev.
type Engine struct {
	*subdev.Subdev

	impl subdev.Impl

	// usecount is the number of references held.
	//
	// +checklocks:Subdev.Mu
	usecount int

	// hwup is set while impl is initialized.
	//
	// +checklocks:Subdev.Mu
	hwup bool
}

// New returns a new Engine wrapping impl, after applying the configuration
// policy:
//
//   - An engine fused off by hardware or firmware fails with
//     nverr.NotPresent unless its option is explicitly set, in which case a
//     warning is logged and construction continues.
//   - An engine whose option is false fails with nverr.Disabled.
//
// Both outcomes satisfy nverr.IsSkip. The engine is not registered with
// dev.
func New(dev *device.Device, opts Options, impl subdev.Impl) (*Engine, error) {
	if impl == nil {
		impl = subdev.DefaultImpl{}
	}
	e := &Engine{impl: impl}
	e.Subdev = subdev.New(dev, opts.Options, (*hooks)(e))
	name := e.Name()

	if dev.Disabled(opts.Index) {
		if !dev.BoolOpt(name, false) {
			e.Debugf("engine disabled by hw/fw")
			return nil, nverr.NotPresent.Errorf("%s", name)
		}
		e.Warningf("ignoring hw/fw engine disable")
	}

	if !dev.BoolOpt(name, opts.Enable) {
		if !opts.Enable {
			e.Warningf("disabled, %s=1 to enable", name)
		}
		return nil, nverr.Disabled.Errorf("%s", name)
	}
	return e, nil
}

// Ref acquires a reference to e. The first reference brings the engine up;
// if that fails the reference is not counted and the error is returned.
func (e *Engine) Ref(ctx context.Context) (*Engine, error) {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	e.usecount++
	if e.usecount == 1 {
		if err := e.InitLocked(ctx); err != nil {
			e.usecount--
			return nil, err
		}
	}
	return e, nil
}

// Unref releases a reference acquired by Ref. Releasing the last reference
// tears the engine down.
func (e *Engine) Unref(ctx context.Context) {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.usecount <= 0 {
		panic(fmt.Sprintf("%s: unbalanced Unref", e.Name()))
	}
	e.usecount--
	if e.usecount == 0 {
		// Teardown errors are logged by FiniLocked; resources are
		// released regardless.
		_ = e.FiniLocked(ctx, false)
	}
}

// UseCount returns the number of references held.
func (e *Engine) UseCount() int {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	return e.usecount
}

// Impl returns the wrapped implementation.
func (e *Engine) Impl() subdev.Impl { return e.impl }

// hooks is the subdev.Impl of an Engine. It forwards to the wrapped
// implementation while the engine has users.
type hooks Engine

// OneInit implements subdev.Impl.OneInit.
func (h *hooks) OneInit(ctx context.Context) error {
	return h.impl.OneInit(ctx)
}

// Init implements subdev.Impl.Init. It does nothing when no references are
// held, which is the case when the device resumes an unused engine.
//
// +checklocks:h.Subdev.Mu
func (h *hooks) Init(ctx context.Context) error {
	if h.usecount == 0 {
		h.Debugf("init skipped, engine has no users")
		return nil
	}
	if err := h.impl.Init(ctx); err != nil {
		return err
	}
	h.hwup = true
	return nil
}

// Fini implements subdev.Impl.Fini.
//
// +checklocks:h.Subdev.Mu
func (h *hooks) Fini(ctx context.Context, suspend bool) error {
	if !h.hwup {
		return nil
	}
	h.hwup = false
	return h.impl.Fini(ctx, suspend)
}

// Intr implements subdev.Impl.Intr.
func (h *hooks) Intr() {
	h.impl.Intr()
}

// Dtor implements subdev.Impl.Dtor.
//
// +checklocks:h.Subdev.Mu
func (h *hooks) Dtor() {
	if h.usecount != 0 {
		h.Warningf("destroyed with %d reference(s) held", h.usecount)
	}
	h.impl.Dtor()
}

var _ device.Subdev = (*Engine)(nil)
