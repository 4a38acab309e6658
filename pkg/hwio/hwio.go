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

// Package hwio provides access to a device's 32-bit register space.
package hwio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/nvkm/pkg/errors/nverr"
)

// Port reads and writes 32-bit registers at device-relative offsets.
//
// Implementations must be safe for concurrent use; each access is atomic but
// sequences of accesses are not.
type Port interface {
	// Rd32 reads the register at addr.
	Rd32(addr uint32) uint32

	// Wr32 writes val to the register at addr.
	Wr32(addr, val uint32)
}

// Mask32 replaces the bits in mask of the register at addr with val and
// returns the previous value.
func Mask32(p Port, addr, mask, val uint32) uint32 {
	if m, ok := p.(Masker); ok {
		return m.Mask32(addr, mask, val)
	}
	old := p.Rd32(addr)
	p.Wr32(addr, (old&^mask)|val)
	return old
}

// Masker is implemented by ports that can perform a read-modify-write
// atomically with respect to other users of the port.
type Masker interface {
	Mask32(addr, mask, val uint32) uint32
}

// pollInterval is the pause between evaluations of a poll condition.
const pollInterval = 10 * time.Microsecond

var errNotYet = errors.New("condition not met")

// Poll evaluates cond until it returns true or timeout elapses. It returns
// the time spent waiting, or an error wrapping nverr.Timeout.
//
// Poll returns early with ctx's error if ctx is cancelled.
func Poll(ctx context.Context, timeout time.Duration, cond func() bool) (time.Duration, error) {
	start := time.Now()
	if cond() {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errNotYet
	}, b)
	elapsed := time.Since(start)
	if err == nil {
		return elapsed, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		// One last look: the deadline may have fired between the final
		// evaluation and the backoff noticing.
		if cond() {
			return elapsed, nil
		}
		return elapsed, fmt.Errorf("after %v: %w", timeout, nverr.Timeout)
	}
	return elapsed, ctx.Err()
}

// PollMsec is Poll with a timeout in milliseconds.
func PollMsec(ctx context.Context, msec int, cond func() bool) (time.Duration, error) {
	return Poll(ctx, time.Duration(msec)*time.Millisecond, cond)
}
