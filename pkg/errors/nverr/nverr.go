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

// Package nverr contains the failure taxonomy of engine bring-up, falcon
// bootstrap and PMU messaging as comparable error pointers.
//
// Callers wrap these with fmt.Errorf("...: %w", ...) and test them with
// errors.Is.
package nverr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/nvkm/pkg/errors"
)

var (
	// NotPresent is returned when an engine is absent per hardware or
	// firmware. It is not fatal to the device.
	NotPresent = errors.New("NotPresent", unix.ENODEV, "engine not present")

	// Disabled is returned when an engine is disabled by configuration. It
	// is not fatal to the device.
	Disabled = errors.New("Disabled", unix.ENODEV, "engine disabled")

	// Timeout is returned when a bounded hardware poll exceeds its budget.
	Timeout = errors.New("Timeout", unix.ETIMEDOUT, "timed out waiting for hardware")

	// ResourceExhausted is returned when an allocation fails.
	ResourceExhausted = errors.New("ResourceExhausted", unix.ENOMEM, "out of memory")

	// ProtocolViolation is returned when a firmware image exceeds the
	// probed falcon limits.
	ProtocolViolation = errors.New("ProtocolViolation", unix.EINVAL, "ucode exceeds falcon limit(s)")

	// FirmwareMissing is returned when a required firmware blob cannot be
	// fetched.
	FirmwareMissing = errors.New("FirmwareMissing", unix.ENOENT, "firmware missing")

	// ChannelBusy is returned when the PMU send ring has no free slot.
	ChannelBusy = errors.New("ChannelBusy", unix.EBUSY, "channel busy")
)

// IsSkip returns true if err reports an engine that was skipped at
// construction rather than one that failed.
func IsSkip(err error) bool {
	return goerrors.Is(err, NotPresent) || goerrors.Is(err, Disabled)
}

// Name returns the class name of the first *errors.Error in err's chain, or
// "Unknown" if there is none.
func Name(err error) string {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Name()
	}
	return "Unknown"
}

// Errno returns the errno carried by the first *errors.Error in err's chain,
// or EIO if there is none.
func Errno(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return unix.EIO
}
