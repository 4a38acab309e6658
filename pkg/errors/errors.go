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

// Package errors holds the standardized error definition for nvkm.
package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is one failure class of the driver. Each class has a short name
// used in reports and the errno it surfaces as to a kernel-style caller.
//
// Classes are compared by pointer, so each must be created once.
type Error struct {
	name    string
	errno   unix.Errno
	message string
}

// New creates a new failure class.
func New(name string, errno unix.Errno, message string) *Error {
	return &Error{
		name:    name,
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Name returns the short class name, for example "Timeout".
func (e *Error) Name() string { return e.name }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Errorf returns an error that formats as "<format>: <e>" and matches e
// with errors.Is.
func (e *Error) Errorf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), e)
}
