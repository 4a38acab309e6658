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

package falcon

import (
	"encoding/binary"
)

// Provenance records where an Image came from, and so who owns it.
type Provenance int

const (
	// Supplied images belong to the engine implementation and are never
	// released by the falcon.
	Supplied Provenance = iota

	// Fetched images were loaded from the firmware source and are released
	// when the falcon is torn down.
	Fetched
)

// String implements fmt.Stringer.
func (p Provenance) String() string {
	if p == Fetched {
		return "fetched"
	}
	return "supplied"
}

// Image is one firmware segment.
type Image struct {
	// Name is the blob name, or "internal" for supplied images.
	Name string

	Provenance Provenance

	data     []byte
	released bool
}

// NewImage returns a supplied image holding data. data is borrowed, not
// copied.
func NewImage(data []byte) *Image {
	return &Image{Name: "internal", Provenance: Supplied, data: data}
}

func fetchedImage(name string, data []byte) *Image {
	return &Image{Name: name, Provenance: Fetched, data: data}
}

// Size returns the size of the image in bytes, or 0 once released.
func (i *Image) Size() uint32 {
	if i == nil {
		return 0
	}
	return uint32(len(i.data))
}

// Released returns true once a fetched image has been released.
func (i *Image) Released() bool {
	return i != nil && i.released
}

// Words returns the image as little-endian 32-bit words. A trailing partial
// word is dropped.
func (i *Image) Words() []uint32 {
	if i == nil {
		return nil
	}
	return Words(i.data)
}

// Release drops the contents of a fetched image. It does nothing for
// supplied images.
func (i *Image) Release() {
	if i == nil || i.Provenance != Fetched {
		return
	}
	i.data = nil
	i.released = true
}

// Words converts a blob into little-endian 32-bit words. A trailing partial
// word is dropped.
func Words(b []byte) []uint32 {
	w := make([]uint32, len(b)/4)
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return w
}
