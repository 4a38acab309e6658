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

// Package cleanup provides a rollback stack for multi-step bring-up.
package cleanup

// Cleanup collects undo steps while a sequence of operations makes progress
// and runs them, newest first, if the sequence is abandoned. The zero value
// is an empty stack ready to use. Usage:
//
//	var cu cleanup.Cleanup
//	defer cu.Clean() // undoes whatever was done if we return early.
//	for _, s := range steps {
//		if err := s.Init(); err != nil {
//			return err
//		}
//		cu.Add(s.Fini)
//	}
//	cu.Release() // all steps succeeded, keep them.
type Cleanup struct {
	undo []func()
}

// Make returns a Cleanup whose first undo step is f.
func Make(f func()) Cleanup {
	var c Cleanup
	c.Add(f)
	return c
}

// Add pushes f onto the undo stack.
func (c *Cleanup) Add(f func()) {
	c.undo = append(c.undo, f)
}

// Clean pops and runs every pending undo step. A second call is a no-op.
func (c *Cleanup) Clean() {
	c.Release()()
}

// Release empties the stack without running it and returns a function that
// runs the released steps, newest first, for callers that tear down later.
func (c *Cleanup) Release() func() {
	undo := c.undo
	c.undo = nil
	return func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
}
