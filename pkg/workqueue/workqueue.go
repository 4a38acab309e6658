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

// Package workqueue runs deferred work items off the caller's goroutine.
//
// A Work item is single-flight: it never runs concurrently with itself.
// Scheduling a Work that is already queued is a no-op; scheduling it while
// it runs queues exactly one more run, so work requested during a run is
// never lost.
package workqueue

import (
	"gvisor.dev/nvkm/pkg/sync"
)

type state int

const (
	idle state = iota
	// queued: a run has been requested and has not started yet.
	queued
	// running: fn is executing and no further run is requested.
	running
	// rerun: fn is executing and another run was requested meanwhile.
	rerun
)

// Work is a deferred work item.
type Work struct {
	fn func()

	mu sync.Mutex
	// +checklocks:mu
	state state
	// +checklocks:mu
	runs uint64
	// idleCond is signalled each time the item goes idle.
	idleCond sync.Cond
}

// New returns a Work that calls fn.
func New(fn func()) *Work {
	w := &Work{fn: fn}
	w.idleCond.L = &w.mu
	return w
}

// Schedule requests a run of w. It never blocks on fn and is safe to call
// from interrupt handlers. It returns false if a pending run already covers
// this request.
func (w *Work) Schedule() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case idle:
		w.state = queued
		go w.run()
		return true
	case running:
		w.state = rerun
		return true
	default:
		return false
	}
}

func (w *Work) run() {
	w.mu.Lock()
	for {
		w.state = running
		w.mu.Unlock()

		w.fn()

		w.mu.Lock()
		w.runs++
		if w.state != rerun {
			break
		}
	}
	w.state = idle
	w.idleCond.Broadcast()
	w.mu.Unlock()
}

// Flush waits until w has no queued or running invocation.
func (w *Work) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.state != idle {
		w.idleCond.Wait()
	}
}

// Runs returns the number of completed runs of fn.
func (w *Work) Runs() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}
