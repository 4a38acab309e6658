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

package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/nvkm/pkg/sync"
)

// RefAll acquires a reference to each engine concurrently. It returns the
// engines that were acquired, in the order given, the error of each one
// that was not, and the first of those errors to occur. A failing engine
// does not stop its siblings.
func RefAll(ctx context.Context, engines []*Engine) ([]*Engine, map[string]error, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make(map[string]error)
		ok   = make([]bool, len(engines))
	)
	for i, e := range engines {
		g.Go(func() error {
			if _, err := e.Ref(ctx); err != nil {
				mu.Lock()
				errs[e.Name()] = err
				mu.Unlock()
				return err
			}
			ok[i] = true
			return nil
		})
	}
	// The group has no context, so a failure does not cancel the others.
	first := g.Wait()

	held := make([]*Engine, 0, len(engines))
	for i, e := range engines {
		if ok[i] {
			held = append(held, e)
		}
	}
	return held, errs, first
}

// UnrefAll releases a reference to each engine, in reverse order.
func UnrefAll(ctx context.Context, engines []*Engine) {
	for i := len(engines) - 1; i >= 0; i-- {
		engines[i].Unref(ctx)
	}
}
