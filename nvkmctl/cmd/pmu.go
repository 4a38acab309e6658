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
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/nvkm/nvkmctl/cmd/util"
	"gvisor.dev/nvkm/nvkmctl/config"
	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/nvkm/pmu"
)

// pmuArgs are the operands shared by the PMU commands.
type pmuArgs struct {
	process uint32
	message uint32
	data    [2]uint32
}

// parsePMUArgs parses "<process> <message> [data0 [data1]]". The process
// is a number or a four character tag such as PERF.
func parsePMUArgs(args []string) (pmuArgs, error) {
	var a pmuArgs
	if len(args) < 2 || len(args) > 4 {
		return a, fmt.Errorf("want 2 to 4 operands, got %d", len(args))
	}
	if v, err := strconv.ParseUint(args[0], 0, 32); err == nil {
		a.process = uint32(v)
	} else if len(args[0]) == 4 {
		a.process = nvkm.ProcessTag(args[0])
	} else {
		return a, fmt.Errorf("invalid process %q: want a number or a 4 character tag", args[0])
	}
	words := []*uint32{&a.message, &a.data[0], &a.data[1]}
	for i, s := range args[1:] {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return a, fmt.Errorf("invalid operand %q: %w", s, err)
		}
		*words[i] = uint32(v)
	}
	return a, nil
}

// withPMU boots the device selected by conf and calls fn with its PMU.
func withPMU(ctx context.Context, conf *config.Config, fn func(*pmu.PMU) error) error {
	c, release, err := openChip(conf)
	if err != nil {
		return err
	}
	defer release()
	defer c.Close(ctx)

	if _, err := c.Boot(ctx); err != nil {
		return err
	}
	p := c.PMU()
	if p == nil {
		return fmt.Errorf("%s has no PMU", c.Name())
	}
	return fn(p)
}

// PMUSend implements subcommands.Command for the "pmu-send" command.
type PMUSend struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*PMUSend) Name() string {
	return "pmu-send"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PMUSend) Synopsis() string {
	return "post a message to the PMU without waiting for a reply"
}

// Usage implements subcommands.Command.Usage.
func (*PMUSend) Usage() string {
	return `pmu-send [flags] <process> <message> [data0 [data1]] - post a message to the PMU.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *PMUSend) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.timeout, "timeout", 5*time.Second, "how long to wait for room on the send ring.")
}

// Execute implements subcommands.Command.Execute.
func (s *PMUSend) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	a, err := parsePMUArgs(f.Args())
	if err != nil {
		f.Usage()
		return util.Errorf("%v", err)
	}
	conf := args[0].(*config.Config)
	err = withPMU(ctx, conf, func(p *pmu.PMU) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return p.Send(ctx, a.process, a.message, a.data[0], a.data[1])
	})
	if err != nil {
		return util.Errorf("pmu-send: %v", err)
	}
	return subcommands.ExitSuccess
}

// PMURequest implements subcommands.Command for the "pmu-request" command.
type PMURequest struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*PMURequest) Name() string {
	return "pmu-request"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PMURequest) Synopsis() string {
	return "send a message to the PMU and print its reply"
}

// Usage implements subcommands.Command.Usage.
func (*PMURequest) Usage() string {
	return `pmu-request [flags] <process> <message> [data0 [data1]] - send a message to
the PMU and wait for the reply with the same process and message.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *PMURequest) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&r.timeout, "timeout", 5*time.Second, "how long to wait for the reply.")
}

// Execute implements subcommands.Command.Execute.
func (r *PMURequest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	a, err := parsePMUArgs(f.Args())
	if err != nil {
		f.Usage()
		return util.Errorf("%v", err)
	}
	conf := args[0].(*config.Config)
	err = withPMU(ctx, conf, func(p *pmu.PMU) error {
		type reply struct {
			data [2]uint32
			err  error
		}
		// Once posted, a request waits for its reply however long it
		// takes, so the deadline is enforced here.
		done := make(chan reply, 1)
		go func() {
			d0, d1, err := p.Request(ctx, a.process, a.message, a.data[0], a.data[1])
			done <- reply{data: [2]uint32{d0, d1}, err: err}
		}()
		select {
		case rep := <-done:
			if rep.err != nil {
				return rep.err
			}
			util.Infof("%s %08x %08x", nvkm.TagString(a.process), rep.data[0], rep.data[1])
			return nil
		case <-time.After(r.timeout):
			util.Fatalf("pmu-request: no reply after %v", r.timeout)
			panic("unreachable")
		}
	})
	if err != nil {
		return util.Errorf("pmu-request: %v", err)
	}
	return subcommands.ExitSuccess
}
