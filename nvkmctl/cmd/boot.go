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

// Package cmd holds implementations of the nvkmctl commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/nvkm/nvkmctl/cmd/util"
	"gvisor.dev/nvkm/nvkmctl/config"
	"gvisor.dev/nvkm/pkg/errors/nverr"
	"gvisor.dev/nvkm/pkg/nvkm/chip"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	cycles int
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "bring up every engine of the device and report their state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - bring up the PMU and every falcon engine, report each
engine's state, then tear everything down.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.cycles, "suspend-cycles", 0, "number of suspend/resume cycles to run after booting.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	c, release, err := openChip(conf)
	if err != nil {
		return util.Errorf("opening device: %v", err)
	}
	defer release()

	errs, err := c.Boot(ctx)
	if err != nil {
		_ = c.Close(ctx)
		return util.Errorf("booting device: %v", err)
	}
	for i := 0; i < b.cycles; i++ {
		if err := c.Suspend(ctx); err != nil {
			_ = c.Close(ctx)
			return util.Errorf("suspend cycle %d: %v", i, err)
		}
		if err := c.Resume(ctx); err != nil {
			_ = c.Close(ctx)
			return util.Errorf("resume cycle %d: %v", i, err)
		}
	}
	report(c, errs)

	if err := c.Close(ctx); err != nil {
		return util.Errorf("shutting down: %v", err)
	}
	if len(errs) != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// report prints one line per unit of the chipset.
func report(c *chip.Chip, errs map[string]error) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "%s (chipset %#x)\n", c.Name(), uint32(c.Device().Chipset()))
	fmt.Fprintf(w, "ENGINE\tSTATE\tVERSION\tSECRET\tCODE\tDATA\tFIRMWARE\n")
	if p := c.PMU(); p != nil {
		sendBase, sendSize, recvBase, recvSize := p.Rings()
		fmt.Fprintf(w, "%s\tup\t\t\t\t\tsend %#x+%#x recv %#x+%#x\n", p.Subdev().Name(), sendBase, sendSize, recvBase, recvSize)
	}
	for _, f := range c.Falcons() {
		if err, ok := errs[f.Name()]; ok {
			fmt.Fprintf(w, "%s\tfailed (%s): %v\n", f.Name(), nverr.Name(err), err)
			continue
		}
		st := f.State()
		kind := "code+data"
		if st.Core {
			kind = fmt.Sprintf("self-bootstrap @%#x", st.CoreAddr)
		}
		fmt.Fprintf(w, "%s\tup\t%d\t%d\t%d/%d\t%d/%d\t%s\n",
			f.Name(), st.Version, st.Secret, st.CodeSize, st.CodeLimit, st.DataSize, st.DataLimit, kind)
	}
	names, skipped := c.Skipped()
	for _, name := range names {
		fmt.Fprintf(w, "%s\tskipped (%s): %v\n", name, nverr.Name(skipped[name]), skipped[name])
	}
}
