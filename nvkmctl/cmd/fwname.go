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
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/nvkm/nvkmctl/cmd/util"
	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/firmware"
	"gvisor.dev/nvkm/pkg/nvkm/device"
)

// FWName implements subcommands.Command for the "fwname" command.
type FWName struct{}

// Name implements subcommands.Command.Name.
func (*FWName) Name() string {
	return "fwname"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*FWName) Synopsis() string {
	return "print the firmware file names of a chipset"
}

// Usage implements subcommands.Command.Usage.
func (*FWName) Usage() string {
	return `fwname <chipset> - print the firmware file names looked up for each
engine of chipset, e.g. "fwname 0xa3".
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*FWName) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*FWName) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v, err := strconv.ParseUint(f.Arg(0), 0, 16)
	if err != nil {
		return util.Errorf("invalid chipset %q: %v", f.Arg(0), err)
	}
	chipset := nvkm.Chipset(v)
	info, ok := device.LookupChip(chipset)
	if !ok {
		return util.Errorf("unsupported chipset %#x", uint32(chipset))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()
	for _, u := range info.Units {
		segs := []firmware.Segment{firmware.SelfBootstrap, firmware.Data, firmware.Code}
		if u.Index == device.IndexPMU {
			segs = segs[1:]
		}
		var names []string
		for _, seg := range segs {
			names = append(names, firmware.Name(uint32(chipset), u.Addr, seg))
		}
		fmt.Fprintf(w, "%s\t%s\n", u.Index, strings.Join(names, " "))
	}
	return subcommands.ExitSuccess
}

// Chips implements subcommands.Command for the "chips" command.
type Chips struct{}

// Name implements subcommands.Command.Name.
func (*Chips) Name() string {
	return "chips"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Chips) Synopsis() string {
	return "list the supported chipsets and their engines"
}

// Usage implements subcommands.Command.Usage.
func (*Chips) Usage() string {
	return "chips - list the supported chipsets and their engines.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Chips) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Chips) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()
	for _, c := range device.Chipsets() {
		info, _ := device.LookupChip(c)
		var units []string
		for _, u := range info.Units {
			name := u.Index.String()
			if !u.Enable {
				name += "(off)"
			}
			units = append(units, name)
		}
		fmt.Fprintf(w, "%#x\t%s\t%s\n", uint32(c), info.Name, strings.Join(units, " "))
	}
	return subcommands.ExitSuccess
}
