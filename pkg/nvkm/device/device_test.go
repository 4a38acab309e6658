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

package device

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/hwio/hwiotest"
	"gvisor.dev/nvkm/pkg/nvkm/nvconf"
)

type fakeSubdev struct {
	index   Index
	mask    uint32
	initErr error
	finiErr error
	events  *[]string
}

func (f *fakeSubdev) Index() Index     { return f.index }
func (f *fakeSubdev) Name() string     { return f.index.String() }
func (f *fakeSubdev) IntrMask() uint32 { return f.mask }
func (f *fakeSubdev) Intr()            { f.record("intr") }
func (f *fakeSubdev) Destroy()         { f.record("destroy") }

func (f *fakeSubdev) Init(context.Context) error {
	f.record("init")
	return f.initErr
}

func (f *fakeSubdev) Fini(_ context.Context, suspend bool) error {
	if suspend {
		f.record("suspend")
	} else {
		f.record("fini")
	}
	return f.finiErr
}

func (f *fakeSubdev) record(ev string) {
	*f.events = append(*f.events, f.Name()+" "+ev)
}

func newDevice(t *testing.T) (*Device, *hwiotest.Port) {
	t.Helper()
	port := hwiotest.New()
	port.Set(nvkm.PMC_BOOT_0, 0x0a3000a2)
	d, err := New(Options{Port: port})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, port
}

func TestNewReadsChipset(t *testing.T) {
	d, _ := newDevice(t)
	if got, want := d.Chipset(), nvkm.Chipset(0xa3); got != want {
		t.Errorf("Chipset() = %#x, want %#x", got, want)
	}
	if got, want := d.CardType(), nvkm.NV_50; got != want {
		t.Errorf("CardType() = %#x, want %#x", got, want)
	}
}

func TestNewUnknownChipset(t *testing.T) {
	if _, err := New(Options{Port: hwiotest.New()}); err == nil {
		t.Errorf("New with PMC_BOOT_0 = 0 succeeded")
	}
	if _, err := New(Options{}); err == nil {
		t.Errorf("New without a port succeeded")
	}
}

func TestRegistry(t *testing.T) {
	d, _ := newDevice(t)
	var events []string
	for _, i := range []Index{IndexSEC, IndexPMU, IndexCE0} {
		if err := d.Register(&fakeSubdev{index: i, events: &events}); err != nil {
			t.Fatalf("Register(%v) failed: %v", i, err)
		}
	}
	if err := d.Register(&fakeSubdev{index: IndexPMU, events: &events}); err == nil {
		t.Errorf("duplicate Register succeeded")
	}
	var names []string
	for _, s := range d.Subdevs() {
		names = append(names, s.Name())
	}
	if diff := cmp.Diff([]string{"PMU", "CE0", "SEC"}, names); diff != "" {
		t.Errorf("Subdevs() mismatch (-want +got):\n%s", diff)
	}
	if d.Lookup(IndexMSVLD) != nil {
		t.Errorf("Lookup of an unregistered index returned a subdev")
	}
}

func TestInitFiniOrder(t *testing.T) {
	d, port := newDevice(t)
	var events []string
	for _, i := range []Index{IndexCE0, IndexPMU} {
		d.Register(&fakeSubdev{index: i, events: &events})
	}
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if got := port.Get(nvkm.PMC_INTR_EN0); got != 1 {
		t.Errorf("PMC_INTR_EN0 = %d after Init, want 1", got)
	}
	if err := d.Fini(ctx, false); err != nil {
		t.Fatalf("Fini failed: %v", err)
	}
	d.Destroy()
	want := []string{"PMU init", "CE0 init", "CE0 fini", "PMU fini", "CE0 destroy", "PMU destroy"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if len(d.Subdevs()) != 0 {
		t.Errorf("Destroy left subdevs registered")
	}
}

func TestInitRollback(t *testing.T) {
	d, port := newDevice(t)
	var events []string
	boom := errors.New("boom")
	d.Register(&fakeSubdev{index: IndexPMU, events: &events})
	d.Register(&fakeSubdev{index: IndexCE0, events: &events})
	d.Register(&fakeSubdev{index: IndexSEC, events: &events, initErr: boom})
	if err := d.Init(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Init = %v, want %v", err, boom)
	}
	want := []string{"PMU init", "CE0 init", "SEC init", "CE0 suspend", "PMU suspend"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if got := port.Get(nvkm.PMC_INTR_EN0); got != 0 {
		t.Errorf("PMC_INTR_EN0 = %d after failed Init, want 0", got)
	}
}

func TestFiniContinuesOnError(t *testing.T) {
	d, _ := newDevice(t)
	var events []string
	boom := errors.New("boom")
	d.Register(&fakeSubdev{index: IndexPMU, events: &events})
	d.Register(&fakeSubdev{index: IndexCE0, events: &events, finiErr: boom})
	if err := d.Fini(context.Background(), true); !errors.Is(err, boom) {
		t.Errorf("Fini = %v, want %v", err, boom)
	}
	if diff := cmp.Diff([]string{"CE0 suspend", "PMU suspend"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestIntrRouting(t *testing.T) {
	d, port := newDevice(t)
	var events []string
	d.Register(&fakeSubdev{index: IndexPMU, mask: 0x01000000, events: &events})
	d.Register(&fakeSubdev{index: IndexCE0, mask: 0x00000020, events: &events})

	if d.Intr() {
		t.Errorf("Intr() with nothing pending = true")
	}
	port.Set(nvkm.PMC_INTR_0, 0x01000000|0x80000000)
	if !d.Intr() {
		t.Errorf("Intr() with PMU pending = false")
	}
	if diff := cmp.Diff([]string{"PMU intr"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestOptions(t *testing.T) {
	cfg, err := nvconf.Parse("SEC=1")
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(Options{Port: hwiotest.New(), Chipset: 0x98, Config: cfg, DisableMask: 1 << IndexMSVLD})
	if err != nil {
		t.Fatal(err)
	}
	if !d.BoolOpt("sec", false) || !d.BoolOpt("CE0", true) {
		t.Errorf("BoolOpt did not consult the config")
	}
	if !d.Disabled(IndexMSVLD) || d.Disabled(IndexSEC) {
		t.Errorf("Disabled does not match the disable mask")
	}
}

func TestChipTable(t *testing.T) {
	chip, ok := LookupChip(0xa3)
	if !ok {
		t.Fatalf("chipset 0xa3 not found")
	}
	u, ok := chip.Unit(IndexPMU)
	if !ok || u.Addr != nvkm.PMU_BASE {
		t.Errorf("chipset 0xa3 PMU = %+v, %t", u, ok)
	}
	chip, _ = LookupChip(0x98)
	if u, _ := chip.Unit(IndexSEC); u.Enable {
		t.Errorf("SEC on 0x98 is enabled by default")
	}
	if _, ok := LookupChip(0x01); ok {
		t.Errorf("LookupChip(0x01) succeeded")
	}
	cs := Chipsets()
	if len(cs) != len(chips) {
		t.Errorf("Chipsets() returned %d chipsets, want %d", len(cs), len(chips))
	}
	for i := 1; i < len(cs); i++ {
		if cs[i-1] >= cs[i] {
			t.Errorf("Chipsets() not sorted: %v", cs)
			break
		}
	}
}

func TestParseIndex(t *testing.T) {
	for i := Index(0); i < NumIndices; i++ {
		if got, ok := ParseIndex(i.String()); !ok || got != i {
			t.Errorf("ParseIndex(%q) = %v, %t", i.String(), got, ok)
		}
	}
}
