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

// Package config holds nvkmctl's configuration, registered as command-line
// flags.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"time"

	"gvisor.dev/nvkm/pkg/abi/nvkm"
	"gvisor.dev/nvkm/pkg/log"
	"gvisor.dev/nvkm/pkg/nvkm/nvconf"
)

// Config holds the flags shared by every command.
type Config struct {
	// LogFilename is where log messages are written, default stderr. It
	// may contain %TIMESTAMP% and %COMMAND%.
	LogFilename string

	// LogFormat is text, json or logrus.
	LogFormat string

	// Debug enables debug logging.
	Debug bool

	// ConfigFile is a TOML or YAML file of engine options.
	ConfigFile string

	// NvConfig holds engine options as NAME=value,...; it overrides
	// ConfigFile.
	NvConfig string

	// Chipset overrides the chipset read from the device. Zero means
	// detect.
	Chipset nvkm.Chipset

	// Device is the path of the register BAR resource file, e.g.
	// /sys/bus/pci/devices/0000:01:00.0/resource0.
	Device string

	// Sim drives a simulated device instead of Device.
	Sim bool

	// FirmwareDir is the firmware root.
	FirmwareDir string

	// DisableMask marks engines as fused off, one bit per engine index.
	DisableMask uint64

	// VRAMBase and VRAMSize bound the VRAM range used for firmware
	// images.
	VRAMBase uint64
	VRAMSize uint64

	// IntrPoll is the interrupt polling period on real hardware.
	IntrPoll time.Duration
}

// RegisterFlags registers the configuration flags with flagSet.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("log", "", "file path where log messages are written, default is stderr. %TIMESTAMP% and %COMMAND% are replaced.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")

	flagSet.String("config", "", "TOML or YAML file of engine options.")
	flagSet.String("nvconfig", "", `engine options, e.g. "SEC=1,MSPPP=0". Overrides --config.`)
	flagSet.String("chipset", "", "chipset to assume, e.g. 0xa3. Empty means read it from the device.")
	flagSet.String("device", "", "register BAR resource file of the device.")
	flagSet.Bool("sim", false, "drive a simulated device instead of --device.")
	flagSet.String("firmware-dir", "/lib/firmware", "firmware root directory.")
	flagSet.Uint64("disable-mask", 0, "engines fused off, as a mask of 1<<engine index.")
	flagSet.Uint64("vram-base", 1<<20, "base of the VRAM range used for firmware images.")
	flagSet.Uint64("vram-size", 1<<20, "size of the VRAM range used for firmware images.")
	flagSet.Duration("intr-poll", time.Millisecond, "interrupt polling period on real hardware.")
}

// NewFromFlags creates a Config from the flags registered by RegisterFlags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{
		LogFilename: get[string](flagSet, "log"),
		LogFormat:   get[string](flagSet, "log-format"),
		Debug:       get[bool](flagSet, "debug"),
		ConfigFile:  get[string](flagSet, "config"),
		NvConfig:    get[string](flagSet, "nvconfig"),
		Device:      get[string](flagSet, "device"),
		Sim:         get[bool](flagSet, "sim"),
		FirmwareDir: get[string](flagSet, "firmware-dir"),
		DisableMask: get[uint64](flagSet, "disable-mask"),
		VRAMBase:    get[uint64](flagSet, "vram-base"),
		VRAMSize:    get[uint64](flagSet, "vram-size"),
		IntrPoll:    get[time.Duration](flagSet, "intr-poll"),
	}
	switch conf.LogFormat {
	case "text", "json", "logrus":
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", conf.LogFormat)
	}
	if s := get[string](flagSet, "chipset"); s != "" {
		c, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid chipset %q: %w", s, err)
		}
		conf.Chipset = nvkm.Chipset(c)
	}
	if conf.IntrPoll <= 0 {
		return nil, fmt.Errorf("--intr-poll must be positive, got %v", conf.IntrPoll)
	}
	return conf, nil
}

// CheckDevice returns an error unless exactly one device source is set.
func (c *Config) CheckDevice() error {
	if c.Sim == (c.Device != "") {
		return fmt.Errorf("exactly one of --sim and --device must be set")
	}
	return nil
}

func get[T any](flagSet *flag.FlagSet, name string) T {
	return flagSet.Lookup(name).Value.(flag.Getter).Get().(T)
}

// Engines returns the engine options: the file named by ConfigFile, if
// any, overridden by NvConfig.
func (c *Config) Engines() (*nvconf.Config, error) {
	var file *nvconf.Config
	if c.ConfigFile != "" {
		var err error
		if file, err = nvconf.Load(c.ConfigFile); err != nil {
			return nil, err
		}
	}
	opts, err := nvconf.Parse(c.NvConfig)
	if err != nil {
		return nil, fmt.Errorf("--nvconfig: %w", err)
	}
	return file.Merge(opts), nil
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tDevice: %q, Sim: %t, Chipset: %#x", c.Device, c.Sim, uint32(c.Chipset))
	log.Infof("\t\tFirmwareDir: %q", c.FirmwareDir)
	log.Infof("\t\tConfigFile: %q, NvConfig: %q", c.ConfigFile, c.NvConfig)
	log.Infof("\t\tDisableMask: %#x, VRAM: %#x+%#x", c.DisableMask, c.VRAMBase, c.VRAMSize)
	log.Infof("\t\tDebug: %t, LogFormat: %s", c.Debug, c.LogFormat)
}
