package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// runConfig describes how the kernel is booted under QEMU and how its
// diagnostic exit codes are interpreted.
type runConfig struct {
	// QEMU is the emulator binary.
	QEMU string `toml:"qemu"`

	// Args are passed to every QEMU invocation. They must route the first
	// serial port to stdout and attach an isa-debug-exit device.
	Args []string `toml:"args"`

	// ImageFlag is the QEMU flag that precedes the kernel image path.
	ImageFlag string `toml:"image_flag"`

	// Timeout bounds the runtime of a single scenario.
	Timeout time.Duration `toml:"timeout"`

	// SuccessCode and FailureCode are the values the kernel writes to
	// the diagnostic exit port.
	SuccessCode uint32 `toml:"success_code"`
	FailureCode uint32 `toml:"failure_code"`

	Scenarios []scenario `toml:"scenario"`
}

// scenario is a single boot of a kernel image.
type scenario struct {
	Name  string `toml:"name"`
	Image string `toml:"image"`

	// ExtraArgs are appended to the common QEMU arguments.
	ExtraArgs []string `toml:"extra_args"`
}

func defaultConfig() runConfig {
	return runConfig{
		QEMU: "qemu-system-x86_64",
		Args: []string{
			"-m", "256M",
			"-display", "none",
			"-serial", "stdio",
			"-no-reboot",
			"-device", "isa-debug-exit,iobase=0xf4,iosize=0x04",
		},
		ImageFlag:   "-cdrom",
		Timeout:     60 * time.Second,
		SuccessCode: 0x10,
		FailureCode: 0x11,
	}
}

// loadConfig decodes the TOML file at path on top of the default
// configuration. Unknown keys are rejected.
func loadConfig(path string) (runConfig, error) {
	cfg := defaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, err
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return cfg, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

func (c *runConfig) validate() error {
	switch {
	case c.QEMU == "":
		return fmt.Errorf("qemu binary not set")
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive")
	case c.SuccessCode == c.FailureCode:
		return fmt.Errorf("success and failure codes must differ")
	case len(c.Scenarios) == 0:
		return fmt.Errorf("no scenarios to run")
	}

	seen := make(map[string]bool)
	for i, sc := range c.Scenarios {
		if sc.Image == "" {
			return fmt.Errorf("scenario %d: image not set", i)
		}
		if sc.Name == "" {
			c.Scenarios[i].Name = fmt.Sprintf("scenario-%d", i)
		}
		if seen[c.Scenarios[i].Name] {
			return fmt.Errorf("duplicate scenario %q", c.Scenarios[i].Name)
		}
		seen[c.Scenarios[i].Name] = true
	}

	return nil
}

// qemuArgs returns the arguments used to boot sc.
func (c *runConfig) qemuArgs(sc scenario) []string {
	args := make([]string, 0, len(c.Args)+len(sc.ExtraArgs)+2)
	args = append(args, c.Args...)
	args = append(args, sc.ExtraArgs...)
	return append(args, c.ImageFlag, sc.Image)
}

// verdict describes the outcome of a scenario.
type verdict int

const (
	verdictPass verdict = iota
	verdictFail
	verdictUnexpectedExit
)

func (v verdict) String() string {
	switch v {
	case verdictPass:
		return "PASS"
	case verdictFail:
		return "FAIL"
	default:
		return "UNEXPECTED EXIT"
	}
}

// decodeExit maps the QEMU process exit status to a verdict. With an
// isa-debug-exit device QEMU exits with (code << 1) | 1 so an even status
// means the kernel never wrote to the exit port.
func (c *runConfig) decodeExit(status int) (verdict, uint32) {
	if status < 0 || status&1 == 0 {
		return verdictUnexpectedExit, 0
	}

	code := uint32(status) >> 1
	switch code {
	case c.SuccessCode:
		return verdictPass, code
	case c.FailureCode:
		return verdictFail, code
	default:
		return verdictUnexpectedExit, code
	}
}
