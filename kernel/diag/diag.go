// Package diag reports the outcome of in-kernel test runs to the emulator
// through the isa-debug-exit device.
package diag

import "github.com/akeamc/aaos/kernel/cpu"

// ExitCode is written to the isa-debug-exit port. QEMU terminates with status
// (code << 1) | 1.
type ExitCode uint32

const (
	// Success indicates that all in-kernel tests passed.
	Success ExitCode = 0x10

	// Failed indicates that at least one in-kernel test failed.
	Failed ExitCode = 0x11

	// exitPort must match the iobase of the isa-debug-exit device
	// configured by the harness.
	exitPort = 0xf4
)

var (
	// portWriteDwordFn is mocked by tests and is automatically inlined by
	// the compiler.
	portWriteDwordFn = cpu.PortWriteDword
)

// Exit signals code to the harness. When running under QEMU with the
// isa-debug-exit device attached the call does not return; on real hardware
// the write is ignored and Exit returns.
func Exit(code ExitCode) {
	portWriteDwordFn(exitPort, uint32(code))
}
