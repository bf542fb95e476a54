package vmm

import (
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/kfmt"
)

// Page fault error code bits pushed by the CPU.
const (
	faultProtection  = 1 << 0
	faultWrite       = 1 << 1
	faultUser        = 1 << 2
	faultReservedBit = 1 << 3
	faultInstrFetch  = 1 << 4
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt
)

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a page table entry is not present or when
// a protection check fails. Page faults are never recoverable in this kernel.
func pageFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: PAGE FAULT\nPage fault while accessing address: 0x%16x\nReason: ", uintptr(readCR2Fn()))
	printFaultCause(regs.Info)
	kfmt.Printf("\n\nRegisters:\n")
	gate.DumpFrame(regs)

	kfmt.Panic(errUnrecoverableFault)
}

func printFaultCause(code uint64) {
	if code&faultProtection != 0 {
		kfmt.Printf("page protection violation")
	} else {
		kfmt.Printf("non-present page")
	}

	switch {
	case code&faultInstrFetch != 0:
		kfmt.Printf(" (instruction fetch)")
	case code&faultWrite != 0:
		kfmt.Printf(" (write)")
	default:
		kfmt.Printf(" (read)")
	}

	if code&faultUser != 0 {
		kfmt.Printf(", user-mode")
	}

	if code&faultReservedBit != 0 {
		kfmt.Printf(", page table has reserved bit set")
	}
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
// - non-canonical memory accesses
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: GENERAL PROTECTION FAULT (selector: 0x%x)\n", regs.Info)
	kfmt.Printf("Registers:\n")
	gate.DumpFrame(regs)

	kfmt.Panic(errUnrecoverableFault)
}
