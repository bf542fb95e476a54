package selftest

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/mm"
)

// exhaustStack points the stack pointer at top and pushes a value. With top
// at the end of an unmapped region the push raises a page fault which cannot
// be delivered on the same stack, escalating to a double fault.
func exhaustStack(top uintptr)

// testDoubleFault replaces the double fault handler with one that reports
// success and then exhausts the current stack. Reaching the handler proves
// that it ran on the dedicated interrupt stack.
func testDoubleFault() *kernel.Error {
	// Reserved but never mapped.
	guard, err := earlyReserveRegionFn(mm.PageSize)
	if err != nil {
		return err
	}

	handleInterrupt(gate.DoubleFault, gate.DoubleFaultISTIndex, doubleFaultReached)
	exhaustStackFn(guard + mm.PageSize)
	return errReturned
}

func doubleFaultReached(regs *gate.Registers) {
	kfmt.Printf("(double fault at RSP 0x%x) ", regs.RSP)
	pass()
}
