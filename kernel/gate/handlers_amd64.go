package gate

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/kfmt"
)

var (
	errDoubleFault        = &kernel.Error{Module: "gate", Message: "double fault"}
	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}

	frameWriter = kfmt.PrefixWriter{Prefix: []byte("  ")}
)

// DumpFrame prints the supplied register snapshot, indented, to the active
// output sink.
func DumpFrame(regs *Registers) {
	sink := kfmt.GetOutputSink()
	if sink == nil {
		regs.DumpTo(nil)
		return
	}

	frameWriter.Sink = sink
	regs.DumpTo(&frameWriter)
}

// breakpointHandler prints the interrupted context and resumes execution at
// the instruction following INT3.
func breakpointHandler(regs *Registers) {
	kfmt.Printf("\nEXCEPTION: BREAKPOINT\n")
	DumpFrame(regs)
}

// doubleFaultHandler runs on the dedicated IST stack. The machine state can
// no longer be trusted so it never returns.
//
// The handler is Go code and passes the runtime stack bound check only if
// the boot trampoline set the g0 stack guard below the IST stacks; nothing
// in this module adjusts the guard.
//
// Fatal paths call kfmt.Panic directly since runtime.gopanic is only
// redirected once goruntime.Init has run.
func doubleFaultHandler(regs *Registers) {
	kfmt.Printf("\nEXCEPTION: DOUBLE FAULT\n")
	DumpFrame(regs)
	kfmt.Panic(errDoubleFault)
}

func unhandledInterrupt(regs *Registers) {
	kfmt.Printf("\nunhandled interrupt %d\n", uint8(regs.Vector))
	DumpFrame(regs)
	kfmt.Panic(errUnhandledInterrupt)
}
