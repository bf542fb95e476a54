package gate

import (
	"unsafe"

	"github.com/akeamc/aaos/kernel/cpu"
)

const (
	gatePresent   = 0x80
	interruptGate = 0x0e
)

// idtEntry describes a 16-byte long mode interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var (
	// loadIDTFn is mocked by tests and is automatically inlined by the compiler.
	loadIDTFn = cpu.LoadIDT

	idt [256]idtEntry

	// idtr holds the 10-byte IDT descriptor loaded via LIDT.
	idtr [10]byte
)

// set points the entry to a ring 0 interrupt gate at handlerAddr. Interrupt
// gates clear IF on entry so handlers are never interrupted.
func (e *idtEntry) set(handlerAddr uintptr, istOffset uint8) {
	e.offsetLow = uint16(handlerAddr)
	e.selector = KernelCodeSelector
	e.ist = istOffset & 0x7
	e.typeAttr = gatePresent | interruptGate
	e.offsetMid = uint16(handlerAddr >> 16)
	e.offsetHigh = uint32(handlerAddr >> 32)
	e.reserved = 0
}

// present returns true if the gate can be invoked.
func (e *idtEntry) present() bool {
	return e.typeAttr&gatePresent != 0
}

// handlerAddr returns the address encoded in the entry.
func (e *idtEntry) handlerAddr() uintptr {
	return uintptr(e.offsetLow) | uintptr(e.offsetMid)<<16 | uintptr(e.offsetHigh)<<32
}

// installIDT marks all gates as non-present and loads the IDT. Gates are
// enabled one at a time via HandleInterrupt.
func installIDT() {
	for i := range idt {
		idt[i] = idtEntry{}
		handlers[i] = nil
	}

	loadIDTFn(tableRegister(&idtr, uintptr(unsafe.Pointer(&idt)), unsafe.Sizeof(idt)))
}
