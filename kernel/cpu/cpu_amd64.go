// Package cpu exposes the privileged x86-64 instructions used by the kernel
// core. Every function in this package is a thin assembly wrapper around a
// single instruction (or a short fixed sequence) and must only be invoked
// while running in ring 0; calling any of them from user-mode faults.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// InterruptsEnabled returns true if the IF flag in RFLAGS is set.
func InterruptsEnabled() bool

// Halt disables interrupts and stops instruction execution. Calls to Halt
// never return.
func Halt()

// EnableInterruptsAndHalt atomically enables interrupts and halts the CPU
// until the next interrupt arrives. STI delays interrupt recognition by one
// instruction so no interrupt can slip in between STI and HLT. The IF flag
// remains set when this function returns.
func EnableInterruptsAndHalt()

// Pause hints the CPU that the caller is inside a spin-wait loop.
func Pause()

// Breakpoint raises a breakpoint exception (INT3).
func Breakpoint()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// LoadGDT loads the GDTR register with the 10-byte descriptor (16-bit limit
// followed by the 64-bit base address) located at descAddr.
//
// Precondition: the table referenced by the descriptor must stay valid for
// the lifetime of the kernel.
func LoadGDT(descAddr uintptr)

// LoadIDT loads the IDTR register with the 10-byte descriptor located at
// descAddr.
//
// Precondition: the table referenced by the descriptor must stay valid for
// the lifetime of the kernel.
func LoadIDT(descAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
//
// Precondition: the selector must reference an available 64-bit TSS
// descriptor in the active GDT.
func LoadTaskRegister(sel uint16)

// ReloadSegments loads CS with codeSel (via a far return to the caller) and
// DS, ES and SS with dataSel.
//
// Precondition: both selectors must reference present descriptors in the
// active GDT.
func ReloadSegments(codeSel, dataSel uint16)

// EnableNoExecute sets the NXE bit in the EFER model-specific register so
// that the no-execute page table bit is honored.
//
// Precondition: SupportsNoExecute must return true; otherwise setting the
// bit raises a general protection fault.
func EnableNoExecute()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// SupportsNoExecute returns true if the CPU supports the no-execute page
// table bit (CPUID.80000001h:EDX.NX[bit 20]).
func SupportsNoExecute() bool {
	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32

// IOWait performs a write to an unused port (0x80, the POST diagnostic port)
// which takes long enough for slow devices such as the 8259 PIC to settle
// between consecutive commands.
func IOWait() {
	PortWriteByte(0x80, 0)
}
