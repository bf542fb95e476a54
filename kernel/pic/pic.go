// Package pic drives the pair of cascaded 8259 programmable interrupt
// controllers that route legacy hardware IRQ lines to CPU vectors.
package pic

import (
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/sync"
)

const (
	masterCmdPort  = 0x20
	masterDataPort = 0x21
	slaveCmdPort   = 0xa0
	slaveDataPort  = 0xa1

	icw1Init     = 0x10
	icw1NeedICW4 = 0x01
	icw4Mode8086 = 0x01
	cmdEOI       = 0x20

	// cascadeLine is the master line that the slave controller is wired to.
	cascadeLine = 2

	// MasterOffset is the vector raised by IRQ line 0.
	MasterOffset = 32

	// SlaveOffset is the vector raised by IRQ line 8.
	SlaveOffset = MasterOffset + 8
)

// IRQ identifies a hardware interrupt line.
type IRQ uint8

// The IRQ lines used by the kernel.
const (
	Timer    IRQ = 0
	Keyboard IRQ = 1
	RTC      IRQ = 8
)

// Vector returns the CPU interrupt vector raised for the IRQ line after the
// controllers have been remapped.
func (irq IRQ) Vector() gate.InterruptNumber {
	return gate.InterruptNumber(MasterOffset + uint8(irq))
}

func (irq IRQ) onSlave() bool {
	return irq >= 8
}

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	ioWaitFn        = cpu.IOWait

	lock sync.IRQSpinlock

	// masks caches the interrupt mask registers of the master and slave
	// controllers. A set bit disables the line.
	masks = [2]uint8{0xff, 0xff}

	activeLines = [...]IRQ{Timer, Keyboard, RTC}
)

// Init remaps the controllers so that IRQ lines 0-7 raise vectors
// MasterOffset..MasterOffset+7 and lines 8-15 raise SlaveOffset..SlaveOffset+7
// and unmasks the lines used by the kernel. It must be invoked after the IDT
// is loaded and before interrupts are enabled.
func Init() {
	lock.Acquire()
	defer lock.Release()

	// ICW1: start the initialization sequence
	writeAndWait(masterCmdPort, icw1Init|icw1NeedICW4)
	writeAndWait(slaveCmdPort, icw1Init|icw1NeedICW4)

	// ICW2: vector offsets
	writeAndWait(masterDataPort, MasterOffset)
	writeAndWait(slaveDataPort, SlaveOffset)

	// ICW3: the master gets a bitmask of the line the slave is attached
	// to while the slave gets the line number
	writeAndWait(masterDataPort, 1<<cascadeLine)
	writeAndWait(slaveDataPort, cascadeLine)

	// ICW4
	writeAndWait(masterDataPort, icw4Mode8086)
	writeAndWait(slaveDataPort, icw4Mode8086)

	masks = [2]uint8{0xff, 0xff}
	for _, irq := range activeLines {
		clearMask(irq)
	}
	writeMasks()
}

// SendEOI acknowledges an interrupt raised by irq. Interrupts from the slave
// controller must be acknowledged on both controllers.
func SendEOI(irq IRQ) {
	lock.Acquire()
	defer lock.Release()

	if irq.onSlave() {
		portWriteByteFn(slaveCmdPort, cmdEOI)
	}
	portWriteByteFn(masterCmdPort, cmdEOI)
}

// Mask disables the delivery of interrupts for irq.
func Mask(irq IRQ) {
	lock.Acquire()
	defer lock.Release()

	if irq.onSlave() {
		masks[1] |= 1 << (irq - 8)
	} else {
		masks[0] |= 1 << irq
	}
	writeMasks()
}

// Unmask enables the delivery of interrupts for irq.
func Unmask(irq IRQ) {
	lock.Acquire()
	defer lock.Release()

	clearMask(irq)
	writeMasks()
}

// Masked returns true if irq is currently masked.
func Masked(irq IRQ) bool {
	lock.Acquire()
	defer lock.Release()

	if irq.onSlave() {
		return masks[1]&(1<<(irq-8)) != 0
	}
	return masks[0]&(1<<irq) != 0
}

func clearMask(irq IRQ) {
	if irq.onSlave() {
		masks[1] &^= 1 << (irq - 8)
		masks[0] &^= 1 << cascadeLine
		return
	}
	masks[0] &^= 1 << irq
}

func writeMasks() {
	portWriteByteFn(masterDataPort, masks[0])
	portWriteByteFn(slaveDataPort, masks[1])
}

func writeAndWait(port uint16, val uint8) {
	portWriteByteFn(port, val)
	ioWaitFn()
}
