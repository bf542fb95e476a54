// Package keyboard handles the PS/2 keyboard. The interrupt handler only
// queues raw scancodes; decoding happens when the foreground reads a key.
package keyboard

import (
	"io"
	"unsafe"

	"github.com/akeamc/aaos/device"
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/heap"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/pic"
	"github.com/akeamc/aaos/kernel/sync"
)

const (
	dataPort   = 0x60
	statusPort = 0x64

	statusOutputFull = 0x01

	// queueSize is the number of scancodes buffered between reads.
	queueSize = 128
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn    = cpu.PortReadByte
	handleInterruptFn = gate.HandleInterrupt
	sendEOIFn         = pic.SendEOI
	allocFn           = heap.Alloc

	kbd Keyboard
)

// Keyboard buffers scancodes received by the IRQ1 handler.
type Keyboard struct {
	lock sync.IRQSpinlock

	// queue is a ring buffer of pending scancodes backed by heap memory.
	queue       []byte
	head, count int
	dropped     uint64

	decoder Decoder
}

// DriverName returns the name of this driver.
func (k *Keyboard) DriverName() string {
	return "ps2_keyboard"
}

// DriverVersion returns the version of this driver.
func (k *Keyboard) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit allocates the scancode queue, discards any stale controller
// output and installs the keyboard interrupt handler.
func (k *Keyboard) DriverInit(w io.Writer) *kernel.Error {
	addr := allocFn(queueSize, 1)
	k.queue = unsafe.Slice((*byte)(unsafe.Pointer(addr)), queueSize)
	k.head, k.count, k.dropped = 0, 0, 0

	for i := 0; i < queueSize && portReadByteFn(statusPort)&statusOutputFull != 0; i++ {
		portReadByteFn(dataPort)
	}

	handleInterruptFn(pic.Keyboard.Vector(), 0, handleInterrupt)
	kfmt.Fprintf(w, "%d byte scancode queue ", queueSize)
	return nil
}

// handleInterrupt reads the scancode and only then acknowledges the
// interrupt so that a key event arriving mid-handler raises a new interrupt.
func handleInterrupt(_ *gate.Registers) {
	kbd.push(portReadByteFn(dataPort))
	sendEOIFn(pic.Keyboard)
}

// push appends a scancode to the queue. Scancodes are dropped while the queue
// is full.
func (k *Keyboard) push(sc byte) {
	k.lock.Acquire()
	defer k.lock.Release()

	if k.count == len(k.queue) {
		k.dropped++
		return
	}

	k.queue[(k.head+k.count)%len(k.queue)] = sc
	k.count++
}

// ReadKey decodes queued scancodes until a character is produced. It returns
// false if the queue runs empty first.
func (k *Keyboard) ReadKey() (byte, bool) {
	k.lock.Acquire()
	defer k.lock.Release()

	for k.count > 0 {
		sc := k.queue[k.head]
		k.head = (k.head + 1) % len(k.queue)
		k.count--

		if ch, ok := k.decoder.Feed(sc); ok {
			return ch, true
		}
	}

	return 0, false
}

// Dropped returns the number of scancodes lost due to a full queue.
func (k *Keyboard) Dropped() uint64 {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.dropped
}

// ReadKey returns the next character typed on the system keyboard.
func ReadKey() (byte, bool) {
	return kbd.ReadKey()
}

func probeForKeyboard() device.Driver {
	return &kbd
}

// HWProbes returns the probe functions for the keyboard handled by this
// package.
func HWProbes() []device.ProbeFn {
	return []device.ProbeFn{
		probeForKeyboard,
	}
}
