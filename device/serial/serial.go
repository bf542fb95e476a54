// Package serial drives 16550-compatible UARTs. The first port doubles as the
// kernel's output sink and carries the in-kernel test reports.
package serial

import (
	"io"

	"github.com/akeamc/aaos/device"
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/sync"
)

// COM1 is the I/O base of the first serial port.
const COM1 = 0x3f8

// Register offsets relative to the port base.
const (
	regData        = 0
	regIntEnable   = 1
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5

	lineDLAB      = 0x80
	line8N1       = 0x03
	fifoEnable14  = 0xc7
	modemNormal   = 0x0f
	modemLoopback = 0x1e
	statusTxEmpty = 0x20

	loopbackProbe = 0xae

	// baseClock is divided by the divisor latch to get the baud rate.
	baseClock = 115200

	// DefaultBaud is the rate used by ports returned from the probe.
	DefaultBaud = 38400
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errLoopbackFailed = &kernel.Error{Module: "serial", Message: "loopback self-test failed"}

	com1 = Port{base: COM1, baud: DefaultBaud}
)

// Port is a 16550 UART. Writes are serialized with interrupts disabled so
// that output from interrupt handlers never interleaves with foreground
// output mid-byte.
type Port struct {
	lock sync.IRQSpinlock
	base uint16
	baud uint32
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "serial"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit programs the UART for 8N1 operation at the configured baud rate
// and verifies it with a loopback test.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	divisor := uint16(baseClock / p.baud)

	portWriteByteFn(p.base+regIntEnable, 0)
	portWriteByteFn(p.base+regLineControl, lineDLAB)
	portWriteByteFn(p.base+regData, uint8(divisor))
	portWriteByteFn(p.base+regIntEnable, uint8(divisor>>8))
	portWriteByteFn(p.base+regLineControl, line8N1)
	portWriteByteFn(p.base+regFIFOControl, fifoEnable14)

	portWriteByteFn(p.base+regModemCtrl, modemLoopback)
	portWriteByteFn(p.base+regData, loopbackProbe)
	if portReadByteFn(p.base+regData) != loopbackProbe {
		return errLoopbackFailed
	}
	portWriteByteFn(p.base+regModemCtrl, modemNormal)

	kfmt.Fprintf(w, "port 0x%x, %d baud ", p.base, p.baud)
	return nil
}

// Write implements io.Writer. Line feeds are expanded to CR LF.
func (p *Port) Write(b []byte) (int, error) {
	p.lock.Acquire()
	defer p.lock.Release()

	for _, ch := range b {
		if ch == '\n' {
			p.transmit('\r')
		}
		p.transmit(ch)
	}

	return len(b), nil
}

// WriteByte implements io.ByteWriter.
func (p *Port) WriteByte(ch byte) error {
	_, err := p.Write([]byte{ch})
	return err
}

func (p *Port) transmit(ch byte) {
	for portReadByteFn(p.base+regLineStatus)&statusTxEmpty == 0 {
		cpu.Pause()
	}
	portWriteByteFn(p.base+regData, ch)
}

func probeForCOM1() device.Driver {
	return &com1
}

// HWProbes returns the probe functions for the serial ports handled by this
// package.
func HWProbes() []device.ProbeFn {
	return []device.ProbeFn{
		probeForCOM1,
	}
}
