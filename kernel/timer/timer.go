// Package timer programs channel 0 of the 8253/8254 programmable interval
// timer and keeps track of the number of timer interrupts since boot.
package timer

import (
	"math/bits"
	"sync/atomic"

	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/pic"
	"github.com/akeamc/aaos/kernel/sync"
)

const (
	// The PIT input clock runs at 3579545/3 Hz (~1.193182 MHz).
	pitClockNum   = 3_579_545
	pitClockDenom = 3

	// Divider is the PIT reload value. It yields an interrupt roughly
	// every millisecond.
	Divider = 1193

	// IntervalSecs is the time between two timer interrupts.
	IntervalSecs = float64(Divider) * pitClockDenom / pitClockNum

	cmdPort     = 0x43
	channelBase = 0x40

	accessLoHi     = 3
	modeSquareWave = 3
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn           = cpu.PortWriteByte
	interruptsEnabledFn       = cpu.InterruptsEnabled
	disableInterruptsFn       = cpu.DisableInterrupts
	enableInterruptsAndHaltFn = cpu.EnableInterruptsAndHalt
	handleInterruptFn         = gate.HandleInterrupt
	sendEOIFn                 = pic.SendEOI

	ticks atomic.Uint64
)

// Init programs PIT channel 0 with Divider, installs the timer interrupt
// handler and registers UptimeNanos as the kfmt.Logf time source. Interrupts
// are not enabled by Init.
func Init() {
	sync.WithoutInterrupts(programChannel0)

	handleInterruptFn(pic.Timer.Vector(), 0, handleTimerInterrupt)
	kfmt.SetUptimeSource(UptimeNanos)
}

func programChannel0() {
	setFrequencyDivider(Divider, 0)
}

// setFrequencyDivider programs a PIT channel as a square wave generator. A
// divider of 0 is interpreted by the hardware as 65536.
func setFrequencyDivider(divider uint32, channel uint8) {
	if divider > 0xffff {
		divider = 0
	}

	portWriteByteFn(cmdPort, channel<<6|accessLoHi<<4|modeSquareWave<<1)
	portWriteByteFn(channelBase+uint16(channel), uint8(divider))
	portWriteByteFn(channelBase+uint16(channel), uint8(divider>>8))
}

// handleTimerInterrupt counts the tick and acknowledges the interrupt.
func handleTimerInterrupt(_ *gate.Registers) {
	ticks.Add(1)
	sendEOIFn(pic.Timer)
}

// Ticks returns the number of timer interrupts since Init.
func Ticks() uint64 {
	return ticks.Load()
}

// Uptime returns the number of seconds elapsed since Init.
func Uptime() float64 {
	return float64(ticks.Load()) * IntervalSecs
}

// UptimeNanos returns the number of nanoseconds elapsed since Init. The
// calculation uses 128-bit intermediate values so it does not lose
// precision as the tick count grows.
func UptimeNanos() uint64 {
	hi, lo := bits.Mul64(ticks.Load(), Divider*pitClockDenom*1_000_000_000)
	nanos, _ := bits.Div64(hi, lo, pitClockNum)
	return nanos
}

// Halt stops the CPU until the next interrupt arrives. Interrupts are enabled
// for the duration of the halt; if they were disabled on entry they are
// disabled again before Halt returns.
func Halt() {
	enabled := interruptsEnabledFn()
	enableInterruptsAndHaltFn()
	if !enabled {
		disableInterruptsFn()
	}
}

// Sleep blocks for at least the specified number of seconds, halting the CPU
// between timer interrupts. Wakeups caused by other interrupts are harmless.
func Sleep(seconds float64) {
	start := Uptime()
	for Uptime()-start < seconds {
		Halt()
	}
}
