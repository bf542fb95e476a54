// Package rtc reads the wall-clock time from the CMOS real-time clock and
// tracks its once-per-second update interrupt to provide sub-second offsets.
package rtc

import (
	"io"
	"sync/atomic"

	"github.com/akeamc/aaos/device"
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/pic"
	"github.com/akeamc/aaos/kernel/sync"
	"github.com/akeamc/aaos/kernel/timer"
)

const (
	addrPort = 0x70
	dataPort = 0x71

	// Setting bit 7 of the register index disables NMIs while the
	// register is being accessed.
	nmiDisable = 0x80

	regSecond  = 0x00
	regMinute  = 0x02
	regHour    = 0x04
	regDay     = 0x07
	regMonth   = 0x08
	regYear    = 0x09
	regStatusA = 0x0a
	regStatusB = 0x0b
	regStatusC = 0x0c

	statusAUpdating = 0x80

	statusB24Hour     = 0x02
	statusBBinary     = 0x04
	statusBUpdateIntr = 0x10

	hourPM = 0x80

	// The CMOS only stores a two-digit year; the century register is not
	// reliably present.
	century = 2000

	// maxReadAttempts bounds the wait for two identical consecutive reads.
	maxReadAttempts = 16
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn   = cpu.PortWriteByte
	portReadByteFn    = cpu.PortReadByte
	handleInterruptFn = gate.HandleInterrupt
	sendEOIFn         = pic.SendEOI
	ticksFn           = timer.Ticks

	errUnstable = &kernel.Error{Module: "rtc", Message: "clock did not settle"}

	clock RTC
)

// DateTime is a calendar date and time of day as reported by the RTC.
type DateTime struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

// Print writes the time in "YYYY-MM-DD hh:mm:ss" format.
func (dt DateTime) Print(w io.Writer) {
	kfmt.Fprintf(w, "%04d-%02d-%02d %02d:%02d:%02d", dt.Year, dt.Month, dt.Day, dt.Hour, dt.Minute, dt.Second)
}

// RTC is the CMOS real-time clock.
type RTC struct {
	lock sync.IRQSpinlock

	// lastUpdateTick is the timer tick count observed by the most recent
	// update-ended interrupt.
	lastUpdateTick atomic.Uint64
	updates        atomic.Uint64
}

// DriverName returns the name of this driver.
func (r *RTC) DriverName() string {
	return "cmos_rtc"
}

// DriverVersion returns the version of this driver.
func (r *RTC) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit installs the RTC interrupt handler, enables the update-ended
// interrupt and prints the current time.
func (r *RTC) DriverInit(w io.Writer) *kernel.Error {
	dt, err := r.Read()
	if err != nil {
		return err
	}

	handleInterruptFn(pic.RTC.Vector(), 0, handleInterrupt)
	r.enableInterrupt(statusBUpdateIntr)

	kfmt.Fprintf(w, "time: ")
	dt.Print(w)
	kfmt.Fprintf(w, " ")
	return nil
}

func (r *RTC) enableInterrupt(mask uint8) {
	r.lock.Acquire()
	defer r.lock.Release()

	prev := r.readRegister(regStatusB)
	r.writeRegister(regStatusB, prev|mask)
}

// Read returns the current date and time. The registers are read until two
// consecutive snapshots, each taken outside an update cycle, agree. BCD and
// 12-hour encodings are converted.
func (r *RTC) Read() (DateTime, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	prev := r.snapshot()
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		cur := r.snapshot()
		if cur == prev {
			return r.decode(cur), nil
		}
		prev = cur
	}

	return DateTime{}, errUnstable
}

// snapshot holds raw register values.
type snapshot struct {
	second, minute, hour, day, month, year uint8
}

func (r *RTC) snapshot() snapshot {
	for attempt := 0; attempt < 1000 && r.readRegister(regStatusA)&statusAUpdating != 0; attempt++ {
		cpu.Pause()
	}

	return snapshot{
		second: r.readRegister(regSecond),
		minute: r.readRegister(regMinute),
		hour:   r.readRegister(regHour),
		day:    r.readRegister(regDay),
		month:  r.readRegister(regMonth),
		year:   r.readRegister(regYear),
	}
}

func (r *RTC) decode(s snapshot) DateTime {
	statusB := r.readRegister(regStatusB)

	pm := s.hour&hourPM != 0
	s.hour &^= hourPM

	if statusB&statusBBinary == 0 {
		s.second = fromBCD(s.second)
		s.minute = fromBCD(s.minute)
		s.hour = fromBCD(s.hour)
		s.day = fromBCD(s.day)
		s.month = fromBCD(s.month)
		s.year = fromBCD(s.year)
	}

	if statusB&statusB24Hour == 0 {
		s.hour %= 12
		if pm {
			s.hour += 12
		}
	}

	return DateTime{
		Year:   century + uint16(s.year),
		Month:  s.month,
		Day:    s.day,
		Hour:   s.hour,
		Minute: s.minute,
		Second: s.second,
	}
}

func fromBCD(v uint8) uint8 {
	return (v>>4)*10 + v&0x0f
}

func (r *RTC) readRegister(reg uint8) uint8 {
	portWriteByteFn(addrPort, nmiDisable|reg)
	return portReadByteFn(dataPort)
}

func (r *RTC) writeRegister(reg, val uint8) {
	portWriteByteFn(addrPort, nmiDisable|reg)
	portWriteByteFn(dataPort, val)
}

// handleInterrupt records the tick of the update-ended interrupt. Register C
// must be read to re-arm the interrupt before acknowledging the line.
func handleInterrupt(_ *gate.Registers) {
	clock.lastUpdateTick.Store(ticksFn())
	clock.updates.Add(1)

	clock.lock.Acquire()
	clock.readRegister(regStatusC)
	clock.lock.Release()

	sendEOIFn(pic.RTC)
}

// Now returns the current time together with the number of seconds elapsed
// since the RTC last advanced. The offset is zero until the first update
// interrupt has been received and is capped just below one second.
func Now() (DateTime, float64, *kernel.Error) {
	dt, err := clock.Read()
	if err != nil {
		return dt, 0, err
	}

	if clock.updates.Load() == 0 {
		return dt, 0, nil
	}

	offset := float64(ticksFn()-clock.lastUpdateTick.Load()) * timer.IntervalSecs
	if offset >= 1 {
		offset = 1 - timer.IntervalSecs
	}
	return dt, offset, nil
}

func probeForRTC() device.Driver {
	return &clock
}

// HWProbes returns the probe functions for the RTC handled by this package.
func HWProbes() []device.ProbeFn {
	return []device.ProbeFn{
		probeForRTC,
	}
}
