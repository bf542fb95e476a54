// Package selftest runs hardware-level scenarios inside the booted kernel and
// reports the outcome to the host through the diagnostic exit port.
//
// The default suite runs a set of checks that return control to the runner.
// Scenarios that end in a halt (allocation failure, double fault) cannot be
// combined in a single boot and are selected with the "selftest=<name>" boot
// command line argument.
package selftest

import (
	"sync/atomic"

	"github.com/akeamc/aaos/device/rtc"
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/diag"
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/hal/multiboot"
	"github.com/akeamc/aaos/kernel/heap"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/timer"
)

type testCase struct {
	name string
	run  func() *kernel.Error
}

var (
	// The following functions are mocked by tests.
	exitFn          = diag.Exit
	bootCmdLineFn   = multiboot.GetBootCmdLine
	setPanicHookFn  = kfmt.SetPanicHook
	breakpointFn    = cpu.Breakpoint
	ticksFn         = timer.Ticks
	sleepFn         = timer.Sleep
	nowFn           = rtc.Now
	allocFn         = heap.Alloc
	freeFn          = heap.Free
	exhaustStackFn  = exhaustStack
	handleInterrupt = gate.HandleInterrupt

	suite = []testCase{
		{"breakpoint_resume", testBreakpointResume},
		{"timer_ticks", testTimerTicks},
		{"heap_round_trip", testHeapRoundTrip},
		{"rtc_read", testRTCRead},
	}

	// terminal scenarios report success from a handler that never
	// returns to the runner.
	terminal = []testCase{
		{"heap_exhaustion", testHeapExhaustion},
		{"double_fault", testDoubleFault},
	}

	errUnknownTest = &kernel.Error{Module: "selftest", Message: "unknown test"}
	errReturned    = &kernel.Error{Module: "selftest", Message: "scenario returned to the runner"}
)

// Run executes the test selected on the boot command line, or the default
// suite if none is selected, and exits with the matching diagnostic code.
func Run() {
	setPanicHookFn(func() {
		exitFn(diag.Failed)
	})

	name := bootCmdLineFn()["selftest"]
	if name == "" || name == "all" {
		for _, tc := range suite {
			if !runOne(tc) {
				exitFn(diag.Failed)
				return
			}
		}

		kfmt.Printf("all tests passed\n")
		exitFn(diag.Success)
		return
	}

	for _, tc := range terminal {
		if tc.name == name {
			runOne(tc)
			exitFn(diag.Failed)
			return
		}
	}

	kfmt.Printf("test %s ... FAILED: %s\n", name, errUnknownTest.Message)
	exitFn(diag.Failed)
}

// runOne runs a single test and prints its outcome.
func runOne(tc testCase) bool {
	kfmt.Printf("test %s ... ", tc.name)
	if err := tc.run(); err != nil {
		kfmt.Printf("FAILED: [%s] %s\n", err.Module, err.Message)
		return false
	}

	kfmt.Printf("ok\n")
	return true
}

// pass reports the success of a terminal scenario.
func pass() {
	kfmt.Printf("ok\n")
	exitFn(diag.Success)
}

var breakpointMarker atomic.Uint32

// testBreakpointResume raises a breakpoint exception and checks that
// execution continues at the following instruction.
func testBreakpointResume() *kernel.Error {
	breakpointMarker.Store(0)
	breakpointFn()
	breakpointMarker.Store(1)

	if breakpointMarker.Load() != 1 {
		return &kernel.Error{Module: "selftest", Message: "execution did not resume after breakpoint"}
	}
	return nil
}

// testTimerTicks sleeps for 10ms and checks that the tick counter advanced
// accordingly.
func testTimerTicks() *kernel.Error {
	const (
		sleepSecs = 0.01
		minTicks  = 10
	)

	start := ticksFn()
	sleepFn(sleepSecs)
	if elapsed := ticksFn() - start; elapsed < minTicks {
		return &kernel.Error{Module: "selftest", Message: "timer did not advance while sleeping"}
	}
	return nil
}

// testRTCRead checks that the RTC reports a plausible calendar time.
func testRTCRead() *kernel.Error {
	dt, offset, err := nowFn()
	switch {
	case err != nil:
		return err
	case dt.Year < 2000, dt.Month < 1, dt.Month > 12, dt.Day < 1, dt.Day > 31,
		dt.Hour > 23, dt.Minute > 59, dt.Second > 59:
		return &kernel.Error{Module: "selftest", Message: "rtc returned an invalid date"}
	case offset < 0 || offset >= 1:
		return &kernel.Error{Module: "selftest", Message: "rtc sub-second offset out of range"}
	}

	kfmt.Printf("(")
	dt.Print(kfmt.GetOutputSink())
	kfmt.Printf(") ")
	return nil
}
