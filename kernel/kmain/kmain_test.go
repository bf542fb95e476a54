//go:build !selftest

package kmain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/akeamc/aaos/device/keyboard"
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/gate"
	"github.com/akeamc/aaos/kernel/goruntime"
	"github.com/akeamc/aaos/kernel/hal"
	"github.com/akeamc/aaos/kernel/hal/multiboot"
	"github.com/akeamc/aaos/kernel/heap"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/mm/pmm"
	"github.com/akeamc/aaos/kernel/mm/vmm"
	"github.com/akeamc/aaos/kernel/pic"
	"github.com/akeamc/aaos/kernel/timer"
)

type haltSignal struct{}

func restoreMocks() {
	setInfoPtrFn = multiboot.SetInfoPtr
	infoSizeFn = multiboot.InfoSize
	reserveRegionFn = multiboot.ReserveRegion
	bootCmdLineFn = multiboot.GetBootCmdLine
	gateInitFn = gate.Init
	picInitFn = pic.Init
	timerInitFn = timer.Init
	pmmInitFn = func() *kernel.Error { return pmm.Init(pmm.MultibootMemoryMap{}) }
	vmmInitFn = func(physOffset uintptr) *kernel.Error { return vmm.Init(physOffset, pmm.Allocator()) }
	heapInitFn = func() *kernel.Error { return heap.Init(vmm.KernelMapper()) }
	goruntimeInitFn = goruntime.Init
	detectHardwareFn = hal.DetectHardware
	setHeapTraceFn = heap.SetTrace
	enableInterruptsFn = cpu.EnableInterrupts
	runFn = run
	readKeyFn = keyboard.ReadKey
	haltFn = timer.Halt
	kfmt.SetPanicHook(nil)
	kfmt.SetOutputSink(nil)
}

// mockBoot replaces every boot step with a stub that records its name.
func mockBoot(calls *[]string, cmdLine map[string]string) {
	record := func(name string) func() {
		return func() { *calls = append(*calls, name) }
	}
	recordErr := func(name string) func() *kernel.Error {
		return func() *kernel.Error {
			*calls = append(*calls, name)
			return nil
		}
	}

	setInfoPtrFn = func(ptr uintptr) {
		*calls = append(*calls, "multiboot")
		if ptr != 0xffff_8000_0001_0000 {
			*calls = append(*calls, "bad info pointer")
		}
	}
	infoSizeFn = func() uint32 { return 0x400 }
	reserveRegionFn = func(start, end uint64) bool {
		switch {
		case start == 0x10_0000 && end == 0x20_0000:
			*calls = append(*calls, "reserve kernel")
		case start == 0x1_0000 && end == 0x1_0400:
			*calls = append(*calls, "reserve info")
		default:
			*calls = append(*calls, "bad reservation")
		}
		return true
	}
	bootCmdLineFn = func() map[string]string { return cmdLine }
	gateInitFn = record("gate")
	picInitFn = record("pic")
	timerInitFn = record("timer")
	pmmInitFn = recordErr("pmm")
	vmmInitFn = func(physOffset uintptr) *kernel.Error {
		*calls = append(*calls, "vmm")
		if physOffset != 0xffff_8000_0000_0000 {
			*calls = append(*calls, "bad phys offset")
		}
		return nil
	}
	heapInitFn = recordErr("heap")
	goruntimeInitFn = recordErr("goruntime")
	detectHardwareFn = record("hal")
	setHeapTraceFn = func(enabled bool) {
		if enabled {
			*calls = append(*calls, "heap trace")
		}
	}
	enableInterruptsFn = record("sti")
	runFn = record("run")
}

func TestKmain(t *testing.T) {
	defer restoreMocks()

	specs := []struct {
		cmdLine  map[string]string
		expCalls []string
	}{
		{
			nil,
			[]string{"multiboot", "reserve kernel", "reserve info", "gate", "pic", "timer", "pmm", "vmm", "heap", "goruntime", "hal", "sti", "run"},
		},
		{
			map[string]string{"heapLog": "on"},
			[]string{"multiboot", "reserve kernel", "reserve info", "gate", "pic", "timer", "pmm", "vmm", "heap", "goruntime", "hal", "heap trace", "sti", "run"},
		},
	}

	for specIndex, spec := range specs {
		var (
			calls []string
			buf   bytes.Buffer
		)
		mockBoot(&calls, spec.cmdLine)
		kfmt.SetOutputSink(&buf)
		kfmt.SetPanicHook(func() { panic(haltSignal{}) })

		func() {
			defer func() {
				if _, ok := recover().(haltSignal); !ok {
					t.Errorf("[spec %d] expected Kmain to halt via kfmt.Panic", specIndex)
				}
			}()
			Kmain(0x1_0000, 0xffff_8000_0000_0000, 0x10_0000, 0x20_0000)
		}()

		if strings.Join(calls, ",") != strings.Join(spec.expCalls, ",") {
			t.Errorf("[spec %d] expected boot steps:\n%v\ngot:\n%v", specIndex, spec.expCalls, calls)
		}

		if !strings.Contains(buf.String(), "[kmain] unrecoverable error: Kmain returned") {
			t.Errorf("[spec %d] expected Kmain returned error to be printed; got %q", specIndex, buf.String())
		}
	}
}

func TestKmainInitFailure(t *testing.T) {
	defer restoreMocks()

	expErr := &kernel.Error{Module: "test", Message: "init failed"}
	failing := []struct {
		step string
		set  func()
	}{
		{"pmm", func() { pmmInitFn = func() *kernel.Error { return expErr } }},
		{"vmm", func() { vmmInitFn = func(uintptr) *kernel.Error { return expErr } }},
		{"heap", func() { heapInitFn = func() *kernel.Error { return expErr } }},
		{"goruntime", func() { goruntimeInitFn = func() *kernel.Error { return expErr } }},
	}

	for specIndex, spec := range failing {
		var (
			calls []string
			buf   bytes.Buffer
		)
		mockBoot(&calls, nil)
		spec.set()
		kfmt.SetOutputSink(&buf)
		kfmt.SetPanicHook(func() { panic(haltSignal{}) })

		func() {
			defer func() {
				if _, ok := recover().(haltSignal); !ok {
					t.Errorf("[spec %d] expected %s failure to halt via kfmt.Panic", specIndex, spec.step)
				}
			}()
			Kmain(0x1_0000, 0xffff_8000_0000_0000, 0x10_0000, 0x20_0000)
		}()

		if got := buf.String(); !strings.Contains(got, "[test] unrecoverable error: init failed") {
			t.Errorf("[spec %d] expected the %s failure to be printed; got %q", specIndex, spec.step, got)
		}

		for _, call := range calls {
			if call == "hal" || call == "sti" || call == "run" {
				t.Errorf("[spec %d] expected boot to stop after %s failed; got calls %v", specIndex, spec.step, calls)
				break
			}
		}
	}
}

// A frame allocator that runs dry while the heap is being mapped must halt
// through kfmt.Panic rather than the runtime's panic.
func TestKmainHeapOutOfFrames(t *testing.T) {
	defer restoreMocks()

	var (
		calls []string
		buf   bytes.Buffer
	)
	mockBoot(&calls, nil)
	heapInitFn = func() *kernel.Error {
		return heap.Init(fakeMapper{})
	}
	kfmt.SetOutputSink(&buf)
	kfmt.SetPanicHook(func() { panic(haltSignal{}) })

	func() {
		defer func() {
			if _, ok := recover().(haltSignal); !ok {
				t.Fatal("expected heap init failure to halt via kfmt.Panic")
			}
		}()
		Kmain(0x1_0000, 0xffff_8000_0000_0000, 0x10_0000, 0x20_0000)
	}()

	if got := buf.String(); !strings.Contains(got, "[test] unrecoverable error: out of frames") {
		t.Fatalf("expected the frame allocation failure to be printed; got %q", got)
	}

	if !strings.Contains(buf.String(), "*** kernel panic: system halted ***") {
		t.Fatalf("expected the panic banner; got %q", buf.String())
	}
}

type fakeMapper struct{}

func (fakeMapper) MapRange(uintptr, uintptr, vmm.PageTableEntryFlag) *kernel.Error {
	return &kernel.Error{Module: "test", Message: "out of frames"}
}

func TestEchoStep(t *testing.T) {
	defer restoreMocks()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	queue := []byte("hi\bo\n")
	readKeyFn = func() (byte, bool) {
		if len(queue) == 0 {
			return 0, false
		}
		ch := queue[0]
		queue = queue[1:]
		return ch, true
	}

	halts := 0
	haltFn = func() { halts++ }

	echoStep()
	echoStep()

	if exp := "hi\b \bo\n> "; buf.String() != exp {
		t.Fatalf("expected echoed output %q; got %q", exp, buf.String())
	}

	if halts != 2 {
		t.Fatalf("expected the CPU to be halted after each step; got %d halts", halts)
	}
}
