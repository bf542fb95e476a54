// Package kmain contains the kernel entrypoint and the ordered boot sequence.
package kmain

import (
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

var (
	// The boot steps are mocked by tests.
	setInfoPtrFn       = multiboot.SetInfoPtr
	infoSizeFn         = multiboot.InfoSize
	reserveRegionFn    = multiboot.ReserveRegion
	bootCmdLineFn      = multiboot.GetBootCmdLine
	gateInitFn         = gate.Init
	picInitFn          = pic.Init
	timerInitFn        = timer.Init
	pmmInitFn          = func() *kernel.Error { return pmm.Init(pmm.MultibootMemoryMap{}) }
	vmmInitFn          = func(physOffset uintptr) *kernel.Error { return vmm.Init(physOffset, pmm.Allocator()) }
	heapInitFn         = func() *kernel.Error { return heap.Init(vmm.KernelMapper()) }
	goruntimeInitFn    = goruntime.Init
	detectHardwareFn   = hal.DetectHardware
	setHeapTraceFn     = heap.SetTrace
	enableInterruptsFn = cpu.EnableInterrupts
	runFn              = run

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the boot
// trampoline. It is invoked with interrupts disabled, on a stack set up by
// the trampoline, after the bootloader has switched to long mode and mapped
// all physical memory at physOffset.
//
// The trampoline passes the physical address of the multiboot info payload
// provided by the bootloader as well as the physical addresses for the
// kernel start/end.
//
// Kmain is not expected to return. If it does, the trampoline will halt the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, physOffset, kernelStart, kernelEnd uintptr) {
	setInfoPtrFn(physOffset + multibootInfoPtr)
	reserveRegionFn(uint64(kernelStart), uint64(kernelEnd))
	reserveRegionFn(uint64(multibootInfoPtr), uint64(multibootInfoPtr)+uint64(infoSizeFn()))

	// The descriptor tables must be live before the PIC delivers anything
	// and the timer handler needs both.
	gateInitFn()
	picInitFn()
	timerInitFn()

	// runtime.gopanic is not redirected until goruntime.Init completes, so
	// failures are reported through kfmt.Panic directly.
	if err := initMemory(physOffset); err != nil {
		kfmt.Panic(err)
		return
	}

	detectHardwareFn()

	if bootCmdLineFn()["heapLog"] == "on" {
		setHeapTraceFn(true)
	}

	enableInterruptsFn()
	kfmt.Logf("boot complete\n")

	runFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// initMemory brings up the frame allocator, the kernel page tables, the heap
// and the Go allocator, stopping at the first failure.
func initMemory(physOffset uintptr) *kernel.Error {
	var err *kernel.Error
	if err = pmmInitFn(); err != nil {
		return err
	} else if err = vmmInitFn(physOffset); err != nil {
		return err
	} else if err = heapInitFn(); err != nil {
		return err
	}

	return goruntimeInitFn()
}
