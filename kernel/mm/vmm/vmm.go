// Package vmm manages the kernel's 4-level page tables. It relies on the
// bootloader having mapped all physical memory at a fixed virtual offset.
package vmm

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn           = cpu.ReadCR2
	activePDTFn         = cpu.ActivePDT
	supportsNoExecuteFn = cpu.SupportsNoExecute
	enableNoExecuteFn   = cpu.EnableNoExecute

	// kernelMapper manipulates the page tables that are active when Init
	// is invoked.
	kernelMapper Mapper

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errMisalignedOffset   = &kernel.Error{Module: "vmm", Message: "physical memory offset is not page-aligned"}
)

// Init sets up the kernel mapper for the active page tables and installs
// the paging-related exception handlers. All physical memory must be mapped
// at physOffset; frames for new page tables are obtained from alloc.
//
// If the CPU does not support no-execute pages, FlagNoExecute is silently
// dropped from new mappings.
func Init(physOffset uintptr, alloc mm.FrameAllocator) *kernel.Error {
	if physOffset&(mm.PageSize-1) != 0 {
		return errMisalignedOffset
	}

	kernelMapper = Mapper{
		PhysOffset: physOffset,
		Root:       mm.FrameFromAddress(activePDTFn()),
		Alloc:      alloc,
	}

	if supportsNoExecuteFn() {
		enableNoExecuteFn()
		unsupportedFlags = 0
	} else {
		kfmt.Printf("[vmm] no-execute pages not supported by CPU\n")
		unsupportedFlags = FlagNoExecute
	}

	installFaultHandlers()
	return nil
}

// KernelMapper returns the mapper for the active kernel page tables.
func KernelMapper() *Mapper {
	return &kernelMapper
}

// Map establishes a mapping between a virtual page and a physical memory
// frame in the kernel page tables.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return kernelMapper.Map(page, frame, flags)
}

// MapRange backs the virtual range [virtStart, virtStart+length) with newly
// allocated frames in the kernel page tables.
func MapRange(virtStart, length uintptr, flags PageTableEntryFlag) *kernel.Error {
	return kernelMapper.MapRange(virtStart, length, flags)
}

// Translate returns the physical address that corresponds to virtAddr in the
// kernel page tables.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return kernelMapper.Translate(virtAddr)
}
