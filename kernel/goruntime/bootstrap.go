// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/mm"
	"github.com/akeamc/aaos/kernel/mm/vmm"
	"github.com/akeamc/aaos/kernel/timer"
)

var (
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	mapRangeFn           = vmm.MapRange
	uptimeNanosFn        = timer.UptimeNanos
	applyRedirectsFn     = applyRedirects
	mallocInitFn         = mallocInit
	randInitFn           = randInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// A seed for the pseudo-random number generator used by readRandom
	prngSeed uint32 = 0xdeadc0de

	// redirectTargets keeps the functions that are only reachable through
	// the redirect table from being discarded by the linker.
	redirectTargets = []interface{}{
		sysReserveOS,
		sysMapOS,
		sysAllocOS,
		sysFreeOS,
		sysUsedOS,
		sysUnusedOS,
		sysHugePageOS,
		nanotime1,
		readRandom,
	}

	// runtimeMapFlags are used for all memory handed to the Go allocator.
	runtimeMapFlags = vmm.FlagRW | vmm.FlagNoExecute
)

// sysReserveOS reserves address space without allocating any memory or
// establishing any page mappings. Placement hints are not supported; the
// runtime falls back to an unhinted reservation when nil is returned.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(v unsafe.Pointer, n uintptr) unsafe.Pointer {
	if v != nil {
		return nil
	}

	regionStartAddr, err := earlyReserveRegionFn(n)
	if err != nil {
		return nil
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMapOS backs a region previously obtained via sysReserveOS with physical
// memory.
//
// This function replaces runtime.sysMapOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(v unsafe.Pointer, n uintptr) {
	regionStartAddr := mm.AlignDown(uintptr(v), mm.PageSize)
	regionSize := mm.AlignUp(uintptr(v)+n, mm.PageSize) - regionStartAddr

	if err := mapRangeFn(regionStartAddr, regionSize, runtimeMapFlags); err != nil {
		panic(err)
	}
}

// sysAllocOS reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them returning back
// the pointer to the virtual region start.
//
// This function replaces runtime.sysAllocOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(n uintptr) unsafe.Pointer {
	regionSize := mm.AlignUp(n, mm.PageSize)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return nil
	}

	if err = mapRangeFn(regionStartAddr, regionSize, runtimeMapFlags); err != nil {
		return nil
	}

	return unsafe.Pointer(regionStartAddr)
}

// Frames are never returned to the frame allocator and mappings are never
// torn down, so the following runtime hooks are no-ops.

//go:redirect-from runtime.sysFreeOS
//go:nosplit
func sysFreeOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysUsedOS
//go:nosplit
func sysUsedOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysUnusedOS
//go:nosplit
func sysUnusedOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysHugePageOS
//go:nosplit
func sysHugePageOS(_ unsafe.Pointer, _ uintptr) {}

// nanotime1 returns a monotonically increasing clock value derived from the
// timer tick count. It is implemented in assembly because the function it
// replaces uses the ABI0 calling convention; the assembly stub calls
// monotonicNanos.
//
//go:redirect-from runtime.nanotime1
func nanotime1() int64

// monotonicNanos never returns 0 as the runtime treats a zero timestamp as
// unset.
//
//go:nosplit
func monotonicNanos() int64 {
	return int64(uptimeNanosFn()) + 1
}

// readRandom populates the given slice with random data. The implementation
// in the runtime package reads /dev/urandom but since this is not available,
// we use a prng instead.
//
//go:redirect-from runtime.readRandom
//go:nosplit
func readRandom(r []byte) int {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
	return len(r)
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
//
// The kernel page tables must be set up (see vmm.Init) before invoking Init
// as the runtime redirects are patched in through the physical memory
// window and the allocator's arenas are backed by vmm mappings.
func Init() *kernel.Error {
	if err := applyRedirectsFn(); err != nil {
		return err
	}

	physPageSize = mm.PageSize

	mallocInitFn()
	randInitFn()      // seeds the runtime's random source via readRandom
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}
