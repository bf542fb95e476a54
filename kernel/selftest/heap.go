package selftest

import (
	"unsafe"

	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/heap"
	"github.com/akeamc/aaos/kernel/mm"
	"github.com/akeamc/aaos/kernel/mm/vmm"
)

const (
	roundTripObjects = 64

	// exhaustionHeapSize is the size of the dedicated heap used by the
	// exhaustion scenario.
	exhaustionHeapSize = 64 * uintptr(mm.Kb)
)

var (
	earlyReserveRegionFn    = vmm.EarlyReserveRegion
	mapRangeFn              = vmm.MapRange
	setAllocErrorHandlerFn  = heap.SetAllocErrorHandler
	errOverlappingAllocs    = &kernel.Error{Module: "selftest", Message: "live allocations overlap"}
	errCorruptedAllocation  = &kernel.Error{Module: "selftest", Message: "allocation contents were overwritten"}
	errExhaustionMisbehaved = &kernel.Error{Module: "selftest", Message: "small allocations did not succeed"}
)

type liveAlloc struct {
	addr, size, align uintptr
	fill              byte
}

func (a *liveAlloc) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a.addr)), a.size)
}

func (a *liveAlloc) fillPattern() {
	b := a.bytes()
	for i := range b {
		b[i] = a.fill
	}
}

func (a *liveAlloc) intact() bool {
	for _, v := range a.bytes() {
		if v != a.fill {
			return false
		}
	}
	return true
}

func overlaps(a, b *liveAlloc) bool {
	return a.addr < b.addr+b.size && b.addr < a.addr+a.size
}

// testHeapRoundTrip allocates objects of varying sizes from the kernel heap,
// fills each with its own pattern, frees and reallocates half of them and
// verifies that no two live allocations share memory.
func testHeapRoundTrip() *kernel.Error {
	var (
		live [roundTripObjects]liveAlloc
		seed uint32 = 0x2545f491
	)

	next := func() uint32 {
		seed = seed*1103515245 + 12345
		return seed >> 8
	}

	allocate := func(i int) {
		live[i].size = 1 + uintptr(next()%2048)
		live[i].align = uintptr(1) << (next() % 7)
		live[i].fill = byte(i + 1)
		live[i].addr = allocFn(live[i].size, live[i].align)
		live[i].fillPattern()
	}

	for i := range live {
		allocate(i)
	}

	for i := 0; i < len(live); i += 2 {
		freeFn(live[i].addr, live[i].size, live[i].align)
	}

	for i := 0; i < len(live); i += 2 {
		allocate(i)
	}

	for i := range live {
		if live[i].addr%live[i].align != 0 || !live[i].intact() {
			return errCorruptedAllocation
		}

		for j := i + 1; j < len(live); j++ {
			if overlaps(&live[i], &live[j]) {
				return errOverlappingAllocs
			}
		}
	}

	for i := range live {
		freeFn(live[i].addr, live[i].size, live[i].align)
	}

	return nil
}

// testHeapExhaustion sets up a dedicated 64 KiB heap and makes three
// requests. The first two fit; the third cannot be satisfied and must end up
// in the allocation error handler instead of returning to the caller.
func testHeapExhaustion() *kernel.Error {
	start, err := earlyReserveRegionFn(exhaustionHeapSize)
	if err != nil {
		return err
	}

	if err = mapRangeFn(start, exhaustionHeapSize, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return err
	}

	var small heap.Allocator
	small.Init(start, exhaustionHeapSize)

	first := liveAlloc{size: 1, align: 1, fill: 0x11}
	second := liveAlloc{size: 4096, align: 4096, fill: 0x22}
	if first.addr = small.Alloc(heap.Layout{Size: first.size, Align: first.align}); first.addr == 0 {
		return errExhaustionMisbehaved
	}
	if second.addr = small.Alloc(heap.Layout{Size: second.size, Align: second.align}); second.addr == 0 {
		return errExhaustionMisbehaved
	}

	first.fillPattern()
	second.fillPattern()
	if overlaps(&first, &second) || !first.intact() || !second.intact() {
		return errOverlappingAllocs
	}

	prev := setAllocErrorHandlerFn(func(layout heap.Layout) {
		if layout.Size == 60000 {
			pass()
		}
	})
	defer setAllocErrorHandlerFn(prev)

	small.Alloc(heap.Layout{Size: 60000, Align: 4096})
	return errReturned
}
