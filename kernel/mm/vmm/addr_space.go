package vmm

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/mm"
)

const (
	// earlyReserveTop is the exclusive end of the virtual range handed out
	// by EarlyReserveRegion. It sits well above the heap and below the
	// addresses commonly used by bootloaders for the physical memory
	// window.
	earlyReserveTop = uintptr(0x6000_0000_0000)

	// earlyReserveFloor is the lowest address EarlyReserveRegion may
	// return.
	earlyReserveFloor = uintptr(0x5000_0000_0000)
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request.
	earlyReserveLastUsed = earlyReserveTop

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size and returns its virtual address. If size is not a
// multiple of mm.PageSize it will be automatically rounded up.
//
// Reserved regions are not backed by physical memory; callers map them
// explicitly. Regions are handed out from the top of the reservation window
// downwards and are never returned.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = mm.AlignUp(size, mm.PageSize)

	// reserving a region of the requested size would cross the floor
	if size > earlyReserveLastUsed-earlyReserveFloor {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}
