// Package pmm implements the physical frame allocator. Frames are carved out
// of the usable regions of the boot memory map and are never returned.
package pmm

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/mm"
)

// bootMemAllocator is the frame allocator used by the kernel.
var bootMemAllocator BootMemAllocator

// Init sets up the physical frame allocator using the regions reported by
// memMap. The boot handoff is responsible for excluding the frames occupied by
// the kernel image and the boot information from the usable regions.
func Init(memMap MemoryMap) *kernel.Error {
	bootMemAllocator.init(memMap)
	printMemoryMap(memMap)

	if bootMemAllocator.regionCount == 0 {
		return errNoUsableMemory
	}

	return nil
}

// AllocFrame allocates a new physical frame.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return bootMemAllocator.AllocFrame()
}

// Allocator returns the kernel's frame allocator.
func Allocator() mm.FrameAllocator {
	return &bootMemAllocator
}

// Stats returns the number of allocated frames and the total number of usable
// frames.
func Stats() (allocated, total uint64) {
	return bootMemAllocator.Stats()
}
