package pmm

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/hal/multiboot"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/mm"
	"github.com/akeamc/aaos/kernel/sync"
)

// maxRegions is the number of usable memory regions the allocator can track.
// Any regions reported beyond this limit are ignored.
const maxRegions = 64

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errNoUsableMemory       = &kernel.Error{Module: "boot_mem_alloc", Message: "memory map contains no usable regions"}
)

// MemoryMap is implemented by boot handoff sources that can enumerate the
// physical memory regions of the system.
type MemoryMap interface {
	VisitMemRegions(multiboot.MemRegionVisitor)
}

// MultibootMemoryMap is a MemoryMap backed by the multiboot information
// structure supplied by the bootloader.
type MultibootMemoryMap struct{}

// VisitMemRegions implements MemoryMap.
func (MultibootMemoryMap) VisitMemRegions(visitor multiboot.MemRegionVisitor) {
	multiboot.VisitMemRegions(visitor)
}

// frameRange describes the usable frames [start, end) of a memory region.
type frameRange struct {
	start, end mm.Frame
}

// BootMemAllocator implements a physical memory allocator that hands out the
// frames of the usable memory regions in ascending address order.
//
// The allocator state is a cursor into the address-ordered list of usable
// regions. The cursor only ever moves forward, so each frame is returned at
// most once. Frames cannot be freed.
type BootMemAllocator struct {
	mutex sync.Spinlock

	regions     [maxRegions]frameRange
	regionCount int

	// curRegion and nextFrame form the allocation cursor.
	curRegion int
	nextFrame mm.Frame

	allocCount  uint64
	totalFrames uint64
}

// init resets the allocator and records the usable regions of memMap.
func (alloc *BootMemAllocator) init(memMap MemoryMap) {
	*alloc = BootMemAllocator{}
	loadingAllocator = alloc
	memMap.VisitMemRegions(addRegion)
	loadingAllocator = nil

	if alloc.regionCount != 0 {
		alloc.nextFrame = alloc.regions[0].start
	}
}

// loadingAllocator is the target of addRegion while an allocator is being
// initialized. A package-level visitor is used instead of a closure as the
// visitor escapes through the MemoryMap interface and the Go allocator is not
// yet available when the allocator is set up.
var loadingAllocator *BootMemAllocator

func addRegion(region *multiboot.MemoryMapEntry) bool {
	loadingAllocator.addRegion(region)
	return true
}

// addRegion inserts the page-aligned part of an available region into the
// address-ordered region list.
func (alloc *BootMemAllocator) addRegion(region *multiboot.MemoryMapEntry) {
	if region.Type != multiboot.MemAvailable {
		return
	}

	// Reported addresses may not be page-aligned; round up to get the start
	// frame and round down to get the end frame
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	endFrame := mm.Frame(((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mm.PageShift)
	if startFrame >= endFrame {
		return
	}

	if alloc.regionCount == maxRegions {
		kfmt.Printf("[boot_mem_alloc] ignoring region [0x%10x - 0x%10x]: region table full\n", region.PhysAddress, region.PhysAddress+region.Length)
		return
	}

	i := alloc.regionCount
	for ; i > 0 && alloc.regions[i-1].start > startFrame; i-- {
		alloc.regions[i] = alloc.regions[i-1]
	}
	alloc.regions[i] = frameRange{startFrame, endFrame}
	alloc.regionCount++
	alloc.totalFrames += uint64(endFrame - startFrame)
}

// AllocFrame reserves the next available free frame. It returns an error if
// all usable memory has been handed out.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for ; alloc.curRegion < alloc.regionCount; alloc.curRegion++ {
		region := alloc.regions[alloc.curRegion]

		// Regions are sorted by start address; skip any part of this
		// region that overlaps an earlier one.
		if alloc.nextFrame < region.start {
			alloc.nextFrame = region.start
		}

		if alloc.nextFrame < region.end {
			frame := alloc.nextFrame
			alloc.nextFrame++
			alloc.allocCount++
			return frame, nil
		}
	}

	return mm.InvalidFrame, errBootAllocOutOfMemory
}

// Stats returns the number of frames handed out so far and the total number
// of usable frames.
func (alloc *BootMemAllocator) Stats() (allocated, total uint64) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.allocCount, alloc.totalFrames
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(memMap MemoryMap) {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	totalFree = 0
	memMap.VisitMemRegions(printRegion)
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
}

var totalFree mm.Size

func printRegion(region *multiboot.MemoryMapEntry) bool {
	kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

	if region.Type == multiboot.MemAvailable {
		totalFree += mm.Size(region.Length)
	}
	return true
}
