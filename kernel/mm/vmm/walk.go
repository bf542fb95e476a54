package vmm

import (
	"unsafe"

	"github.com/akeamc/aaos/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableIndex returns the index of the entry that maps virtAddr in a page table
// at the given level.
func tableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// walk performs a page table walk for the given virtual address starting at
// the mapper's root table. It calls walkFn with the page table entry that
// corresponds to each page table level. If walkFn returns false the walk is
// aborted.
//
// Page tables are accessed through the physical memory offset mapping, so
// walkFn may install a new table in a non-present entry and the walk will
// descend into it.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := m.Root

	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := m.PhysOffset + tableFrame.Address() + (tableIndex(virtAddr, level) << mm.PointerShift)
		pte := (*pageTableEntry)(unsafe.Pointer(entryAddr))

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}
