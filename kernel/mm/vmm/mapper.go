package vmm

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when trying to map a page that is
	// already backed by a frame.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// unsupportedFlags is stripped from every leaf entry installed by Map.
	unsupportedFlags PageTableEntryFlag
)

// Mapper manipulates a 4-level page table tree. All physical memory must be
// mapped at PhysOffset in the active address space so that the mapper can
// read and write page table frames directly.
type Mapper struct {
	// PhysOffset is the virtual address at which physical address 0 is
	// mapped.
	PhysOffset uintptr

	// Root is the frame holding the top-level (P4) table.
	Root mm.Frame

	// Alloc supplies frames for new page tables and for MapRange.
	Alloc mm.FrameAllocator
}

// Map establishes a mapping between a virtual page and a physical memory frame.
// Missing intermediate page tables are allocated from the mapper's frame
// allocator and cleared before use. Map returns ErrAlreadyMapped if the page
// is already backed by a frame and refuses to descend into huge page
// mappings.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags((flags &^ unsupportedFlags) | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = m.Alloc.AllocFrame(); err != nil {
				return false
			}

			kernel.Memset(m.PhysOffset+newTableFrame.Address(), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// MapRange backs every page overlapping [virtStart, virtStart+length) with a
// freshly allocated frame and maps it using the supplied flags. Errors are
// returned as soon as they occur; pages mapped before the failure are left in
// place.
func (m *Mapper) MapRange(virtStart, length uintptr, flags PageTableEntryFlag) *kernel.Error {
	if length == 0 {
		return nil
	}

	startPage := mm.PageFromAddress(virtStart)
	endPage := mm.PageFromAddress(mm.AlignUp(virtStart+length, mm.PageSize))

	for page := startPage; page < endPage; page++ {
		frame, err := m.Alloc.AllocFrame()
		if err != nil {
			return err
		}

		if err = m.Map(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Huge page mappings (e.g. the
// physical memory window set up by the bootloader) are supported.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			// Calculate the physical address by taking the physical frame
			// address and appending the offset from the virtual address
			offsetMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = (pte.Frame().Address() &^ offsetMask) + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
