// Package multiboot parses the multiboot2 information structure handed over
// by the bootloader. It exposes the physical memory map (with the regions
// occupied by the kernel image and the boot information itself carved out)
// and the kernel command line.
package multiboot

import (
	"strings"
	"unsafe"
)

// maxReservedRegions bounds the number of ranges that can be carved out of the
// available memory regions via ReserveRegion.
const maxReservedRegions = 8

var (
	infoData  uintptr
	cmdLineKV map[string]string

	// reserved holds the physical ranges that must never be reported as
	// available.
	reserved      [maxReservedRegions]physRange
	reservedCount int

	// splitEntry is passed to visitors for available regions that had to be
	// split around a reserved range. A package-level variable is used so
	// that the pointer handed to the visitor does not escape to the heap.
	splitEntry MemoryMapEntry
)

type physRange struct {
	start, end uint64
}

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. The pointer must be directly addressable by the kernel, i.e. a
// physical address must first be translated through the physical memory
// offset. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
	reservedCount = 0
}

// InfoSize returns the total size of the multiboot information structure.
func InfoSize() uint32 {
	return *(*uint32)(unsafe.Pointer(infoData))
}

// ReserveRegion excludes the physical range [start, end) from the available
// regions reported by VisitMemRegions. The boot code uses it for the frames
// occupied by the kernel image and the boot information structure so that
// the frame allocator never hands them out. It returns false if the range
// table is full.
func ReserveRegion(start, end uint64) bool {
	if reservedCount == maxReservedRegions || end <= start {
		return false
	}

	reserved[reservedCount] = physRange{start, end}
	reservedCount++
	return true
}

// VisitMemRegions invokes visitor for each memory region that is defined by
// the multiboot info data that we received from the bootloader. Available
// regions overlapping a range registered via ReserveRegion are split and
// only their usable parts are visited. Regions are visited in the order they
// appear in the bootloader-supplied map.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for ; curPtr < endPtr; curPtr += uintptr(ptrMapHeader.entrySize) {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if entry.Type != MemAvailable || reservedCount == 0 {
			if !visitor(entry) {
				return
			}
			continue
		}

		if !visitAvailable(entry.PhysAddress, entry.PhysAddress+entry.Length, visitor) {
			return
		}
	}
}

// visitAvailable reports the parts of the available range [start, end) that
// do not overlap any reserved range.
func visitAvailable(start, end uint64, visitor MemRegionVisitor) bool {
	for start < end {
		// Locate the lowest reserved range that overlaps [start, end)
		cutStart, cutEnd := end, end
		for i := 0; i < reservedCount; i++ {
			r := reserved[i]
			if r.end <= start || r.start >= end {
				continue
			}

			if r.start < cutStart {
				cutStart, cutEnd = r.start, r.end
			}
		}

		if cutStart > start {
			splitEntry = MemoryMapEntry{
				PhysAddress: start,
				Length:      cutStart - start,
				Type:        MemAvailable,
			}
			if !visitor(&splitEntry) {
				return false
			}
		}

		start = cutEnd
	}

	return true
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Arguments without a value (e.g. "quiet") map to themselves. This
// function must only be invoked after bootstrapping the Go allocator.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	curPtr, size := findTagByType(tagBootCmdLine)
	if size > 1 {
		// The command line is a C-style NULL-terminated string
		cmdLine := unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), size-1)
		for _, pair := range strings.Fields(string(cmdLine)) {
			key, value, found := strings.Cut(pair, "=")
			if !found {
				value = key
			}
			cmdLineKV[key] = value
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
