package heap

import (
	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/mm"
	"github.com/akeamc/aaos/kernel/mm/vmm"
)

const (
	// HeapStart is the virtual address of the kernel heap.
	HeapStart = uintptr(0x4444_4444_0000)

	// HeapSize is the size of the kernel heap.
	HeapSize = uintptr(1 * mm.Mb)
)

// Mapper backs a virtual range with physical memory.
type Mapper interface {
	MapRange(virtStart, length uintptr, flags vmm.PageTableEntryFlag) *kernel.Error
}

var (
	kernelHeap Allocator

	// allocErrorFn is invoked when an allocation request cannot be
	// satisfied. It must not return.
	allocErrorFn = defaultAllocError

	errAllocFailed = &kernel.Error{Module: "heap", Message: "allocation failed"}
)

// Init maps the kernel heap region and initializes the kernel heap over it.
func Init(mapper Mapper) *kernel.Error {
	if err := mapper.MapRange(HeapStart, HeapSize, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return err
	}

	kernelHeap.Init(HeapStart, HeapSize)
	return nil
}

// Alloc reserves size bytes aligned to align from the kernel heap. It never
// returns 0; allocation failures halt the system.
func Alloc(size, align uintptr) uintptr {
	return kernelHeap.Alloc(Layout{Size: size, Align: align})
}

// Free releases a block previously obtained via Alloc with the same size and
// alignment.
func Free(addr, size, align uintptr) {
	kernelHeap.Free(addr, Layout{Size: size, Align: align})
}

// KernelStats returns the kernel heap statistics.
func KernelStats() Stats {
	return kernelHeap.Stats()
}

// SetTrace enables or disables logging of kernel heap requests.
func SetTrace(enabled bool) {
	kernelHeap.SetTrace(enabled)
}

// SetAllocErrorHandler overrides the function invoked when an allocation
// fails and returns the previous handler. Passing nil restores the default
// handler which prints the failed layout and halts.
func SetAllocErrorHandler(fn func(Layout)) func(Layout) {
	prev := allocErrorFn
	if fn == nil {
		fn = defaultAllocError
	}
	allocErrorFn = fn
	return prev
}

func defaultAllocError(layout Layout) {
	kfmt.Printf("memory allocation of %d bytes (align %d) failed\n", layout.Size, layout.Align)
	panic(errAllocFailed)
}
