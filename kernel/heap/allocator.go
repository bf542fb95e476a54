// Package heap implements the kernel heap: a first-fit allocator that keeps
// an address-ordered list of free blocks inside the memory it manages.
package heap

import (
	"unsafe"

	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/mm"
	"github.com/akeamc/aaos/kernel/sync"
)

// freeBlock is the header stored at the start of every free block.
type freeBlock struct {
	size uintptr
	next uintptr
}

const (
	// minBlockSize is the smallest block that can hold a free list header.
	// Allocations are rounded up to it so that any freed block can be put
	// back on the list.
	minBlockSize = unsafe.Sizeof(freeBlock{})

	// blockAlign is the minimum alignment of every block.
	blockAlign = unsafe.Alignof(freeBlock{})
)

var (
	errInvalidFree = &kernel.Error{Module: "heap", Message: "free of memory not owned by the heap"}
	errDoubleFree  = &kernel.Error{Module: "heap", Message: "freed block overlaps a free block"}
	errBadAlign    = &kernel.Error{Module: "heap", Message: "alignment is not a power of two"}
)

// Layout describes the size and alignment of an allocation. The same layout
// that was passed to Alloc must be passed to Free.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// normalize returns the size and alignment that are actually reserved for l.
// It reports false if rounding the size up to the block alignment overflows.
func (l Layout) normalize() (size, align uintptr, ok bool) {
	align = l.Align
	if align < blockAlign {
		align = blockAlign
	}
	if align&(align-1) != 0 {
		panic(errBadAlign)
	}

	size = l.Size
	if size < minBlockSize {
		size = minBlockSize
	}
	if size > ^uintptr(0)-blockAlign+1 {
		return 0, align, false
	}
	return mm.AlignUp(size, blockAlign), align, true
}

// Stats summarizes the state of an Allocator.
type Stats struct {
	// Capacity is the number of bytes managed by the allocator.
	Capacity uintptr

	// Used is the number of bytes handed out, including padding.
	Used uintptr

	// FreeBlocks is the number of entries in the free list.
	FreeBlocks int

	// LargestFree is the size of the largest free block.
	LargestFree uintptr

	Allocs, Frees uint64
}

// Allocator manages a contiguous, mapped region of memory. The zero value
// manages no memory and fails all allocations.
type Allocator struct {
	lock sync.IRQSpinlock

	// head is the address of the lowest free block or 0 if the list is
	// empty.
	head uintptr

	start, end uintptr
	used       uintptr

	allocs, frees uint64

	// trace enables logging of every Alloc and Free call.
	trace bool
}

func blockAt(addr uintptr) *freeBlock {
	return (*freeBlock)(unsafe.Pointer(addr))
}

// Init hands the region [start, start+size) to the allocator. The region must
// be mapped and writable, and start must be suitably aligned for a free block
// header. Any state from a previous Init call is discarded.
func (a *Allocator) Init(start, size uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()

	size = mm.AlignDown(size, blockAlign)
	a.start, a.end = start, start+size
	a.used, a.allocs, a.frees = 0, 0, 0
	a.head = 0

	if size >= minBlockSize {
		blk := blockAt(start)
		blk.size = size
		blk.next = 0
		a.head = start
	}
}

// SetTrace enables or disables logging of allocation requests.
func (a *Allocator) SetTrace(enabled bool) {
	a.trace = enabled
}

// Alloc reserves a block matching layout and returns its address. If no free
// block can satisfy the request, the allocation error handler is invoked and
// Alloc does not return.
func (a *Allocator) Alloc(layout Layout) uintptr {
	size, align, ok := layout.normalize()
	if !ok {
		allocErrorFn(layout)
		return 0
	}

	a.lock.Acquire()
	addr := a.alloc(size, align)
	if addr != 0 {
		a.used += size
		a.allocs++
	}
	a.lock.Release()

	if addr == 0 {
		allocErrorFn(layout)
		return 0
	}

	if a.trace {
		kfmt.Printf("[heap] alloc %d/%d -> 0x%x\n", layout.Size, layout.Align, addr)
	}
	return addr
}

// alloc performs a first-fit search. A block is split when the request does
// not consume it entirely; blocks that would leave a fragment smaller than a
// free list header on either side of the allocation are skipped.
func (a *Allocator) alloc(size, align uintptr) uintptr {
	for link := &a.head; *link != 0; link = &blockAt(*link).next {
		addr := *link
		blk := blockAt(addr)
		blockEnd := addr + blk.size

		allocStart := mm.AlignUp(addr, align)
		if front := allocStart - addr; front != 0 && front < minBlockSize {
			allocStart = mm.AlignUp(addr+minBlockSize, align)
		}

		allocEnd := allocStart + size
		if allocStart < addr || allocEnd < allocStart || allocEnd > blockEnd {
			continue
		}

		back := blockEnd - allocEnd
		if back != 0 && back < minBlockSize {
			continue
		}

		next := blk.next
		if back != 0 {
			tail := blockAt(allocEnd)
			tail.size = back
			tail.next = next
			next = allocEnd
		}

		if allocStart != addr {
			blk.size = allocStart - addr
			blk.next = next
		} else {
			*link = next
		}

		return allocStart
	}

	return 0
}

// Free returns a block obtained via Alloc with the same layout to the free
// list, merging it with adjacent free blocks.
func (a *Allocator) Free(addr uintptr, layout Layout) {
	size, _, ok := layout.normalize()

	a.lock.Acquire()
	defer a.lock.Release()

	if !ok || addr < a.start || addr+size > a.end || addr+size < addr {
		panic(errInvalidFree)
	}

	var (
		link = &a.head
		prev uintptr
	)
	for *link != 0 && *link < addr {
		prev = *link
		link = &blockAt(prev).next
	}
	next := *link

	if (prev != 0 && prev+blockAt(prev).size > addr) || (next != 0 && addr+size > next) {
		panic(errDoubleFree)
	}

	blk := blockAt(addr)
	blk.size = size
	blk.next = next
	if next != 0 && addr+size == next {
		blk.size += blockAt(next).size
		blk.next = blockAt(next).next
	}

	if prev != 0 && prev+blockAt(prev).size == addr {
		p := blockAt(prev)
		p.size += blk.size
		p.next = blk.next
	} else {
		*link = addr
	}

	a.used -= size
	a.frees++

	if a.trace {
		kfmt.Printf("[heap] free 0x%x (%d/%d)\n", addr, layout.Size, layout.Align)
	}
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	st := Stats{
		Capacity: a.end - a.start,
		Used:     a.used,
		Allocs:   a.allocs,
		Frees:    a.frees,
	}

	for addr := a.head; addr != 0; addr = blockAt(addr).next {
		st.FreeBlocks++
		if size := blockAt(addr).size; size > st.LargestFree {
			st.LargestFree = size
		}
	}

	return st
}
