// Package mm defines the frame and page types shared by the physical and
// virtual memory managers.
package mm

import (
	"math"

	"github.com/akeamc/aaos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains physAddr. Unaligned
// addresses are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(AlignDown(physAddr, PageSize) >> PageShift)
}

// FrameAllocator is implemented by types that hand out unused physical frames.
// Exhaustion is reported via a non-nil error; callers in this kernel treat it
// as fatal.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)
}

// FrameAllocatorFunc adapts an ordinary function to the FrameAllocator
// interface.
type FrameAllocatorFunc func() (Frame, *kernel.Error)

// AllocFrame calls fn().
func (fn FrameAllocatorFunc) AllocFrame() (Frame, *kernel.Error) {
	return fn()
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains virtAddr. Unaligned addresses
// are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(AlignDown(virtAddr, PageSize) >> PageShift)
}

// AlignUp rounds v up to the next multiple of align which must be a power
// of 2.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align which must be a power of 2.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}
