package gate

import (
	"encoding/binary"
	"unsafe"

	"github.com/akeamc/aaos/kernel/cpu"
	"github.com/akeamc/aaos/kernel/mm"
)

// segmentDescriptor represents a 64-bit segment descriptor.
type segmentDescriptor uint64

// Segment indices in the GDT. A 64-bit TSS descriptor spans two slots.
const (
	// Mandatory null selector.
	_ = iota
	segmentKernelCode
	segmentKernelData
	segmentTSS
	segmentTSSHigh
	segmentEnd
)

// Segment selectors for ring 0.
const (
	KernelCodeSelector = uint16(segmentKernelCode << 3)
	KernelDataSelector = uint16(segmentKernelData << 3)
	tssSelector        = uint16(segmentTSS << 3)
)

type segmentFlags uint32

const (
	segFlagAccess  segmentFlags = 1 << 8
	segFlagWrite   segmentFlags = 1 << 9
	segFlagCode    segmentFlags = 1 << 11
	segFlagSystem  segmentFlags = 1 << 12
	segFlagPresent segmentFlags = 1 << 15
	segFlagLong    segmentFlags = 1 << 21
)

// doubleFaultStackSize is the size of the dedicated double fault stack.
const doubleFaultStackSize = 5 * mm.PageSize

// istStack is a stack referenced by the interrupt stack table.
type istStack [doubleFaultStackSize]byte

// top returns the 16-byte aligned address just past the end of the stack.
func (s *istStack) top() uintptr {
	return (uintptr(unsafe.Pointer(&s[0])) + unsafe.Sizeof(*s)) &^ 0xf
}

// taskStateSegment describes the 104-byte amd64 TSS. Hardware task switching
// is not available in long mode; the TSS only supplies stack pointers.
type taskStateSegment [26]uint32

// setIST sets the stack pointer for interrupt stack table slot idx (1-based).
func (t *taskStateSegment) setIST(idx int, rsp uintptr) {
	t[7+idx*2] = uint32(rsp)
	t[7+idx*2+1] = uint32(rsp >> 32)
}

// ist returns the stack pointer stored in interrupt stack table slot idx.
func (t *taskStateSegment) ist(idx int) uintptr {
	return uintptr(t[7+idx*2]) | uintptr(t[7+idx*2+1])<<32
}

// setIOMapBase sets the offset of the I/O permission bitmap. Setting it to
// the TSS size denies all port access outside ring 0.
func (t *taskStateSegment) setIOMapBase(offset uint16) {
	t[25] = uint32(offset) << 16
}

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadGDTFn          = cpu.LoadGDT
	reloadSegmentsFn   = cpu.ReloadSegments
	loadTaskRegisterFn = cpu.LoadTaskRegister

	gdt              [segmentEnd]segmentDescriptor
	tss              taskStateSegment
	doubleFaultStack istStack

	// gdtr holds the 10-byte GDT descriptor loaded via LGDT.
	gdtr [10]byte
)

// installGDT builds the GDT and TSS, loads them and reloads the segment
// registers.
func installGDT() {
	tss.setIST(DoubleFaultISTIndex, doubleFaultStack.top())
	tss.setIOMapBase(uint16(unsafe.Sizeof(tss)))

	tssAddr := uintptr(unsafe.Pointer(&tss))
	gdt[segmentKernelCode] = newSegmentDescriptor(0, 0, segFlagSystem|segFlagCode|segFlagWrite|segFlagLong)
	gdt[segmentKernelData] = newSegmentDescriptor(0, 0, segFlagSystem|segFlagWrite)
	gdt[segmentTSS] = newSegmentDescriptor(uint32(tssAddr), uint32(unsafe.Sizeof(tss)-1), segFlagAccess|segFlagCode)
	gdt[segmentTSSHigh] = segmentDescriptor(tssAddr >> 32)

	loadGDTFn(tableRegister(&gdtr, uintptr(unsafe.Pointer(&gdt)), unsafe.Sizeof(gdt)))
	reloadSegmentsFn(KernelCodeSelector, KernelDataSelector)
	loadTaskRegisterFn(tssSelector)
}

// newSegmentDescriptor encodes a present ring 0 segment descriptor.
func newSegmentDescriptor(base, limit uint32, flags segmentFlags) segmentDescriptor {
	flags |= segFlagPresent
	w0 := base<<16 | limit&0xffff
	w1 := base&0xff000000 | limit&0xf0000 | uint32(flags) | (base>>16)&0xff
	return segmentDescriptor(uint64(w1)<<32 | uint64(w0))
}

// tableRegister fills reg with the 10-byte value expected by LGDT and LIDT (a
// 16-bit limit followed by the 64-bit base address) and returns its address.
func tableRegister(reg *[10]byte, base, size uintptr) uintptr {
	binary.LittleEndian.PutUint16(reg[:2], uint16(size-1))
	binary.LittleEndian.PutUint64(reg[2:], uint64(base))
	return uintptr(unsafe.Pointer(reg))
}
