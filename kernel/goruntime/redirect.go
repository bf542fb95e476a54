package goruntime

import (
	"unsafe"

	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/mm/vmm"
)

const (
	// maxRedirects is the capacity of the redirect table.
	maxRedirects = 32

	// redirectTableMagic marks the table in the kernel image so that the
	// host tool can verify it located the right symbol before patching.
	redirectTableMagic = 0x31_4c_42_54_52_44_52_47 // "GRDRTBL1"

	// jmp qword ptr [rip+0] followed by the 64-bit target address. No
	// register is clobbered so the redirect target sees the original
	// arguments.
	jumpInsnLen = 14
)

type redirectEntry struct {
	src uintptr
	dst uintptr
}

// redirectTable is filled in by "kerntool redirects" after the kernel image
// has been linked. Each entry replaces the function at src with a jump to
// dst. The magic value forces the table into an initialized data section.
type redirectTable struct {
	magic   uint64
	count   uint64
	entries [maxRedirects]redirectEntry
}

var (
	redirects = redirectTable{magic: redirectTableMagic}

	translateFn  = vmm.Translate
	physOffsetFn = func() uintptr { return vmm.KernelMapper().PhysOffset }
	writeByteFn  = func(addr uintptr, b byte) { *(*byte)(unsafe.Pointer(addr)) = b }

	errRedirectTableCorrupt = &kernel.Error{Module: "goruntime", Message: "redirect table is corrupt"}
)

// applyRedirects patches every function listed in the redirect table with a
// jump to its replacement. Kernel text is mapped read-only so the patches
// are written through the physical memory window instead.
func applyRedirects() *kernel.Error {
	if redirects.magic != redirectTableMagic || redirects.count > maxRedirects {
		return errRedirectTableCorrupt
	}

	physOffset := physOffsetFn()
	for i := uint64(0); i < redirects.count; i++ {
		entry := &redirects.entries[i]
		if err := patchJump(physOffset, entry.src, entry.dst); err != nil {
			return err
		}
	}

	return nil
}

// patchJump overwrites the first instructions at src with a jump to dst. The
// instruction may straddle a page boundary so every byte is translated.
func patchJump(physOffset, src, dst uintptr) *kernel.Error {
	var insn [jumpInsnLen]byte
	insn[0], insn[1] = 0xff, 0x25
	for i := 0; i < 8; i++ {
		insn[6+i] = byte(dst >> (8 * i))
	}

	for i, b := range insn {
		physAddr, err := translateFn(src + uintptr(i))
		if err != nil {
			return err
		}
		writeByteFn(physOffset+physAddr, b)
	}

	return nil
}
