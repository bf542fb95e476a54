package main

import "github.com/akeamc/aaos/kernel/kmain"

var (
	multibootInfoPtr uintptr
	physOffset       uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
// The boot trampoline fills them in before jumping to Kmain.
func main() {
	kmain.Kmain(multibootInfoPtr, physOffset, kernelStart, kernelEnd)
}
