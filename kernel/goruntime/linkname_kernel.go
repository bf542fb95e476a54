//go:build kernel

package goruntime

import (
	_ "unsafe" // required for go:linkname
)

// The runtime normally learns the page size from the auxiliary vector.
//
//go:linkname physPageSize runtime.physPageSize
var physPageSize uintptr

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname randInit runtime.randinit
func randInit()
