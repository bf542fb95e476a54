//go:build !kernel

package goruntime

// Hosted builds link against the real runtime, which has already been
// initialized and rejects linkname references to its internals. Tests
// replace the hooks through the corresponding function variables.

var physPageSize uintptr

func algInit()       {}
func modulesInit()   {}
func typeLinksInit() {}
func itabsInit()     {}
func mallocInit()    {}
func randInit()      {}
