//go:build selftest

package kmain

import "github.com/akeamc/aaos/kernel/selftest"

// run executes the in-kernel test suite, which reports its result through
// the diagnostic exit port.
func run() {
	selftest.Run()
}
