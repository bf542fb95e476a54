// Package sync provides the busy-wait locks that guard every piece of state
// shared between foreground kernel code and interrupt handlers.
package sync

import (
	"sync/atomic"

	"github.com/akeamc/aaos/kernel/cpu"
)

const spinAttemptsBeforeYield = 1000

var (
	// pauseFn is mocked by tests and is automatically inlined by the compiler.
	pauseFn = cpu.Pause

	// yieldFn is invoked every spinAttemptsBeforeYield failed attempts. The
	// kernel has no other execution context to yield to so it stays nil
	// outside of tests.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttemptsBeforeYield)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock spins on a test-and-test-and-set loop; the plain load
// keeps the cache line shared while the lock is held elsewhere.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for attempt := uint32(0); attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
			pauseFn()
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}
