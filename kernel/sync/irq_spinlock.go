package sync

import "github.com/akeamc/aaos/kernel/cpu"

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IRQSpinlock is a Spinlock that keeps interrupts disabled for as long as it
// is held. Any lock that an interrupt handler may also acquire must be an
// IRQSpinlock: if a handler fires while the interrupted foreground code holds
// a plain Spinlock, the handler spins forever since the holder can never run
// to release it.
//
// The interrupt-enable state observed by Acquire is restored by Release so
// IRQSpinlocks may be nested and may be used from code that already runs with
// interrupts disabled. Callers are expected to pair Acquire with a deferred
// Release so the lock is dropped on every exit path, panics included.
type IRQSpinlock struct {
	lock Spinlock

	// restoreIF is only accessed by the lock holder.
	restoreIF bool
}

// Acquire disables interrupts and then spins until the lock is available.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()

	l.lock.Acquire()
	l.restoreIF = enabled
}

// Release relinquishes the lock and re-enables interrupts if they were
// enabled when the lock was acquired.
func (l *IRQSpinlock) Release() {
	restore := l.restoreIF
	l.restoreIF = false
	l.lock.Release()

	if restore {
		enableInterruptsFn()
	}
}

// WithoutInterrupts runs fn with interrupts disabled and restores the
// previous interrupt-enable state once fn returns or panics.
func WithoutInterrupts(fn func()) {
	if !interruptsEnabledFn() {
		fn()
		return
	}

	disableInterruptsFn()
	defer enableInterruptsFn()
	fn()
}

// MockInterruptControl replaces the functions used to inspect and toggle the
// CPU interrupt flag and returns a function that restores the originals. It
// allows host tests of packages that use IRQSpinlock to run outside ring 0,
// where CLI and STI fault.
func MockInterruptControl(enabled func() bool, disable, enable func()) (restore func()) {
	origEnabled, origDisable, origEnable := interruptsEnabledFn, disableInterruptsFn, enableInterruptsFn
	interruptsEnabledFn, disableInterruptsFn, enableInterruptsFn = enabled, disable, enable

	return func() {
		interruptsEnabledFn, disableInterruptsFn, enableInterruptsFn = origEnabled, origDisable, origEnable
	}
}
