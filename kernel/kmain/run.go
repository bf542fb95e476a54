//go:build !selftest

package kmain

import (
	"github.com/akeamc/aaos/device/keyboard"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/timer"
)

var (
	readKeyFn = keyboard.ReadKey
	haltFn    = timer.Halt
)

// run echoes keyboard input to the active output sink, halting the CPU
// between interrupts. It never returns.
func run() {
	kfmt.Printf("> ")
	for {
		echoStep()
	}
}

// echoStep prints every character queued by the keyboard driver and then
// waits for the next interrupt.
func echoStep() {
	for {
		ch, ok := readKeyFn()
		if !ok {
			break
		}

		switch ch {
		case '\n':
			kfmt.Printf("\n> ")
		case '\b':
			kfmt.Printf("\b \b")
		default:
			kfmt.Printf("%c", ch)
		}
	}

	haltFn()
}
