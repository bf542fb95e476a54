package keyboard

// Scancode set 1 make codes with special meaning.
const (
	scLeftShift  = 0x2a
	scRightShift = 0x36
	scCapsLock   = 0x3a
	scExtended   = 0xe0
	scBreakBit   = 0x80
)

// US layout indexed by set 1 make code. Zero entries produce no character.
const (
	keymapNormal  = "\x00\x1b1234567890-=\b\tqwertyuiop[]\n\x00asdfghjkl;'`\x00\\zxcvbnm,./\x00*\x00 "
	keymapShifted = "\x00\x1b!@#$%^&*()_+\b\tQWERTYUIOP{}\n\x00ASDFGHJKL:\"~\x00|ZXCVBNM<>?\x00*\x00 "
)

// Decoder translates a stream of set 1 scancodes into ASCII characters using
// the US keyboard layout.
type Decoder struct {
	shift    bool
	capsLock bool
	extended bool
}

// Feed processes one scancode. It returns the produced character and true if
// the scancode completed a printable key press.
func (d *Decoder) Feed(sc byte) (byte, bool) {
	if sc == scExtended {
		d.extended = true
		return 0, false
	}

	// Extended keys (arrows, right ctrl, ...) have no ASCII mapping
	if d.extended {
		d.extended = false
		return 0, false
	}

	released := sc&scBreakBit != 0
	code := sc &^ scBreakBit

	switch code {
	case scLeftShift, scRightShift:
		d.shift = !released
		return 0, false
	case scCapsLock:
		if !released {
			d.capsLock = !d.capsLock
		}
		return 0, false
	}

	if released || int(code) >= len(keymapNormal) {
		return 0, false
	}

	ch := keymapNormal[code]
	if d.shift {
		ch = keymapShifted[code]
	}

	if d.capsLock && isLetter(ch) {
		ch ^= 0x20
	}

	return ch, ch != 0
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
