package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// KeyInput is one decoded keystroke: a portable descriptor for script
// keymaps plus the original raw bytes so unbound keys pass through to the
// PTY losslessly.
type KeyInput struct {
	// Descriptor is the portable key name, e.g. "ctrl+p", "shift+enter".
	Descriptor string

	// Raw is the byte sequence the key would have produced on the wire.
	Raw []byte
}

// descriptorFor converts a tcell key event into a portable descriptor and
// its raw byte form.
func descriptorFor(ev *tcell.EventKey) KeyInput {
	var mods []string
	if ev.Modifiers()&tcell.ModCtrl != 0 {
		mods = append(mods, "ctrl")
	}
	if ev.Modifiers()&tcell.ModAlt != 0 {
		mods = append(mods, "alt")
	}
	if ev.Modifiers()&tcell.ModShift != 0 {
		mods = append(mods, "shift")
	}

	name, raw := keyNameAndBytes(ev)

	// Control keys and backtab already carry their modifier in the name;
	// don't prefix it twice.
	filtered := mods[:0]
	for _, m := range mods {
		if !strings.HasPrefix(name, m+"+") {
			filtered = append(filtered, m)
		}
	}

	descriptor := name
	if len(filtered) > 0 && name != "" {
		// Plain shifted characters keep their rune form ("A", "?");
		// named keys get the modifier prefix.
		if len(name) > 1 || ev.Key() != tcell.KeyRune {
			descriptor = strings.Join(filtered, "+") + "+" + name
		}
	}

	return KeyInput{Descriptor: descriptor, Raw: raw}
}

// keyNameAndBytes maps a tcell key to its name and wire bytes.
func keyNameAndBytes(ev *tcell.EventKey) (string, []byte) {
	switch ev.Key() {
	case tcell.KeyRune:
		r := ev.Rune()
		if ev.Modifiers()&tcell.ModAlt != 0 {
			return string(r), []byte{0x1b, byte(r)}
		}
		return string(r), []byte(string(r))
	case tcell.KeyEnter:
		return "enter", []byte{'\r'}
	case tcell.KeyTab:
		return "tab", []byte{'\t'}
	case tcell.KeyBacktab:
		return "shift+tab", []byte{0x1b, '[', 'Z'}
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		return "backspace", []byte{0x7f}
	case tcell.KeyEscape:
		return "escape", []byte{0x1b}
	case tcell.KeyUp:
		return "up", []byte{0x1b, '[', 'A'}
	case tcell.KeyDown:
		return "down", []byte{0x1b, '[', 'B'}
	case tcell.KeyRight:
		return "right", []byte{0x1b, '[', 'C'}
	case tcell.KeyLeft:
		return "left", []byte{0x1b, '[', 'D'}
	case tcell.KeyHome:
		return "home", []byte{0x1b, '[', 'H'}
	case tcell.KeyEnd:
		return "end", []byte{0x1b, '[', 'F'}
	case tcell.KeyPgUp:
		return "pageup", []byte{0x1b, '[', '5', '~'}
	case tcell.KeyPgDn:
		return "pagedown", []byte{0x1b, '[', '6', '~'}
	case tcell.KeyDelete:
		return "delete", []byte{0x1b, '[', '3', '~'}
	case tcell.KeyInsert:
		return "insert", []byte{0x1b, '[', '2', '~'}
	case tcell.KeyF1, tcell.KeyF2, tcell.KeyF3, tcell.KeyF4, tcell.KeyF5,
		tcell.KeyF6, tcell.KeyF7, tcell.KeyF8, tcell.KeyF9, tcell.KeyF10,
		tcell.KeyF11, tcell.KeyF12:
		n := int(ev.Key()-tcell.KeyF1) + 1
		return "f" + itoaSmall(n), fkeyBytes(n)
	}

	// Control characters: tcell reports Ctrl+A..Ctrl+Z as KeyCtrlA etc.
	if ev.Key() >= tcell.KeyCtrlA && ev.Key() <= tcell.KeyCtrlZ {
		letter := byte('a' + (ev.Key() - tcell.KeyCtrlA))
		return "ctrl+" + string(letter), []byte{byte(ev.Key())}
	}
	if ev.Key() == tcell.KeyCtrlRightSq {
		return "ctrl+]", []byte{0x1d}
	}
	if ev.Key() == tcell.KeyCtrlSpace {
		return "ctrl+space", []byte{0x00}
	}

	return "", nil
}

func itoaSmall(n int) string {
	if n < 10 {
		return string(byte('0' + n))
	}
	return string([]byte{'1', byte('0' + n - 10)})
}

// fkeyBytes returns classic xterm function key sequences.
func fkeyBytes(n int) []byte {
	switch n {
	case 1:
		return []byte{0x1b, 'O', 'P'}
	case 2:
		return []byte{0x1b, 'O', 'Q'}
	case 3:
		return []byte{0x1b, 'O', 'R'}
	case 4:
		return []byte{0x1b, 'O', 'S'}
	default:
		// F5..F12 use CSI number ~ encodings.
		codes := map[int]string{5: "15", 6: "17", 7: "18", 8: "19", 9: "20", 10: "21", 11: "23", 12: "24"}
		return []byte("\x1b[" + codes[n] + "~")
	}
}

// pasteBuffer accumulates a bracketed paste so it reaches the PTY as one
// atomic write, wrapped in paste markers so the agent can distinguish a
// paste from typing.
type pasteBuffer struct {
	active bool
	data   []byte
}

// begin starts accumulation.
func (b *pasteBuffer) begin() {
	b.active = true
	b.data = b.data[:0]
}

// add appends pasted content.
func (b *pasteBuffer) add(s string) {
	if b.active {
		b.data = append(b.data, s...)
	}
}

// finish ends accumulation and returns the wrapped paste payload.
func (b *pasteBuffer) finish() []byte {
	b.active = false
	if len(b.data) == 0 {
		return nil
	}

	out := make([]byte, 0, len(b.data)+12)
	out = append(out, []byte("\x1b[200~")...)
	out = append(out, b.data...)
	out = append(out, []byte("\x1b[201~")...)
	b.data = b.data[:0]
	return out
}

// scrollAccumulator batches mouse wheel events within one polling tick
// with a linear ramp (1, 2, 3... lines), flushing as a single scroll when
// a non-scroll event arrives or the tick ends.
type scrollAccumulator struct {
	direction int // +1 up, -1 down, 0 idle
	events    int
	lines     int
}

// add records one wheel event; returns a flush payload when the direction
// reverses.
func (a *scrollAccumulator) add(up bool) (dir int, lines int, flushed bool) {
	d := 1
	if !up {
		d = -1
	}

	if a.direction != 0 && a.direction != d {
		dir, lines = a.direction, a.lines
		flushed = true
		a.direction, a.events, a.lines = 0, 0, 0
	}

	a.direction = d
	a.events++
	a.lines += a.events // linear ramp
	return dir, lines, flushed
}

// flush returns and clears the pending batch.
func (a *scrollAccumulator) flush() (dir int, lines int, ok bool) {
	if a.direction == 0 {
		return 0, 0, false
	}
	dir, lines, ok = a.direction, a.lines, true
	a.direction, a.events, a.lines = 0, 0, 0
	return dir, lines, ok
}

// pending reports whether a batch is waiting.
func (a *scrollAccumulator) pending() bool {
	return a.direction != 0
}
