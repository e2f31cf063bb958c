package tui

import (
	"bytes"
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestDescriptorForRunes(t *testing.T) {
	ev := tcell.NewEventKey(tcell.KeyRune, 'a', tcell.ModNone)
	in := descriptorFor(ev)
	if in.Descriptor != "a" || !bytes.Equal(in.Raw, []byte("a")) {
		t.Errorf("input = %+v", in)
	}
}

func TestDescriptorForCtrlKeys(t *testing.T) {
	ev := tcell.NewEventKey(tcell.KeyCtrlP, rune(tcell.KeyCtrlP), tcell.ModCtrl)
	in := descriptorFor(ev)
	if in.Descriptor != "ctrl+p" {
		t.Errorf("descriptor = %q, want ctrl+p", in.Descriptor)
	}
	if !bytes.Equal(in.Raw, []byte{0x10}) {
		t.Errorf("raw = %#v, want DLE", in.Raw)
	}
}

func TestDescriptorForNamedKeys(t *testing.T) {
	tests := []struct {
		key  tcell.Key
		want string
		raw  []byte
	}{
		{tcell.KeyEnter, "enter", []byte{'\r'}},
		{tcell.KeyTab, "tab", []byte{'\t'}},
		{tcell.KeyEscape, "escape", []byte{0x1b}},
		{tcell.KeyUp, "up", []byte{0x1b, '[', 'A'}},
		{tcell.KeyPgUp, "pageup", []byte{0x1b, '[', '5', '~'}},
		{tcell.KeyBackspace2, "backspace", []byte{0x7f}},
	}

	for _, tt := range tests {
		in := descriptorFor(tcell.NewEventKey(tt.key, 0, tcell.ModNone))
		if in.Descriptor != tt.want {
			t.Errorf("%v: descriptor = %q, want %q", tt.key, in.Descriptor, tt.want)
		}
		if !bytes.Equal(in.Raw, tt.raw) {
			t.Errorf("%v: raw = %#v, want %#v", tt.key, in.Raw, tt.raw)
		}
	}
}

func TestDescriptorShiftedEnter(t *testing.T) {
	in := descriptorFor(tcell.NewEventKey(tcell.KeyEnter, 0, tcell.ModShift))
	if in.Descriptor != "shift+enter" {
		t.Errorf("descriptor = %q, want shift+enter", in.Descriptor)
	}
}

func TestPasteBufferWrapsAtomically(t *testing.T) {
	var b pasteBuffer

	b.begin()
	b.add("line one\n")
	b.add("line two")
	payload := b.finish()

	want := []byte("\x1b[200~line one\nline two\x1b[201~")
	if !bytes.Equal(payload, want) {
		t.Errorf("payload = %q, want %q", payload, want)
	}
	if b.active {
		t.Error("buffer still active after finish")
	}
}

func TestPasteBufferEmptyYieldsNil(t *testing.T) {
	var b pasteBuffer
	b.begin()
	if got := b.finish(); got != nil {
		t.Errorf("empty paste = %q, want nil", got)
	}
}

func TestPasteBufferIgnoresWhenInactive(t *testing.T) {
	var b pasteBuffer
	b.add("stray")
	b.begin()
	b.add("real")
	if got := b.finish(); !bytes.Equal(got, []byte("\x1b[200~real\x1b[201~")) {
		t.Errorf("payload = %q", got)
	}
}

func TestScrollAccumulatorRamp(t *testing.T) {
	var a scrollAccumulator

	a.add(true)
	a.add(true)
	a.add(true)

	dir, lines, ok := a.flush()
	if !ok || dir != 1 {
		t.Fatalf("flush = %d, %d, %v", dir, lines, ok)
	}
	// Linear ramp: 1 + 2 + 3.
	if lines != 6 {
		t.Errorf("lines = %d, want 6", lines)
	}
	if a.pending() {
		t.Error("accumulator still pending after flush")
	}
}

func TestScrollAccumulatorDirectionFlush(t *testing.T) {
	var a scrollAccumulator

	a.add(true)
	a.add(true)
	dir, lines, flushed := a.add(false)
	if !flushed || dir != 1 || lines != 3 {
		t.Errorf("reversal flush = %d, %d, %v", dir, lines, flushed)
	}

	dir, lines, ok := a.flush()
	if !ok || dir != -1 || lines != 1 {
		t.Errorf("down batch = %d, %d, %v", dir, lines, ok)
	}
}

func TestScrollAccumulatorEmptyFlush(t *testing.T) {
	var a scrollAccumulator
	if _, _, ok := a.flush(); ok {
		t.Error("empty accumulator flushed something")
	}
}
