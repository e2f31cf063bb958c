package qr

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const sampleURL = "https://trybotster.com/hubs/abc123#MFRGGZDFMZTWQ2LK"

func TestRenderSmallPayload(t *testing.T) {
	lines, err := Render("hello", 80, 40)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("no lines produced")
	}
}

func TestRenderConnectionURL(t *testing.T) {
	lines, err := Render(sampleURL, 120, 60)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if len(lines) < 10 {
		t.Errorf("suspiciously small code: %d rows", len(lines))
	}
}

func TestRenderRowsAreUniformWidth(t *testing.T) {
	lines, err := Render(sampleURL, 120, 60)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	width := utf8.RuneCountInString(lines[0])
	for i, line := range lines {
		if got := utf8.RuneCountInString(line); got != width {
			t.Errorf("row %d width = %d, want %d", i, got, width)
		}
	}
}

func TestRenderAspectIsHalved(t *testing.T) {
	lines, err := Render(sampleURL, 200, 200)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	width := utf8.RuneCountInString(lines[0])
	// Two module rows fold into one terminal row.
	if got := len(lines); got != (width+1)/2 {
		t.Errorf("rows = %d for width %d, want %d", got, width, (width+1)/2)
	}
}

func TestRenderUsesOnlyBlockCharacters(t *testing.T) {
	lines, err := Render(sampleURL, 120, 60)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	for _, line := range lines {
		for _, r := range line {
			switch r {
			case '█', '▀', '▄', ' ':
			default:
				t.Fatalf("unexpected rune %q in output", r)
			}
		}
	}
}

func TestRenderTooSmallErrors(t *testing.T) {
	if _, err := Render(sampleURL, 10, 5); err == nil {
		t.Error("tiny terminal should not fit a code")
	}
	if Fits(sampleURL, 10, 5) {
		t.Error("Fits = true for a tiny terminal")
	}
}

func TestRenderEmptyPayloadErrors(t *testing.T) {
	if _, err := Render("", 80, 40); err == nil {
		t.Error("empty payload should error")
	}
}

func TestRenderFallsBackToLowerRecovery(t *testing.T) {
	// A payload long enough that High recovery cannot fit this area but
	// a lower level can.
	long := strings.Repeat("PAYLOAD", 40)

	wide, err := Render(long, 250, 125)
	if err != nil {
		t.Fatalf("wide render failed: %v", err)
	}

	narrow, err := Render(long, utf8.RuneCountInString(wide[0])-4, 125)
	if err != nil {
		// Acceptable: no lower level fits either.
		return
	}
	if utf8.RuneCountInString(narrow[0]) >= utf8.RuneCountInString(wide[0]) {
		t.Error("narrower bound did not produce a smaller code")
	}
}

func TestRenderInvertedSwapsBlocks(t *testing.T) {
	plain, err := Render(sampleURL, 120, 60)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	inverted, err := RenderInverted(sampleURL, 120, 60)
	if err != nil {
		t.Fatalf("RenderInverted failed: %v", err)
	}

	if len(plain) != len(inverted) {
		t.Fatalf("row counts differ: %d vs %d", len(plain), len(inverted))
	}

	// The quiet zone is light in the plain rendering and dark inverted.
	if !strings.HasPrefix(plain[0], " ") {
		t.Errorf("plain quiet zone not light: %q", plain[0][:3])
	}
	if !strings.HasPrefix(inverted[0], "█") {
		t.Errorf("inverted quiet zone not dark: %q", inverted[0][:3])
	}
}

func TestFits(t *testing.T) {
	if !Fits("hello", 80, 40) {
		t.Error("small payload should fit a normal terminal")
	}
}
