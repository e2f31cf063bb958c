// Package vt100 provides the terminal emulation behind TUI panels.
//
// Each panel owns one Emulator, fed by its PTY forwarder stream. The
// emulation itself is github.com/charmbracelet/x/vt, which handles the
// alternate screen buffer (CSI ?1049h/l), carriage-return in-place updates
// (spinners, progress bars) and xterm-256color sequences; this package
// narrows it to the cell grid and scrollback the render tree consumes.
package vt100

import (
	"image/color"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// DefaultScrollbackLines is the scrollback retained per panel.
const DefaultScrollbackLines = 10000

// Cell is one rendered cell: the rune plus the formatting the TUI maps to
// backend styles.
type Cell struct {
	Char rune
	FG   color.Color
	BG   color.Color
	Bold bool
	Dim  bool
}

// Emulator is a panel's terminal state.
type Emulator struct {
	term vt.Terminal

	cols, rows int

	// scrollback holds lines that scrolled off the top, newest last.
	scrollback []string
	limit      int

	mu sync.Mutex
}

// New creates an emulator with the default scrollback limit.
func New(cols, rows int) *Emulator {
	return NewWithScrollback(cols, rows, DefaultScrollbackLines)
}

// NewWithScrollback creates an emulator with a custom scrollback limit.
func NewWithScrollback(cols, rows, limit int) *Emulator {
	if limit <= 0 {
		limit = DefaultScrollbackLines
	}
	return &Emulator{
		// SafeEmulator serializes writes against reads internally.
		term:  vt.NewSafeEmulator(cols, rows),
		cols:  cols,
		rows:  rows,
		limit: limit,
	}
}

// Feed processes a chunk of raw terminal output.
func (e *Emulator) Feed(data []byte) {
	e.term.Write(data)
}

// Resize changes the emulated dimensions.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cols = cols
	e.rows = rows
	e.term.Resize(cols, rows)
}

// Size returns the emulated dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// Cursor returns the cursor position as (row, col).
func (e *Emulator) Cursor() (row, col int) {
	pos := e.term.CursorPosition()
	return pos.Y, pos.X
}

// cellAt converts one underlying cell, defaulting to a blank.
func (e *Emulator) cellAt(x, y int) Cell {
	raw := e.term.CellAt(x, y)
	cell := Cell{Char: ' '}
	if raw == nil {
		return cell
	}

	// Content is a grapheme cluster; the grid renders its first rune.
	if raw.Content != "" {
		runes := []rune(raw.Content)
		if len(runes) > 0 {
			cell.Char = runes[0]
		}
	}
	cell.FG = raw.Style.Fg
	cell.BG = raw.Style.Bg
	cell.Bold = raw.Style.Attrs&uv.AttrBold != 0
	cell.Dim = raw.Style.Attrs&uv.AttrFaint != 0
	return cell
}

// Cells returns the visible grid for cell-by-cell rendering.
func (e *Emulator) Cells() [][]Cell {
	e.mu.Lock()
	defer e.mu.Unlock()

	grid := make([][]Cell, e.rows)
	for y := 0; y < e.rows; y++ {
		grid[y] = make([]Cell, e.cols)
		for x := 0; x < e.cols; x++ {
			grid[y][x] = e.cellAt(x, y)
		}
	}
	return grid
}

// Lines returns the visible screen as plain text rows.
func (e *Emulator) Lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	lines := make([]string, e.rows)
	for y := 0; y < e.rows; y++ {
		var sb strings.Builder
		sb.Grow(e.cols)
		for x := 0; x < e.cols; x++ {
			sb.WriteRune(e.cellAt(x, y).Char)
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// PushScrollback records a line that scrolled off the top, evicting the
// oldest past the limit.
func (e *Emulator) PushScrollback(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.scrollback = append(e.scrollback, line)
	if len(e.scrollback) > e.limit {
		e.scrollback = e.scrollback[1:]
	}
}

// ScrollbackLines returns a copy of the scrollback, oldest first.
func (e *Emulator) ScrollbackLines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, len(e.scrollback))
	copy(out, e.scrollback)
	return out
}

// ScrollbackLen returns the number of buffered scrollback lines.
func (e *Emulator) ScrollbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scrollback)
}

// ClearScrollback drops the scrollback.
func (e *Emulator) ClearScrollback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scrollback = e.scrollback[:0]
}

// Reset clears attributes, both screens and the cursor position.
func (e *Emulator) Reset() {
	e.term.Write([]byte("\x1b[0m\x1b[2J\x1b[3J\x1b[H"))
}
