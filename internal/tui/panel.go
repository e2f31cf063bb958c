package tui

import (
	"strconv"
	"sync"

	"github.com/trybotster/botster-hub/internal/vt100"
)

// FocusState tracks a panel's connection lifecycle.
type FocusState int

const (
	PanelIdle FocusState = iota
	PanelConnecting
	PanelConnected
	PanelDisconnected
)

// PanelKey identifies a panel by its PTY binding.
type PanelKey struct {
	AgentIndex int
	PtyIndex   int
}

// Panel renders one PTY session: a terminal parser, a scroll offset, the
// last known inner area and the stream's kitty flag.
type Panel struct {
	Key PanelKey

	// parser is the terminal emulator fed by the subscription stream.
	parser *vt100.Emulator

	// ScrollOffset is the view offset in lines from the bottom.
	ScrollOffset int

	// State tracks the subscription lifecycle.
	State FocusState

	// Cols and Rows are the last known inner area.
	Cols uint16
	Rows uint16

	// Kitty mirrors the stream's kitty keyboard flag.
	Kitty bool

	// SubscriptionID names the forwarder stream feeding this panel.
	SubscriptionID string

	// Prefix is the stream's frame tag byte.
	Prefix byte

	mu sync.Mutex
}

// newPanel creates a panel with a parser sized to the inner area.
func newPanel(key PanelKey, cols, rows uint16, subID string, prefix byte) *Panel {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return &Panel{
		Key:            key,
		parser:         vt100.NewWithScrollback(int(cols), int(rows), vt100.DefaultScrollbackLines),
		State:          PanelConnecting,
		Cols:           cols,
		Rows:           rows,
		SubscriptionID: subID,
		Prefix:         prefix,
	}
}

// Feed processes one chunk of raw terminal bytes.
func (p *Panel) Feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parser.Feed(data)
	p.State = PanelConnected
}

// Resize adjusts the parser to a new inner area. A resize matching the
// current area is a no-op; returns whether anything changed.
func (p *Panel) Resize(cols, rows uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cols == p.Cols && rows == p.Rows {
		return false
	}
	p.Cols = cols
	p.Rows = rows
	p.parser.Resize(int(cols), int(rows))
	return true
}

// Cells returns the parser's cell grid for drawing.
func (p *Panel) Cells() [][]vt100.Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parser.Cells()
}

// ScrollbackLines returns lines above the screen for scrolled views.
func (p *Panel) ScrollbackLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parser.ScrollbackLines()
}

// ScrollbackCount returns the number of buffered scrollback lines.
func (p *Panel) ScrollbackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parser.ScrollbackLen()
}

// CursorPosition returns the parser's cursor location.
func (p *Panel) CursorPosition() (row, col int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parser.Cursor()
}

// ScrollBy adjusts the view offset, clamped to the scrollback.
func (p *Panel) ScrollBy(lines int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ScrollOffset += lines
	if p.ScrollOffset < 0 {
		p.ScrollOffset = 0
	}
	if max := p.parser.ScrollbackLen(); p.ScrollOffset > max {
		p.ScrollOffset = max
	}
}

// ScrollToTop jumps to the oldest buffered line.
func (p *Panel) ScrollToTop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScrollOffset = p.parser.ScrollbackLen()
}

// ScrollToBottom returns the view to live output.
func (p *Panel) ScrollToBottom() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScrollOffset = 0
}

// panelPool is the set of live panels keyed by PTY binding, with a prefix
// index for routing inbound tagged frames.
type panelPool struct {
	panels   map[PanelKey]*Panel
	byPrefix map[byte]*Panel

	// nextPrefix allocates tag bytes for new subscriptions.
	nextPrefix byte
}

func newPanelPool() *panelPool {
	return &panelPool{
		panels:     make(map[PanelKey]*Panel),
		byPrefix:   make(map[byte]*Panel),
		nextPrefix: 0x01,
	}
}

// ensure returns the panel for a key, creating it with a fresh tag byte
// when missing.
func (pp *panelPool) ensure(key PanelKey, cols, rows uint16) *Panel {
	if p, ok := pp.panels[key]; ok {
		return p
	}

	prefix := pp.nextPrefix
	pp.nextPrefix++
	if pp.nextPrefix == 0 {
		pp.nextPrefix = 0x01
	}

	subID := subscriptionID(key)
	p := newPanel(key, cols, rows, subID, prefix)
	pp.panels[key] = p
	pp.byPrefix[prefix] = p
	return p
}

// get returns the panel for a key.
func (pp *panelPool) get(key PanelKey) (*Panel, bool) {
	p, ok := pp.panels[key]
	return p, ok
}

// route returns the panel owning a frame's tag byte.
func (pp *panelPool) route(prefix byte) (*Panel, bool) {
	p, ok := pp.byPrefix[prefix]
	return p, ok
}

// remove drops a panel.
func (pp *panelPool) remove(key PanelKey) {
	if p, ok := pp.panels[key]; ok {
		delete(pp.byPrefix, p.Prefix)
		delete(pp.panels, key)
	}
}

// keys lists the live panel keys.
func (pp *panelPool) keys() []PanelKey {
	out := make([]PanelKey, 0, len(pp.panels))
	for k := range pp.panels {
		out = append(out, k)
	}
	return out
}

// subscriptionID names a panel's forwarder stream.
func subscriptionID(key PanelKey) string {
	return "tui-" + strconv.Itoa(key.AgentIndex) + "-" + strconv.Itoa(key.PtyIndex)
}
