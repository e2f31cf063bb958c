package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/trybotster/botster-hub/internal/vt100"
)

// Widget tags form a closed set; anything else renders as Empty.
const (
	TagEmpty     = "empty"
	TagText      = "text"
	TagList      = "list"
	TagInput     = "input"
	TagParagraph = "paragraph"
	TagBlock     = "block"
	TagTerminal  = "terminal"
	TagHSplit    = "hsplit"
	TagVSplit    = "vsplit"
)

// BlockOpts is a widget's optional border and title.
type BlockOpts struct {
	Title   string
	Borders bool
}

// Widget is one node of the declarative render tree produced by scripts.
type Widget struct {
	Tag      string
	ID       string
	Block    *BlockOpts
	Props    map[string]any
	Children []*Widget
}

// ParseWidget converts a JSON-shaped value from the scripting runtime into
// a widget node. Returns an Empty widget for malformed input.
func ParseWidget(v any) *Widget {
	m, ok := v.(map[string]any)
	if !ok {
		return &Widget{Tag: TagEmpty}
	}

	w := &Widget{Tag: TagEmpty, Props: map[string]any{}}
	if tag, ok := m["tag"].(string); ok {
		w.Tag = strings.ToLower(tag)
	}
	if id, ok := m["id"].(string); ok {
		w.ID = id
	}
	if props, ok := m["props"].(map[string]any); ok {
		w.Props = props
	}
	if block, ok := m["block"].(map[string]any); ok {
		opts := &BlockOpts{}
		if title, ok := block["title"].(string); ok {
			opts.Title = title
		}
		if borders, ok := block["borders"].(bool); ok {
			opts.Borders = borders
		}
		w.Block = opts
	}
	if children, ok := m["children"].([]any); ok {
		for _, c := range children {
			w.Children = append(w.Children, ParseWidget(c))
		}
	}
	return w
}

// stringProp reads a string prop.
func (w *Widget) stringProp(key string) string {
	if v, ok := w.Props[key].(string); ok {
		return v
	}
	return ""
}

// floatProp reads a numeric prop.
func (w *Widget) floatProp(key string, def float64) float64 {
	switch v := w.Props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return def
}

// intProp reads an integer prop.
func (w *Widget) intProp(key string, def int) int {
	switch v := w.Props[key].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return def
}

// stringsProp reads a string slice prop.
func (w *Widget) stringsProp(key string) []string {
	raw, ok := w.Props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// WidgetState is the server-side state of one uncontrolled widget.
type WidgetState struct {
	// Selected is a list's cursor index.
	Selected int

	// Value and Cursor are an input's buffer state.
	Value  string
	Cursor int
}

// WidgetStateStore holds uncontrolled widget state keyed by widget id,
// garbage-collected after each render pass by the retained-id set.
type WidgetStateStore struct {
	states map[string]*WidgetState
}

// NewWidgetStateStore creates an empty store.
func NewWidgetStateStore() *WidgetStateStore {
	return &WidgetStateStore{states: make(map[string]*WidgetState)}
}

// Get returns the state for an id, creating it on first use.
func (s *WidgetStateStore) Get(id string) *WidgetState {
	if st, ok := s.states[id]; ok {
		return st
	}
	st := &WidgetState{}
	s.states[id] = st
	return st
}

// GC drops state for ids not retained by the last render pass.
func (s *WidgetStateStore) GC(retained map[string]bool) {
	for id := range s.states {
		if !retained[id] {
			delete(s.states, id)
		}
	}
}

// Rect is a drawing region.
type Rect struct {
	X, Y, W, H int
}

// inner returns the region inside a widget's border, if any.
func (r Rect) inner(hasBorder bool) Rect {
	if !hasBorder {
		return r
	}
	in := Rect{X: r.X + 1, Y: r.Y + 1, W: r.W - 2, H: r.H - 2}
	if in.W < 0 {
		in.W = 0
	}
	if in.H < 0 {
		in.H = 0
	}
	return in
}

// renderPass collects what a tree interpretation discovered: terminal
// bindings with their inner areas, retained widget ids, the focused
// list/input, and overlay action strings for number-shortcut dispatch.
type renderPass struct {
	terminals   map[PanelKey]Rect
	retainedIDs map[string]bool
	focusedList string
	focusedInput string
	overlayActions []string
}

func newRenderPass() *renderPass {
	return &renderPass{
		terminals:   make(map[PanelKey]Rect),
		retainedIDs: make(map[string]bool),
	}
}

// interpreter draws a render tree onto a tcell screen.
type interpreter struct {
	screen tcell.Screen
	store  *WidgetStateStore
	pool   *panelPool
	pass   *renderPass
}

// draw interprets one widget into backend draw calls.
func (in *interpreter) draw(w *Widget, area Rect) {
	if w == nil || area.W <= 0 || area.H <= 0 {
		return
	}

	hasBorder := w.Block != nil && w.Block.Borders
	if hasBorder {
		in.drawBox(area, w.Block.Title)
	}
	inner := area.inner(hasBorder)

	if w.ID != "" {
		in.pass.retainedIDs[w.ID] = true
	}

	switch w.Tag {
	case TagHSplit:
		in.drawSplit(w, inner, true)
	case TagVSplit:
		in.drawSplit(w, inner, false)
	case TagText, TagParagraph:
		in.drawParagraph(w, inner)
	case TagList:
		in.drawList(w, inner)
	case TagInput:
		in.drawInput(w, inner)
	case TagTerminal:
		in.drawTerminal(w, inner)
	case TagBlock:
		for _, c := range w.Children {
			in.draw(c, inner)
		}
	case TagEmpty:
	}
}

// drawSplit lays children side by side (horizontal=true) or stacked.
// A "ratio" prop sizes the first child of a two-way split; otherwise
// children share the area equally.
func (in *interpreter) drawSplit(w *Widget, area Rect, horizontal bool) {
	n := len(w.Children)
	if n == 0 {
		return
	}

	total := area.W
	if !horizontal {
		total = area.H
	}

	sizes := make([]int, n)
	if n == 2 {
		ratio := w.floatProp("ratio", 0.5)
		first := int(float64(total) * ratio)
		sizes[0], sizes[1] = first, total-first
	} else {
		each := total / n
		for i := range sizes {
			sizes[i] = each
		}
		sizes[n-1] = total - each*(n-1)
	}

	offset := 0
	for i, child := range w.Children {
		var childArea Rect
		if horizontal {
			childArea = Rect{X: area.X + offset, Y: area.Y, W: sizes[i], H: area.H}
		} else {
			childArea = Rect{X: area.X, Y: area.Y + offset, W: area.W, H: sizes[i]}
		}
		in.draw(child, childArea)
		offset += sizes[i]
	}
}

// drawParagraph renders wrapped text, optionally centered.
func (in *interpreter) drawParagraph(w *Widget, area Rect) {
	text := w.stringProp("text")
	centered := false
	if c, ok := w.Props["centered"].(bool); ok {
		centered = c
	}

	style := tcell.StyleDefault
	y := area.Y
	for _, line := range strings.Split(text, "\n") {
		if y >= area.Y+area.H {
			break
		}
		for len(line) > area.W && area.W > 0 {
			in.drawText(area.X, y, line[:area.W], style)
			line = line[area.W:]
			y++
			if y >= area.Y+area.H {
				return
			}
		}
		x := area.X
		if centered && len(line) < area.W {
			x += (area.W - len(line)) / 2
		}
		in.drawText(x, y, line, style)
		y++
	}
}

// drawList renders items with the uncontrolled cursor highlighted.
func (in *interpreter) drawList(w *Widget, area Rect) {
	items := w.stringsProp("items")

	selected := w.intProp("selected", -1)
	if selected < 0 && w.ID != "" {
		st := in.store.Get(w.ID)
		if st.Selected >= len(items) {
			st.Selected = len(items) - 1
		}
		if st.Selected < 0 {
			st.Selected = 0
		}
		selected = st.Selected
		in.pass.focusedList = w.ID
	}

	if actions := w.stringsProp("actions"); len(actions) > 0 {
		in.pass.overlayActions = actions
	}

	for i, item := range items {
		if i >= area.H {
			break
		}
		style := tcell.StyleDefault
		if i == selected {
			style = style.Reverse(true)
		}
		line := item
		if len(line) > area.W {
			line = line[:area.W]
		}
		in.drawText(area.X, area.Y+i, line, style)
	}
}

// drawInput renders an uncontrolled input's buffer and cursor.
func (in *interpreter) drawInput(w *Widget, area Rect) {
	value := w.stringProp("value")
	cursor := -1
	if w.ID != "" {
		st := in.store.Get(w.ID)
		if value == "" {
			value = st.Value
		}
		cursor = st.Cursor
		in.pass.focusedInput = w.ID
	}

	line := value
	if len(line) > area.W {
		line = line[len(line)-area.W:]
	}
	in.drawText(area.X, area.Y, line, tcell.StyleDefault)
	if cursor >= 0 && area.H > 0 {
		cx := area.X + min(cursor, area.W-1)
		in.screen.ShowCursor(cx, area.Y)
	}
}

// drawTerminal renders a panel's cells and records its binding + inner
// area for the dims contract.
func (in *interpreter) drawTerminal(w *Widget, area Rect) {
	key := PanelKey{
		AgentIndex: w.intProp("agent_index", 0),
		PtyIndex:   w.intProp("pty_index", 0),
	}
	in.pass.terminals[key] = area

	panel := in.pool.ensure(key, uint16(area.W), uint16(area.H))

	if panel.ScrollOffset > 0 {
		in.drawScrolledPanel(panel, area)
		return
	}

	cells := panel.Cells()
	for row := 0; row < len(cells) && row < area.H; row++ {
		for col := 0; col < len(cells[row]) && col < area.W; col++ {
			cell := cells[row][col]
			ch := cell.Char
			if ch == 0 {
				ch = ' '
			}
			in.screen.SetContent(area.X+col, area.Y+row, ch, nil, cellStyle(cell))
		}
	}
}

// drawScrolledPanel renders scrollback lines when the view is offset.
func (in *interpreter) drawScrolledPanel(panel *Panel, area Rect) {
	lines := panel.ScrollbackLines()
	offset := panel.ScrollOffset
	if offset > len(lines) {
		offset = len(lines)
	}
	start := len(lines) - offset
	for row := 0; row < area.H && start+row < len(lines); row++ {
		line := lines[start+row]
		if len(line) > area.W {
			line = line[:area.W]
		}
		in.drawText(area.X, area.Y+row, line, tcell.StyleDefault.Dim(true))
	}
}

// drawBox draws a border with an optional title.
func (in *interpreter) drawBox(area Rect, title string) {
	if area.W < 2 || area.H < 2 {
		return
	}
	style := tcell.StyleDefault

	for x := area.X + 1; x < area.X+area.W-1; x++ {
		in.screen.SetContent(x, area.Y, tcell.RuneHLine, nil, style)
		in.screen.SetContent(x, area.Y+area.H-1, tcell.RuneHLine, nil, style)
	}
	for y := area.Y + 1; y < area.Y+area.H-1; y++ {
		in.screen.SetContent(area.X, y, tcell.RuneVLine, nil, style)
		in.screen.SetContent(area.X+area.W-1, y, tcell.RuneVLine, nil, style)
	}
	in.screen.SetContent(area.X, area.Y, tcell.RuneULCorner, nil, style)
	in.screen.SetContent(area.X+area.W-1, area.Y, tcell.RuneURCorner, nil, style)
	in.screen.SetContent(area.X, area.Y+area.H-1, tcell.RuneLLCorner, nil, style)
	in.screen.SetContent(area.X+area.W-1, area.Y+area.H-1, tcell.RuneLRCorner, nil, style)

	if title != "" {
		label := " " + title + " "
		if len(label) > area.W-2 {
			label = label[:area.W-2]
		}
		in.drawText(area.X+1, area.Y, label, style.Bold(true))
	}
}

// drawText writes a string clipped by the caller.
func (in *interpreter) drawText(x, y int, text string, style tcell.Style) {
	col := x
	for _, r := range text {
		in.screen.SetContent(col, y, r, nil, style)
		col++
	}
}

// cellStyle maps a parser cell to a tcell style.
func cellStyle(cell vt100.Cell) tcell.Style {
	style := tcell.StyleDefault
	if cell.Bold {
		style = style.Bold(true)
	}
	if cell.Dim {
		style = style.Dim(true)
	}
	if cell.FG != nil {
		if r, g, b, a := cell.FG.RGBA(); a > 0 {
			style = style.Foreground(tcell.NewRGBColor(int32(r>>8), int32(g>>8), int32(b>>8)))
		}
	}
	if cell.BG != nil {
		if r, g, b, a := cell.BG.RGBA(); a > 0 {
			style = style.Background(tcell.NewRGBColor(int32(r>>8), int32(g>>8), int32(b>>8)))
		}
	}
	return style
}
