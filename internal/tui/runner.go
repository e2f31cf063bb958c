package tui

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/trybotster/botster-hub/internal/hub"
	"github.com/trybotster/botster-hub/internal/luaengine"
)

// PollBackstop is the maximum time the loop sleeps before checking for
// work even with no events.
const PollBackstop = 100 * time.Millisecond

// agentEntry is the cached client-side view of one agent, refreshed from
// the hub's agents frames.
type agentEntry struct {
	ID       string   `json:"id"`
	Key      string   `json:"key"`
	State    string   `json:"state"`
	PtyNames []string `json:"pty_names"`
	Notify   bool     `json:"has_notification"`
}

type agentsFrame struct {
	Type   string       `json:"type"`
	Agents []agentEntry `json:"agents"`
	ID     string       `json:"id"`
	Message string      `json:"message"`
}

// subState tracks one live terminal subscription.
type subState struct {
	subID  string
	prefix byte
	cols   uint16
	rows   uint16
}

// TUI is the terminal user interface thread.
type TUI struct {
	hub    *hub.Hub
	lua    *luaengine.Runtime
	screen tcell.Screen
	sink   *Sink
	logger *slog.Logger

	pool  *panelPool
	store *WidgetStateStore

	// mode is the script-owned input mode ("normal", "insert", ...).
	mode string

	// focused is the terminal binding receiving passthrough input.
	focused    PanelKey
	hasFocused bool

	// agents is the cached agent list for render state.
	agents        []agentEntry
	selectedKey   string
	selectedIndex int

	// overlay state pushed by script ops.
	connectionURL string
	connectionQR  string
	errorMessage  string

	// subs tracks live subscriptions for the diff pass.
	subs map[PanelKey]subState

	// overlayActions are the last overlay list's action strings for
	// number-shortcut dispatch.
	overlayActions []string
	overlayVisible bool
	focusedList    string
	focusedInput   string

	paste  pasteBuffer
	scroll scrollAccumulator

	dirty bool
	quit  bool
}

// New creates the TUI bound to a hub and its scripting runtime.
func New(h *hub.Hub, lua *luaengine.Runtime, logger *slog.Logger) *TUI {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TUI{
		hub:    h,
		lua:    lua,
		logger: logger,
		pool:   newPanelPool(),
		store:  NewWidgetStateStore(),
		mode:   "normal",
		subs:   make(map[PanelKey]subState),
		dirty:  true,
	}
	return t
}

// Run owns the outer terminal until quit. Call from a dedicated goroutine.
func (t *TUI) Run() error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	t.screen = screen
	defer screen.Fini()

	screen.EnablePaste()
	screen.EnableMouse(tcell.MouseMotionEvents)
	screen.EnableFocus()

	t.sink = NewSink(t.Wake)
	t.hub.SetWakeTUI(t.Wake)
	t.hub.Enqueue(hub.Event{Kind: hub.EventClientConnected, Connected: &hub.ClientConnectedEvent{
		Client: hub.TuiClient(),
		Sink:   t.sink,
	}})

	// Backstop ticker: guarantees the loop runs at least every 100ms for
	// scroll flushes and panel refreshes.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(PollBackstop)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Wake()
			case <-stop:
				return
			}
		}
	}()

	for !t.quit {
		ev := screen.PollEvent()
		if ev == nil {
			break
		}
		t.handleEvent(ev)

		// Drain any queued events before rendering once.
		for screen.HasPendingEvent() {
			if ev := screen.PollEvent(); ev != nil {
				t.handleEvent(ev)
			}
		}

		t.drainSink()
		t.flushScroll()
		if t.dirty {
			t.render()
			t.dirty = false
		}
	}

	t.hub.Enqueue(hub.Event{Kind: hub.EventClientDisconnected, Disconnected: hub.TuiClient()})
	return nil
}

// Wake pokes the event loop from any thread.
func (t *TUI) Wake() {
	if t.screen != nil {
		t.screen.PostEvent(tcell.NewEventInterrupt(nil))
	}
}

// handleEvent routes one tcell event.
func (t *TUI) handleEvent(ev tcell.Event) {
	switch ev := ev.(type) {
	case *tcell.EventResize:
		t.screen.Sync()
		t.dirty = true

	case *tcell.EventKey:
		t.handleKey(ev)

	case *tcell.EventPaste:
		if ev.Start() {
			t.paste.begin()
		} else {
			if payload := t.paste.finish(); payload != nil {
				t.sendFocusedInput(payload)
			}
		}

	case *tcell.EventMouse:
		t.handleMouse(ev)

	case *tcell.EventFocus:
		// Forward focus changes to the focused PTY.
		t.forwardFocusEvent(ev.Focused)

	case *tcell.EventInterrupt:
		// Wake: sink drain and render happen in the main loop body.
	}
}

// handleKey implements the three-step key contract: hardcoded quit, script
// keymap, then insert-mode passthrough.
func (t *TUI) handleKey(ev *tcell.EventKey) {
	// Paste runes accumulate instead of dispatching.
	if t.paste.active {
		if ev.Key() == tcell.KeyRune {
			t.paste.add(string(ev.Rune()))
		} else if ev.Key() == tcell.KeyEnter {
			t.paste.add("\n")
		}
		return
	}

	input := descriptorFor(ev)

	// Ctrl+Q always quits, even with broken scripts.
	if input.Descriptor == "ctrl+q" {
		t.quit = true
		t.hub.Enqueue(hub.Event{Kind: hub.EventAction, Action: hub.QuitAction()})
		return
	}

	var action *luaengine.KeyAction
	if t.lua != nil {
		action = t.lua.CallHandleKey(input.Descriptor, t.mode, t.keyContext())
	}

	if action != nil {
		t.dispatchKeyAction(action)
		return
	}

	// Unbound key: raw passthrough in insert mode with no overlay.
	if t.mode == "insert" && !t.overlayVisible && len(input.Raw) > 0 {
		t.sendFocusedInput(input.Raw)
	}
}

// keyContext is the context table passed to script key handlers.
func (t *TUI) keyContext() map[string]any {
	w, h := 0, 0
	if t.screen != nil {
		w, h = t.screen.Size()
	}
	return map[string]any{
		"mode":           t.mode,
		"overlay":        t.overlayVisible,
		"selected_agent": t.selectedKey,
		"cols":           w,
		"rows":           h,
	}
}

// dispatchKeyAction executes a script key action: the small fixed table of
// mechanical actions directly, everything else through on_action ops.
func (t *TUI) dispatchKeyAction(action *luaengine.KeyAction) {
	switch action.Action {
	case "noop":

	case "scroll_up":
		t.scrollFocused(10)
	case "scroll_down":
		t.scrollFocused(-10)
	case "scroll_top":
		if p, ok := t.pool.get(t.focused); ok {
			p.ScrollToTop()
		}
		t.dirty = true
	case "scroll_bottom":
		if p, ok := t.pool.get(t.focused); ok {
			p.ScrollToBottom()
		}
		t.dirty = true

	case "list_up":
		if t.focusedList != "" {
			st := t.store.Get(t.focusedList)
			if st.Selected > 0 {
				st.Selected--
			}
			t.dirty = true
		}
	case "list_down":
		if t.focusedList != "" {
			st := t.store.Get(t.focusedList)
			st.Selected++
			t.dirty = true
		}

	case "input_char":
		if t.focusedInput != "" && action.Char != "" {
			st := t.store.Get(t.focusedInput)
			st.Value += action.Char
			st.Cursor = len(st.Value)
			t.dirty = true
		}
	case "input_backspace":
		if t.focusedInput != "" {
			st := t.store.Get(t.focusedInput)
			if len(st.Value) > 0 {
				st.Value = st.Value[:len(st.Value)-1]
				st.Cursor = len(st.Value)
			}
			t.dirty = true
		}

	case "menu_select":
		t.dispatchOverlaySelection()

	default:
		t.runOnAction(action.Action, map[string]any{
			"index": action.Index,
			"char":  action.Char,
		})
	}
}

// dispatchOverlaySelection maps the overlay list cursor to its action
// string and dispatches it.
func (t *TUI) dispatchOverlaySelection() {
	if t.focusedList == "" || len(t.overlayActions) == 0 {
		return
	}
	st := t.store.Get(t.focusedList)
	if st.Selected < 0 || st.Selected >= len(t.overlayActions) {
		return
	}
	t.runOnAction(t.overlayActions[st.Selected], map[string]any{})
}

// runOnAction delegates a named action to the script and executes the
// returned op records.
func (t *TUI) runOnAction(name string, ctx map[string]any) {
	if t.lua == nil {
		return
	}
	ops := t.lua.CallOnAction(name, ctx)
	for _, op := range ops {
		t.applyOp(op)
	}
	t.dirty = true
}

// applyOp executes one script op record.
func (t *TUI) applyOp(op map[string]any) {
	kind, _ := op["op"].(string)
	switch kind {
	case "set_mode":
		if mode, ok := op["mode"].(string); ok {
			t.mode = mode
		}

	case "send_msg":
		if data, ok := op["data"]; ok {
			if raw, err := json.Marshal(data); err == nil {
				t.sendMessage(raw)
			}
		}

	case "quit":
		t.quit = true
		t.hub.Enqueue(hub.Event{Kind: hub.EventAction, Action: hub.QuitAction()})

	case "focus_terminal":
		key := PanelKey{}
		if v, ok := op["agent_index"].(int64); ok {
			key.AgentIndex = int(v)
		}
		if v, ok := op["pty_index"].(int64); ok {
			key.PtyIndex = int(v)
		}
		t.focused = key
		t.hasFocused = true
		t.mode = "insert"

	case "set_connection_code":
		if url, ok := op["url"].(string); ok {
			t.connectionURL = url
		}
		if qrAscii, ok := op["qr_ascii"].(string); ok {
			t.connectionQR = qrAscii
		}

	case "clear_connection_code":
		t.connectionURL = ""
		t.connectionQR = ""
		t.errorMessage = ""

	case "osc_alert":
		t.oscAlert(op)
	}
}

// oscAlert emits an OSC 777 notification to the outer terminal.
func (t *TUI) oscAlert(op map[string]any) {
	title, _ := op["title"].(string)
	body, _ := op["body"].(string)
	if tty, err := os.OpenFile("/dev/tty", os.O_WRONLY, 0); err == nil {
		defer tty.Close()
		tty.WriteString("\x1b]777;notify;" + title + ";" + body + "\x07")
	}
}

// handleMouse batches wheel events through the scroll accumulator.
func (t *TUI) handleMouse(ev *tcell.EventMouse) {
	switch {
	case ev.Buttons()&tcell.WheelUp != 0:
		if dir, lines, flushed := t.scroll.add(true); flushed {
			t.applyScroll(dir, lines)
		}
	case ev.Buttons()&tcell.WheelDown != 0:
		if dir, lines, flushed := t.scroll.add(false); flushed {
			t.applyScroll(dir, lines)
		}
	}
}

// flushScroll applies any pending wheel batch.
func (t *TUI) flushScroll() {
	if dir, lines, ok := t.scroll.flush(); ok {
		t.applyScroll(dir, lines)
	}
}

// applyScroll scrolls the focused panel view.
func (t *TUI) applyScroll(dir, lines int) {
	if p, ok := t.pool.get(t.focused); ok {
		p.ScrollBy(dir * lines)
		t.dirty = true
	}
}

// scrollFocused scrolls the focused panel by a line delta.
func (t *TUI) scrollFocused(lines int) {
	if p, ok := t.pool.get(t.focused); ok {
		p.ScrollBy(lines)
		t.dirty = true
	}
}

// forwardFocusEvent sends outer terminal focus changes to the focused PTY
// as CSI I / CSI O. It does not check whether the PTY enabled focus
// reporting; the sequence goes out whenever a terminal is focused.
func (t *TUI) forwardFocusEvent(focused bool) {
	seq := []byte("\x1b[O")
	if focused {
		seq = []byte("\x1b[I")
	}
	t.sendFocusedInput(seq)
}

// sendFocusedInput writes raw bytes to the focused PTY through the hub.
func (t *TUI) sendFocusedInput(data []byte) {
	if !t.hasFocused {
		return
	}
	t.hub.Enqueue(hub.Event{Kind: hub.EventTuiRequest, TuiRequest: &hub.TuiRequestEvent{
		PtyInput: &hub.TuiPtyInput{
			AgentIndex: t.focused.AgentIndex,
			PtyIndex:   t.focused.PtyIndex,
			Bytes:      data,
		},
	}})
}

// sendMessage routes a JSON command through the hub like a browser frame.
func (t *TUI) sendMessage(raw []byte) {
	t.hub.Enqueue(hub.Event{Kind: hub.EventTuiRequest, TuiRequest: &hub.TuiRequestEvent{
		Message: raw,
	}})
}

// drainSink consumes queued frames from the hub.
func (t *TUI) drainSink() {
	if t.sink == nil {
		return
	}

	for {
		select {
		case frame := <-t.sink.Raw:
			if len(frame) > 0 {
				if panel, ok := t.pool.route(frame[0]); ok {
					panel.Feed(frame[1:])
					t.dirty = true
				}
			}
		case data := <-t.sink.JSON:
			t.handleControlFrame(data)
		default:
			return
		}
	}
}

// handleControlFrame processes one hub control frame.
func (t *TUI) handleControlFrame(data []byte) {
	var frame agentsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "agents":
		t.agents = frame.Agents
		t.syncSelectedIndex()
		t.dirty = true
	case "agent_selected":
		t.selectedKey = frame.ID
		t.syncSelectedIndex()
		t.dirty = true
	case "agent_created", "agent_deleted":
		// An agents broadcast follows; nothing to do here.
	case "error":
		t.errorMessage = frame.Message
		t.dirty = true
	default:
		// Script-defined frame; scripts read it via tui.on_message.
	}
}

// syncSelectedIndex keeps the cached selection index aligned with the
// agent list.
func (t *TUI) syncSelectedIndex() {
	t.selectedIndex = -1
	for i, a := range t.agents {
		if a.Key == t.selectedKey {
			t.selectedIndex = i
			if !t.hasFocused {
				t.focused = PanelKey{AgentIndex: i}
				t.hasFocused = true
			}
			return
		}
	}
	if t.selectedIndex == -1 {
		t.selectedKey = ""
	}
}

// renderState is the state table passed to the script render functions.
func (t *TUI) renderState() map[string]any {
	w, h := t.screen.Size()

	agents := make([]any, 0, len(t.agents))
	for _, a := range t.agents {
		agents = append(agents, map[string]any{
			"id":               a.ID,
			"key":              a.Key,
			"state":            a.State,
			"has_notification": a.Notify,
		})
	}

	state := map[string]any{
		"agents": agents,
		"mode":   t.mode,
		"cols":   w,
		"rows":   h,
	}
	if t.selectedKey != "" {
		state["selected_agent"] = t.selectedKey
		state["selected_index"] = t.selectedIndex
		state["selected_pty_index"] = t.focused.PtyIndex
	}
	if t.errorMessage != "" {
		state["error"] = t.errorMessage
	}
	return state
}

// render runs the script render pass and realizes the returned tree.
func (t *TUI) render() {
	if t.screen == nil || t.lua == nil {
		return
	}

	w, h := t.screen.Size()
	t.screen.Clear()
	t.screen.HideCursor()

	pass := newRenderPass()
	in := &interpreter{screen: t.screen, store: t.store, pool: t.pool, pass: pass}

	state := t.renderState()
	if tree, ok := t.lua.CallRender(state); ok {
		in.draw(ParseWidget(tree), Rect{X: 0, Y: 0, W: w, H: h})
	}

	t.overlayVisible = false
	if overlay, ok := t.lua.CallRenderOverlay(state); ok && overlay != nil {
		t.overlayVisible = true
		ow, oh := w*2/3, h*2/3
		in.draw(ParseWidget(overlay), Rect{X: (w - ow) / 2, Y: (h - oh) / 2, W: ow, H: oh})
	}

	t.focusedList = pass.focusedList
	t.focusedInput = pass.focusedInput
	t.overlayActions = pass.overlayActions
	t.store.GC(pass.retainedIDs)

	t.syncSubscriptions(pass)

	t.screen.Show()
}

// syncSubscriptions diffs the render pass against live subscriptions:
// subscribe newly referenced (agent, pty) pairs, unsubscribe removed ones,
// and resize each visible panel to its inner area. Only the focused
// terminal's area (or any terminal's while none is focused) is reported
// to the hub, as an untargeted client resize; other terminals' dims are
// not reported.
func (t *TUI) syncSubscriptions(pass *renderPass) {
	// New and resized terminals.
	for key, area := range pass.terminals {
		cols, rows := uint16(area.W), uint16(area.H)
		panel := t.pool.ensure(key, cols, rows)

		sub, exists := t.subs[key]
		if !exists {
			sub = subState{subID: panel.SubscriptionID, prefix: panel.Prefix}
			t.subs[key] = sub
			prefix := int(panel.Prefix)
			t.sendCommand(map[string]any{
				"type":           "subscribe",
				"agent_index":    key.AgentIndex,
				"pty_index":      key.PtyIndex,
				"subscriptionId": panel.SubscriptionID,
				"prefix":         prefix,
			})
		}

		// The panel's inner area is authoritative: report the real dims
		// and let the hub apply TIOCSWINSZ. Unchanged dims are a no-op.
		if panel.Resize(cols, rows) || sub.cols != cols || sub.rows != rows {
			sub.cols, sub.rows = cols, rows
			t.subs[key] = sub
			if key == t.focused || !t.hasFocused {
				t.sendCommand(map[string]any{
					"type": "resize",
					"cols": cols,
					"rows": rows,
				})
			}
		}
	}

	// Removed terminals.
	for key, sub := range t.subs {
		if _, ok := pass.terminals[key]; !ok {
			t.sendCommand(map[string]any{
				"type":           "unsubscribe",
				"subscriptionId": sub.subID,
			})
			t.pool.remove(key)
			delete(t.subs, key)
		}
	}
}

// sendCommand marshals and sends one hub command.
func (t *TUI) sendCommand(cmd map[string]any) {
	if raw, err := json.Marshal(cmd); err == nil {
		t.sendMessage(raw)
	}
}
