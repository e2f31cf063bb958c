package tui

import (
	"testing"
)

func TestParseWidgetBasics(t *testing.T) {
	tree := ParseWidget(map[string]any{
		"tag": "hsplit",
		"props": map[string]any{
			"ratio": 0.3,
		},
		"children": []any{
			map[string]any{
				"tag":   "list",
				"id":    "agent_list",
				"props": map[string]any{"items": []any{"one", "two"}},
				"block": map[string]any{"title": "Agents", "borders": true},
			},
			map[string]any{
				"tag":   "terminal",
				"props": map[string]any{"agent_index": int64(1), "pty_index": int64(0)},
			},
		},
	})

	if tree.Tag != TagHSplit {
		t.Errorf("tag = %q", tree.Tag)
	}
	if tree.floatProp("ratio", 0) != 0.3 {
		t.Errorf("ratio = %v", tree.floatProp("ratio", 0))
	}
	if len(tree.Children) != 2 {
		t.Fatalf("children = %d", len(tree.Children))
	}

	list := tree.Children[0]
	if list.Tag != TagList || list.ID != "agent_list" {
		t.Errorf("list = %+v", list)
	}
	if list.Block == nil || !list.Block.Borders || list.Block.Title != "Agents" {
		t.Errorf("block = %+v", list.Block)
	}
	if items := list.stringsProp("items"); len(items) != 2 || items[0] != "one" {
		t.Errorf("items = %v", items)
	}

	term := tree.Children[1]
	if term.intProp("agent_index", -1) != 1 || term.intProp("pty_index", -1) != 0 {
		t.Errorf("terminal binding = %+v", term.Props)
	}
}

func TestParseWidgetMalformed(t *testing.T) {
	if w := ParseWidget("not a table"); w.Tag != TagEmpty {
		t.Errorf("tag = %q, want empty", w.Tag)
	}
	if w := ParseWidget(nil); w.Tag != TagEmpty {
		t.Errorf("tag = %q, want empty", w.Tag)
	}
	if w := ParseWidget(map[string]any{"tag": "TERMINAL"}); w.Tag != TagTerminal {
		t.Errorf("tag case folding broken: %q", w.Tag)
	}
}

func TestWidgetStateStoreGC(t *testing.T) {
	store := NewWidgetStateStore()

	store.Get("list1").Selected = 2
	store.Get("input1").Value = "draft"

	store.GC(map[string]bool{"list1": true})

	if store.Get("list1").Selected != 2 {
		t.Error("retained state lost")
	}
	if store.Get("input1").Value != "" {
		t.Error("unretained state survived GC")
	}
}

func TestRectInner(t *testing.T) {
	r := Rect{X: 5, Y: 5, W: 10, H: 6}

	in := r.inner(true)
	if in.X != 6 || in.Y != 6 || in.W != 8 || in.H != 4 {
		t.Errorf("inner = %+v", in)
	}

	same := r.inner(false)
	if same != r {
		t.Errorf("borderless inner = %+v", same)
	}

	tiny := Rect{X: 0, Y: 0, W: 1, H: 1}.inner(true)
	if tiny.W != 0 || tiny.H != 0 {
		t.Errorf("tiny inner = %+v", tiny)
	}
}

func TestPanelPoolPrefixRouting(t *testing.T) {
	pool := newPanelPool()

	p1 := pool.ensure(PanelKey{AgentIndex: 0, PtyIndex: 0}, 80, 24)
	p2 := pool.ensure(PanelKey{AgentIndex: 1, PtyIndex: 0}, 80, 24)

	if p1.Prefix == p2.Prefix {
		t.Fatal("panels share a prefix byte")
	}
	if got, ok := pool.route(p2.Prefix); !ok || got != p2 {
		t.Error("prefix routing broken")
	}

	// ensure is idempotent per key.
	if again := pool.ensure(PanelKey{AgentIndex: 0, PtyIndex: 0}, 100, 50); again != p1 {
		t.Error("ensure created a duplicate panel")
	}

	pool.remove(PanelKey{AgentIndex: 0, PtyIndex: 0})
	if _, ok := pool.route(p1.Prefix); ok {
		t.Error("removed panel still routable")
	}
}

func TestPanelResizeIdempotent(t *testing.T) {
	pool := newPanelPool()
	p := pool.ensure(PanelKey{}, 80, 24)

	if !p.Resize(100, 50) {
		t.Error("real resize reported no change")
	}
	if p.Resize(100, 50) {
		t.Error("matching resize reported a change")
	}
}

func TestPanelScrollClamps(t *testing.T) {
	pool := newPanelPool()
	p := pool.ensure(PanelKey{}, 80, 24)

	p.ScrollBy(10)
	if p.ScrollOffset != 0 {
		// No scrollback yet, so the offset clamps to zero.
		t.Errorf("offset = %d, want clamped 0", p.ScrollOffset)
	}

	p.ScrollBy(-5)
	if p.ScrollOffset != 0 {
		t.Errorf("offset = %d after negative scroll", p.ScrollOffset)
	}
}

func TestSubscriptionIDShape(t *testing.T) {
	got := subscriptionID(PanelKey{AgentIndex: 2, PtyIndex: 1})
	if got != "tui-2-1" {
		t.Errorf("subscriptionID = %q", got)
	}
}
