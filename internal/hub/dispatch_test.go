package hub

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/trybotster/botster-hub/internal/config"
)

func testHub(t *testing.T) *Hub {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.OfflineMode = true

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("hub.New failed: %v", err)
	}
	// No worktree management in unit tests; spawn requests carry their
	// own paths.
	h.Git = nil
	return h
}

func spawnTestAgent(t *testing.T, h *Hub, issue int) string {
	t.Helper()

	n := issue
	key, err := h.spawnAgent(SpawnRequest{
		Repo:         "owner/r",
		IssueNumber:  &n,
		WorktreePath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("spawnAgent failed: %v", err)
	}
	t.Cleanup(func() { h.closeAgent(key, false) })
	return key
}

// Resize-then-select: dims declared before the agent exists apply at the
// moment of selection.
func TestResizeThenSelectRace(t *testing.T) {
	h := testHub(t)
	client := BrowserClient("bx")
	sink := &captureSink{}
	h.Registry.Register(client, sink)

	h.Dispatch(ResizeAction(client, 100, 50))

	key := spawnTestAgent(t, h, 42)
	h.Dispatch(SelectAgentAction(client, key))

	h.State.WithRead(func(s *HubState) {
		ag, _ := s.GetAgent(key)
		cols, rows := ag.LastDims()
		if cols != 100 || rows != 50 {
			t.Errorf("dims = (%d, %d), want (100, 50)", cols, rows)
		}
	})

	viewers := h.Registry.Viewers(key)
	if len(viewers) != 1 || viewers[0] != client {
		t.Errorf("viewers = %v", viewers)
	}
}

// Select-before-resize: dims stay at the default until the client declares
// its own, which then apply.
func TestSelectBeforeResizeRace(t *testing.T) {
	h := testHub(t)
	client := BrowserClient("bx")
	h.Registry.Register(client, &captureSink{})

	key := spawnTestAgent(t, h, 43)
	h.Dispatch(SelectAgentAction(client, key))

	h.State.WithRead(func(s *HubState) {
		ag, _ := s.GetAgent(key)
		cols, rows := ag.LastDims()
		if cols != 0 || rows != 0 {
			// No declared dims: the spawn defaults are untouched and
			// LastDims was never set by a client resize.
			t.Errorf("dims = (%d, %d), want untouched (0, 0)", cols, rows)
		}
	})

	h.Dispatch(ResizeAction(client, 100, 50))
	h.State.WithRead(func(s *HubState) {
		ag, _ := s.GetAgent(key)
		cols, rows := ag.LastDims()
		if cols != 100 || rows != 50 {
			t.Errorf("dims = (%d, %d), want (100, 50)", cols, rows)
		}
	})
}

// Independent selections: the TUI and a browser view different agents
// without interfering.
func TestIndependentSelections(t *testing.T) {
	h := testHub(t)
	tuiC := TuiClient()
	browser := BrowserClient("bx")
	h.Registry.Register(tuiC, &captureSink{})
	h.Registry.Register(browser, &captureSink{})

	keyA := spawnTestAgent(t, h, 1)
	keyB := spawnTestAgent(t, h, 2)

	h.Dispatch(SelectAgentAction(tuiC, keyA))
	h.Dispatch(SelectAgentAction(browser, keyB))

	if v := h.Registry.Viewers(keyA); len(v) != 1 || v[0] != tuiC {
		t.Errorf("viewers[A] = %v", v)
	}
	if v := h.Registry.Viewers(keyB); len(v) != 1 || v[0] != browser {
		t.Errorf("viewers[B] = %v", v)
	}

	// TUI scrolls A; B stays at bottom.
	h.Dispatch(ScrollAction(tuiC, ScrollUp, 10))
	h.State.WithRead(func(s *HubState) {
		a, _ := s.GetAgent(keyA)
		b, _ := s.GetAgent(keyB)
		if a.ScrollOffset() != 10 {
			t.Errorf("A offset = %d, want 10", a.ScrollOffset())
		}
		if b.ScrollOffset() != 0 {
			t.Errorf("B offset = %d, want 0", b.ScrollOffset())
		}
	})
}

// Close clears every client's selection and the viewer set.
func TestCloseAgentClearsSelections(t *testing.T) {
	h := testHub(t)
	c1 := TuiClient()
	c2 := BrowserClient("bx")
	h.Registry.Register(c1, &captureSink{})
	h.Registry.Register(c2, &captureSink{})

	n := 9
	key, err := h.spawnAgent(SpawnRequest{Repo: "owner/r", IssueNumber: &n, WorktreePath: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	h.Dispatch(SelectAgentAction(c1, key))
	h.Dispatch(SelectAgentAction(c2, key))

	h.Dispatch(CloseAgentAction(key, false))

	if len(h.Registry.Viewers(key)) != 0 {
		t.Error("viewer set not empty after close")
	}
	for _, c := range []ClientID{c1, c2} {
		state, _ := h.Registry.State(c)
		if state.HasSelection {
			t.Errorf("client %s still has a selection", c)
		}
	}
	h.State.WithRead(func(s *HubState) {
		if _, ok := s.GetAgent(key); ok {
			t.Error("agent still in state")
		}
	})
}

// Input with no selection is dropped silently.
func TestInputWithoutSelectionDropped(t *testing.T) {
	h := testHub(t)
	client := BrowserClient("bx")
	sink := &captureSink{}
	h.Registry.Register(client, sink)

	h.Dispatch(SendInputAction(client, []byte("ls\n")))

	if sink.jsonCount() != 0 {
		t.Errorf("input without selection produced %d frames", sink.jsonCount())
	}
}

// Scroll with no selection is a no-op.
func TestScrollWithoutSelectionNoop(t *testing.T) {
	h := testHub(t)
	client := BrowserClient("bx")
	h.Registry.Register(client, &captureSink{})

	h.Dispatch(ScrollAction(client, ScrollUp, 10))
	// Nothing to assert beyond "no panic": there is no agent to touch.
}

// SelectNext/SelectPrevious with an empty agent list is a no-op.
func TestSelectRelativeEmptyList(t *testing.T) {
	h := testHub(t)
	client := TuiClient()
	h.Registry.Register(client, &captureSink{})

	h.Dispatch(SelectNextAction(client))
	h.Dispatch(SelectPreviousAction(client))

	state, _ := h.Registry.State(client)
	if state.HasSelection {
		t.Error("selection appeared from empty list")
	}
}

func TestSelectRelativeWraps(t *testing.T) {
	h := testHub(t)
	client := TuiClient()
	h.Registry.Register(client, &captureSink{})

	keyA := spawnTestAgent(t, h, 11)
	keyB := spawnTestAgent(t, h, 12)

	h.Dispatch(SelectNextAction(client))
	state, _ := h.Registry.State(client)
	if state.SelectedAgent != keyA {
		t.Errorf("first next = %q, want %q", state.SelectedAgent, keyA)
	}

	h.Dispatch(SelectNextAction(client))
	state, _ = h.Registry.State(client)
	if state.SelectedAgent != keyB {
		t.Errorf("second next = %q, want %q", state.SelectedAgent, keyB)
	}

	h.Dispatch(SelectNextAction(client))
	state, _ = h.Registry.State(client)
	if state.SelectedAgent != keyA {
		t.Errorf("wrap = %q, want %q", state.SelectedAgent, keyA)
	}
}

// Selecting the same agent twice does not change viewer counts.
func TestReselectIdempotent(t *testing.T) {
	h := testHub(t)
	client := BrowserClient("bx")
	h.Registry.Register(client, &captureSink{})

	key := spawnTestAgent(t, h, 21)
	h.Dispatch(SelectAgentAction(client, key))
	h.Dispatch(SelectAgentAction(client, key))

	if got := len(h.Registry.Viewers(key)); got != 1 {
		t.Errorf("viewer count = %d, want 1", got)
	}
}

// Spawning under a live key is a no-op returning the existing key.
func TestSpawnDeduplicates(t *testing.T) {
	h := testHub(t)

	n := 30
	key1, err := h.spawnAgent(SpawnRequest{Repo: "owner/r", IssueNumber: &n, WorktreePath: t.TempDir()})
	if err != nil {
		t.Fatalf("first spawn failed: %v", err)
	}
	defer h.closeAgent(key1, false)

	key2, err := h.spawnAgent(SpawnRequest{Repo: "owner/r", IssueNumber: &n, WorktreePath: t.TempDir()})
	if err != nil {
		t.Fatalf("second spawn errored: %v", err)
	}
	if key1 != key2 {
		t.Errorf("keys differ: %q vs %q", key1, key2)
	}

	count := 0
	h.State.WithRead(func(s *HubState) { count = s.AgentCount() })
	if count != 1 {
		t.Errorf("agent count = %d, want 1", count)
	}
}

// RequestAgentList returns the live agents to the requesting client only.
func TestRequestAgentList(t *testing.T) {
	h := testHub(t)
	client := BrowserClient("bx")
	sink := &captureSink{}
	h.Registry.Register(client, sink)

	key := spawnTestAgent(t, h, 55)
	before := sink.jsonCount()
	h.Dispatch(RequestAgentListAction(client))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.jsons) <= before {
		t.Fatal("no agent list frame delivered")
	}
	var frame struct {
		Type   string `json:"type"`
		Agents []struct {
			Key string `json:"key"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(sink.jsons[len(sink.jsons)-1], &frame); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if frame.Type != "agents" || len(frame.Agents) != 1 || frame.Agents[0].Key != key {
		t.Errorf("frame = %+v", frame)
	}
}
