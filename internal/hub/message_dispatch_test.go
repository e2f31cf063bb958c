package hub

import (
	"bytes"
	"testing"
	"time"

	"github.com/trybotster/botster-hub/internal/agent"
	"github.com/trybotster/botster-hub/internal/server"
)

// A mention for a live agent is injected into its "cli" PTY followed by
// two carriage returns; no second agent is created.
func TestIssueCommentRoutesToExistingAgent(t *testing.T) {
	h := testHub(t)
	key := spawnTestAgent(t, h, 42)

	h.handleCommandMessage(&server.Message{
		ID:        1,
		EventType: "issue_comment",
		Payload: map[string]any{
			"repo":           "owner/r",
			"issue_number":   float64(42),
			"comment_author": "alice",
			"comment_body":   "ping",
		},
	})

	var ag *agent.Agent
	h.State.WithRead(func(s *HubState) {
		ag, _ = s.GetAgent(key)
	})
	if ag == nil {
		t.Fatal("agent vanished")
	}

	count := 0
	h.State.WithRead(func(s *HubState) { count = s.AgentCount() })
	if count != 1 {
		t.Errorf("agent count = %d, want 1 (no duplicate spawn)", count)
	}

	// The injected text echoes back through the PTY.
	session, ok := ag.Session(agent.SessionCLI)
	if !ok {
		t.Fatal("cli session missing")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Contains(session.Scrollback(), []byte("NEW MENTION")) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("mention text never reached the cli PTY")
}

// A cleanup message closes the matching agent.
func TestCleanupMessageClosesAgent(t *testing.T) {
	h := testHub(t)
	key := spawnTestAgent(t, h, 77)

	h.handleCommandMessage(&server.Message{
		ID:        2,
		EventType: "agent_cleanup",
		Payload: map[string]any{
			"repo":         "owner/r",
			"issue_number": float64(77),
		},
	})

	h.State.WithRead(func(s *HubState) {
		if _, ok := s.GetAgent(key); ok {
			t.Error("agent still live after cleanup message")
		}
	})
}

// Malformed cleanup messages mutate nothing.
func TestCleanupMessageMissingFields(t *testing.T) {
	h := testHub(t)
	key := spawnTestAgent(t, h, 78)

	h.handleCommandMessage(&server.Message{
		ID:        3,
		EventType: "agent_cleanup",
		Payload:   map[string]any{"repo": "owner/r"},
	})

	h.State.WithRead(func(s *HubState) {
		if _, ok := s.GetAgent(key); !ok {
			t.Error("agent removed by malformed cleanup")
		}
	})
}
