package hub

import (
	"testing"

	"github.com/trybotster/botster-hub/internal/agent"
)

// fakeAgent builds an agent value without spawning a PTY. Only the fields
// state bookkeeping touches are populated.
func fakeAgent(repo, branch string) *agent.Agent {
	return &agent.Agent{Repo: repo, BranchName: branch}
}

func TestAddAgentMaintainsOrder(t *testing.T) {
	s := NewHubState()

	s.AddAgent("a", fakeAgent("o/r", "a"))
	s.AddAgent("b", fakeAgent("o/r", "b"))
	s.AddAgent("c", fakeAgent("o/r", "c"))

	keys := s.OrderedKeys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("OrderedKeys() = %v", keys)
	}
}

func TestAddAgentDuplicateIgnored(t *testing.T) {
	s := NewHubState()
	s.AddAgent("a", fakeAgent("o/r", "a"))
	s.AddAgent("a", fakeAgent("o/r", "a"))

	if len(s.OrderedKeys()) != 1 {
		t.Errorf("duplicate key appears twice: %v", s.OrderedKeys())
	}
}

func TestRemoveAgentClosesHole(t *testing.T) {
	s := NewHubState()
	s.AddAgent("a", fakeAgent("o/r", "a"))
	s.AddAgent("b", fakeAgent("o/r", "b"))
	s.AddAgent("c", fakeAgent("o/r", "c"))

	removed := s.RemoveAgent("b")
	if removed == nil {
		t.Fatal("RemoveAgent returned nil")
	}
	if removed.State() != agent.StateDead {
		t.Errorf("removed agent state = %q, want dead", removed.State())
	}

	keys := s.OrderedKeys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("OrderedKeys() = %v, want [a c]", keys)
	}
	if _, ok := s.GetAgent("b"); ok {
		t.Error("removed agent still in map")
	}
}

func TestOrderedKeysNoDuplicatesAfterChurn(t *testing.T) {
	s := NewHubState()

	for _, key := range []string{"a", "b", "c", "d"} {
		s.AddAgent(key, fakeAgent("o/r", key))
	}
	s.RemoveAgent("b")
	s.RemoveAgent("d")
	s.AddAgent("b", fakeAgent("o/r", "b"))

	seen := make(map[string]bool)
	for _, key := range s.OrderedKeys() {
		if seen[key] {
			t.Fatalf("duplicate key %q in %v", key, s.OrderedKeys())
		}
		seen[key] = true
		if _, ok := s.GetAgent(key); !ok {
			t.Fatalf("ordered key %q missing from map", key)
		}
	}
	if len(seen) != s.AgentCount() {
		t.Errorf("ordered list and map out of sync")
	}
}

func TestIndexLookups(t *testing.T) {
	s := NewHubState()
	s.AddAgent("a", fakeAgent("o/r", "a"))
	s.AddAgent("b", fakeAgent("o/r", "b"))

	if key, ok := s.KeyByIndex(1); !ok || key != "b" {
		t.Errorf("KeyByIndex(1) = %q, %v", key, ok)
	}
	if _, ok := s.KeyByIndex(5); ok {
		t.Error("KeyByIndex(5) should fail")
	}
	if idx, ok := s.IndexOfKey("b"); !ok || idx != 1 {
		t.Errorf("IndexOfKey(b) = %d, %v", idx, ok)
	}
	if ag, ok := s.AgentByIndex(0); !ok || ag.BranchName != "a" {
		t.Errorf("AgentByIndex(0) wrong")
	}
}

func TestNeedsFreshBundle(t *testing.T) {
	s := NewHubState()
	if !s.NeedsFreshBundle() {
		t.Error("empty state should need a bundle")
	}
}

func TestSafeHubStateReadWrite(t *testing.T) {
	safe := NewSafeHubState()

	safe.WithWrite(func(s *HubState) {
		s.AddAgent("a", fakeAgent("o/r", "a"))
	})

	count := 0
	safe.WithRead(func(s *HubState) {
		count = s.AgentCount()
	})
	if count != 1 {
		t.Errorf("AgentCount = %d, want 1", count)
	}
}
