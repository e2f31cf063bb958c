// Package hub provides the central state management for botster-hub.
//
// This file contains the HubState type - the single authoritative store of
// agents, ordered agent keys, available worktrees and the connection URL.
// The event loop owns it; both the loop and the scripting primitives reach
// it through the SafeHubState read-write lock, so loop accesses also lock.
package hub

import (
	"github.com/trybotster/botster-hub/internal/agent"
	"github.com/trybotster/botster-hub/internal/secure"

	"sync"
)

// WorktreeInfo represents an available worktree for spawning.
type WorktreeInfo struct {
	Path   string
	Branch string
}

// HubState manages the core agent state with ordered navigation.
//
// This type maintains both a map for O(1) lookups and an ordered slice for
// consistent UI navigation. All mutations go through methods so the two
// structures stay consistent: insertion appends, removal closes the hole,
// and both happen in the same critical section as the map change.
type HubState struct {
	// agents maps agent keys to live agents.
	agents map[string]*agent.Agent

	// agentKeysOrdered maintains insertion order for UI navigation.
	// Contains each live key exactly once.
	agentKeysOrdered []string

	// availableWorktrees lists worktrees without active agents.
	availableWorktrees []WorktreeInfo

	// profiles lists configured agent launch profiles.
	profiles []string

	// agentTypes lists the spawnable agent types.
	agentTypes []string

	// bundle is the current connection prekey bundle, nil before the
	// first generate.
	bundle *secure.Bundle

	// connectionURL is the last published pairing URL.
	connectionURL string
}

// NewHubState creates a new HubState.
func NewHubState() *HubState {
	return &HubState{
		agents:     make(map[string]*agent.Agent),
		agentTypes: []string{"shell"},
	}
}

// AgentCount returns the number of live agents.
func (s *HubState) AgentCount() int {
	return len(s.agents)
}

// IsEmpty returns true if there are no live agents.
func (s *HubState) IsEmpty() bool {
	return len(s.agents) == 0
}

// AddAgent adds an agent under its key. The map and the ordered list are
// updated together.
func (s *HubState) AddAgent(key string, ag *agent.Agent) {
	if _, exists := s.agents[key]; exists {
		return
	}
	s.agents[key] = ag
	s.agentKeysOrdered = append(s.agentKeysOrdered, key)
}

// RemoveAgent removes an agent and closes the hole in the ordered list.
// Returns the removed agent if it existed.
func (s *HubState) RemoveAgent(key string) *agent.Agent {
	ag, existed := s.agents[key]
	if !existed {
		return nil
	}
	delete(s.agents, key)

	for i, k := range s.agentKeysOrdered {
		if k == key {
			s.agentKeysOrdered = append(s.agentKeysOrdered[:i], s.agentKeysOrdered[i+1:]...)
			break
		}
	}

	ag.MarkDead()
	return ag
}

// GetAgent returns an agent by key.
func (s *HubState) GetAgent(key string) (*agent.Agent, bool) {
	ag, ok := s.agents[key]
	return ag, ok
}

// AgentByIndex returns the agent at a 0-based position in display order.
func (s *HubState) AgentByIndex(index int) (*agent.Agent, bool) {
	if index < 0 || index >= len(s.agentKeysOrdered) {
		return nil, false
	}
	ag, ok := s.agents[s.agentKeysOrdered[index]]
	return ag, ok
}

// KeyByIndex returns the agent key at a 0-based display position.
func (s *HubState) KeyByIndex(index int) (string, bool) {
	if index < 0 || index >= len(s.agentKeysOrdered) {
		return "", false
	}
	return s.agentKeysOrdered[index], true
}

// IndexOfKey returns the 0-based display position of a key.
func (s *HubState) IndexOfKey(key string) (int, bool) {
	for i, k := range s.agentKeysOrdered {
		if k == key {
			return i, true
		}
	}
	return -1, false
}

// OrderedKeys returns a copy of the ordered key list.
func (s *HubState) OrderedKeys() []string {
	out := make([]string, len(s.agentKeysOrdered))
	copy(out, s.agentKeysOrdered)
	return out
}

// AllAgents returns the agent map for iteration.
func (s *HubState) AllAgents() map[string]*agent.Agent {
	return s.agents
}

// AvailableWorktrees returns the worktrees available for spawning.
func (s *HubState) AvailableWorktrees() []WorktreeInfo {
	return s.availableWorktrees
}

// SetAvailableWorktrees replaces the available worktree list.
func (s *HubState) SetAvailableWorktrees(worktrees []WorktreeInfo) {
	s.availableWorktrees = worktrees
}

// Profiles returns the configured launch profiles.
func (s *HubState) Profiles() []string {
	return s.profiles
}

// SetProfiles replaces the launch profile list.
func (s *HubState) SetProfiles(profiles []string) {
	s.profiles = profiles
}

// AgentTypes returns the spawnable agent types.
func (s *HubState) AgentTypes() []string {
	return s.agentTypes
}

// Bundle returns the current connection bundle, if any.
func (s *HubState) Bundle() *secure.Bundle {
	return s.bundle
}

// SetBundle installs a fresh connection bundle and its URL.
func (s *HubState) SetBundle(b *secure.Bundle, url string) {
	s.bundle = b
	s.connectionURL = url
}

// ConnectionURL returns the last published pairing URL.
func (s *HubState) ConnectionURL() string {
	return s.connectionURL
}

// NeedsFreshBundle reports whether the next connection URL request must
// regenerate: no bundle yet, or the current one was consumed.
func (s *HubState) NeedsFreshBundle() bool {
	return s.bundle == nil || s.bundle.Used()
}

// --- Concurrent-safe HubState wrapper ---

// SafeHubState wraps HubState with a read-write lock.
//
// The event loop is the only writer; scripting primitives take read access
// so hub.* queries never block the loop. Scripts never hold the write
// guard across a callback return.
type SafeHubState struct {
	state *HubState
	mu    sync.RWMutex
}

// NewSafeHubState creates a new thread-safe HubState wrapper.
func NewSafeHubState() *SafeHubState {
	return &SafeHubState{state: NewHubState()}
}

// WithRead executes a function with read access to the state.
func (s *SafeHubState) WithRead(fn func(*HubState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}

// WithWrite executes a function with write access to the state.
func (s *SafeHubState) WithWrite(fn func(*HubState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}
