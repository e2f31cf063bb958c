// Package hub provides the central state management for botster-hub.
//
// This file contains the Dispatch function - the central handler for all
// actions. TUI input, browser frames and server messages all eventually
// become actions that are processed here, each handler written as if it
// owned the hub exclusively.
package hub

import (
	"github.com/atotto/clipboard"

	"github.com/trybotster/botster-hub/internal/git"
	"github.com/trybotster/botster-hub/internal/relay"
)

// copyConnectionURL puts the current pairing URL on the clipboard.
func (h *Hub) copyConnectionURL() {
	var url string
	h.State.WithRead(func(s *HubState) { url = s.ConnectionURL() })
	if url == "" {
		return
	}
	if err := clipboard.WriteAll(url); err != nil {
		h.Logger.Warn("Clipboard copy failed", "error", err)
	}
}

// gitDetectRepo returns the current repository name, if detectable.
func gitDetectRepo() (string, error) {
	info, err := git.DetectCurrentRepo()
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

// Dispatch processes one action against hub state.
func (h *Hub) Dispatch(action Action) {
	switch action.Type {
	case ActionQuit:
		h.quit = true

	case ActionSpawnAgent:
		if action.Spawn != nil {
			if _, err := h.spawnAgent(*action.Spawn); err != nil {
				h.Logger.Error("Agent spawn failed", "error", err)
			}
		}

	case ActionCloseAgent:
		if err := h.closeAgent(action.SessionKey, action.DeleteWorktree); err != nil {
			h.Logger.Error("Agent close failed", "key", action.SessionKey, "error", err)
		}

	case ActionSelectAgentForClient:
		h.selectAgentForClient(action.Client, action.SessionKey)

	case ActionSelectNext:
		h.selectRelative(action.Client, 1)

	case ActionSelectPrevious:
		h.selectRelative(action.Client, -1)

	case ActionSelectByIndex:
		// 1-based index for keyboard shortcuts.
		var key string
		var ok bool
		h.State.WithRead(func(s *HubState) {
			key, ok = s.KeyByIndex(action.Index - 1)
		})
		if ok {
			h.selectAgentForClient(action.Client, key)
		}

	case ActionSendInputForClient:
		h.sendInputForClient(action.Client, action.Input)

	case ActionResizeForClient:
		h.resizeForClient(action.Client, action.Cols, action.Rows)

	case ActionScrollForClient:
		h.scrollForClient(action.Client, action.Scroll, action.Lines)

	case ActionTogglePtyViewForClient:
		h.togglePtyViewForClient(action.Client)

	case ActionCreateAgentForClient:
		h.createAgentForClient(action.Client, action.Spawn)

	case ActionDeleteAgentForClient:
		h.deleteAgentForClient(action.Client, action.SessionKey, action.DeleteWorktree)

	case ActionRequestAgentList:
		h.sendAgentListTo(action.Client)

	case ActionRequestWorktreeList:
		h.sendWorktreeListTo(action.Client)

	case ActionTogglePolling:
		h.pollingEnabled = !h.pollingEnabled
		h.Logger.Info("Polling toggled", "enabled", h.pollingEnabled)

	case ActionShowConnectionCode:
		h.generateConnectionCode(false)

	case ActionRegenerateConnectionCode:
		h.generateConnectionCode(true)

	case ActionCopyConnectionURL:
		h.copyConnectionURL()

	case ActionNone:
	}
}

// selectAgentForClient records the selection, updates the viewer index and
// applies the client's declared dims to the agent - all three coupled.
func (h *Hub) selectAgentForClient(client ClientID, key string) {
	var exists bool
	h.State.WithRead(func(s *HubState) {
		_, exists = s.GetAgent(key)
	})
	if !exists {
		h.Registry.SendErrorTo(client, "no such agent: "+key)
		return
	}

	dims, hasDims, err := h.Registry.Select(client, key)
	if err != nil {
		return
	}

	// Selection->resize coupling: the client's stored dims apply at the
	// moment of selection, so selecting before the first resize arrives
	// is eventually correct.
	if hasDims {
		h.State.WithRead(func(s *HubState) {
			if ag, ok := s.GetAgent(key); ok {
				if err := ag.Resize(dims.Cols, dims.Rows); err != nil {
					h.Logger.Warn("Resize on select failed", "error", err)
				}
			}
		})
	}

	if err := h.Registry.SendJSONTo(client, relay.AgentSelectedMessage(key)); err != nil {
		h.Logger.Debug("Selection reply failed", "client", client.String())
	}
	h.wake()
}

// selectRelative moves a client's selection through the ordered key list,
// wrapping. A no-op with an empty agent list.
func (h *Hub) selectRelative(client ClientID, delta int) {
	state, ok := h.Registry.State(client)
	if !ok {
		return
	}

	var next string
	h.State.WithRead(func(s *HubState) {
		keys := s.OrderedKeys()
		if len(keys) == 0 {
			return
		}
		idx := 0
		if state.HasSelection {
			if i, found := s.IndexOfKey(state.SelectedAgent); found {
				idx = (i + delta + len(keys)) % len(keys)
			}
		} else if delta < 0 {
			idx = len(keys) - 1
		}
		next = keys[idx]
	})

	if next != "" {
		h.selectAgentForClient(client, next)
	}
}

// sendInputForClient writes keystrokes to the client's selected PTY.
// Input with no selection is dropped silently (documented behaviour).
func (h *Hub) sendInputForClient(client ClientID, input []byte) {
	state, ok := h.Registry.State(client)
	if !ok || !state.HasSelection {
		return
	}

	h.State.WithRead(func(s *HubState) {
		ag, ok := s.GetAgent(state.SelectedAgent)
		if !ok {
			return
		}
		if err := ag.WriteInput(input); err != nil {
			h.Logger.Warn("PTY input failed", "agent", state.SelectedAgent, "error", err)
		}
	})
}

// resizeForClient stores the client's dims and resizes its selected agent.
func (h *Hub) resizeForClient(client ClientID, cols, rows uint16) {
	selected, hasSelection := h.Registry.SetDims(client, cols, rows)
	if !hasSelection {
		return
	}

	h.State.WithRead(func(s *HubState) {
		if ag, ok := s.GetAgent(selected); ok {
			if err := ag.Resize(cols, rows); err != nil {
				h.Logger.Warn("Resize failed", "agent", selected, "error", err)
			}
		}
	})
}

// scrollForClient adjusts the selected agent's focused view offset.
// A no-op with no selected agent.
func (h *Hub) scrollForClient(client ClientID, dir ScrollDirection, lines int) {
	state, ok := h.Registry.State(client)
	if !ok || !state.HasSelection {
		return
	}

	h.State.WithRead(func(s *HubState) {
		ag, ok := s.GetAgent(state.SelectedAgent)
		if !ok {
			return
		}
		switch dir {
		case ScrollUp:
			ag.ScrollUp(lines)
		case ScrollDown:
			ag.ScrollDown(lines)
		case ScrollToTop:
			ag.ScrollToTop()
		case ScrollToBottom:
			ag.ScrollToBottom()
		}
	})
	h.wake()
}

// togglePtyViewForClient rotates the selected agent's focused PTY.
func (h *Hub) togglePtyViewForClient(client ClientID) {
	state, ok := h.Registry.State(client)
	if !ok || !state.HasSelection {
		return
	}

	h.State.WithRead(func(s *HubState) {
		if ag, ok := s.GetAgent(state.SelectedAgent); ok {
			ag.TogglePTYView()
			h.Registry.SetSelectedPTY(client, ag.ActivePTYName())
		}
	})
	h.wake()
}

// createAgentForClient spawns an agent on a client's behalf and selects it
// for that client.
func (h *Hub) createAgentForClient(client ClientID, req *SpawnRequest) {
	if req == nil {
		req = &SpawnRequest{}
	}

	key, err := h.spawnAgent(*req)
	if err != nil {
		h.Registry.SendErrorTo(client, err.Error())
		return
	}

	if err := h.Registry.SendJSONTo(client, relay.AgentCreatedMessage(key)); err != nil {
		h.Logger.Debug("Creation reply failed", "client", client.String())
	}
	h.selectAgentForClient(client, key)
	h.broadcastAgentList()
}

// deleteAgentForClient closes an agent on a client's behalf.
func (h *Hub) deleteAgentForClient(client ClientID, key string, deleteWorktree bool) {
	if key == "" {
		if state, ok := h.Registry.State(client); ok && state.HasSelection {
			key = state.SelectedAgent
		}
	}
	if key == "" {
		h.Registry.SendErrorTo(client, "no agent selected")
		return
	}

	if err := h.closeAgent(key, deleteWorktree); err != nil {
		h.Registry.SendErrorTo(client, err.Error())
		return
	}
	if err := h.Registry.SendJSONTo(client, relay.AgentDeletedMessage(key)); err != nil {
		h.Logger.Debug("Deletion reply failed", "client", client.String())
	}
	h.broadcastAgentList()
}

// sendWorktreeListTo delivers the available worktree list to one client.
func (h *Hub) sendWorktreeListTo(client ClientID) {
	h.refreshWorktrees()

	var infos []relay.WorktreeInfo
	repo := ""
	h.State.WithRead(func(s *HubState) {
		for _, wt := range s.AvailableWorktrees() {
			infos = append(infos, relay.WorktreeInfo{Path: wt.Path, Branch: wt.Branch})
		}
	})
	if h.Git != nil {
		if info, err := gitDetectRepo(); err == nil {
			repo = info
		}
	}

	if err := h.Registry.SendJSONTo(client, relay.WorktreesMessage(infos, repo)); err != nil {
		h.Logger.Debug("Worktree list send failed", "client", client.String())
	}
}
