// Package hub provides the central state management for botster-hub.
//
// This file contains HubAction types - the closed set of intent verbs the
// core responds to uniformly regardless of origin. TUI input, browser
// frames, server messages and script requests all eventually become actions
// that are processed by the event loop.
package hub

// ActionType identifies the kind of action.
type ActionType int

const (
	// === Agent Lifecycle ===
	ActionSpawnAgent ActionType = iota
	ActionCloseAgent

	// === Per-client Selection ===
	ActionSelectAgentForClient
	ActionSelectNext
	ActionSelectPrevious
	ActionSelectByIndex

	// === Per-client Interaction ===
	ActionSendInputForClient
	ActionResizeForClient
	ActionScrollForClient
	ActionTogglePtyViewForClient

	// === Per-client Agent Management ===
	ActionCreateAgentForClient
	ActionDeleteAgentForClient
	ActionRequestAgentList
	ActionRequestWorktreeList

	// === Application Control ===
	ActionTogglePolling
	ActionShowConnectionCode
	ActionRegenerateConnectionCode
	ActionCopyConnectionURL
	ActionQuit
	ActionNone
)

// ScrollDirection is the scroll verb for ActionScrollForClient.
type ScrollDirection int

const (
	ScrollUp ScrollDirection = iota
	ScrollDown
	ScrollToTop
	ScrollToBottom
)

// SpawnRequest contains configuration for spawning an agent.
type SpawnRequest struct {
	Repo          string
	IssueNumber   *int
	BranchName    string
	WorktreePath  string
	Prompt        string
	MessageID     *int64
	InvocationURL string
}

// Action represents a user intention that modifies hub state.
// Actions can come from keyboard input, browser frames, server messages or
// scripts; the event loop handles them uniformly.
type Action struct {
	Type ActionType

	// Client is the originating client for per-client actions.
	Client ClientID

	// Spawn holds the configuration for ActionSpawnAgent and
	// ActionCreateAgentForClient.
	Spawn *SpawnRequest

	// SessionKey targets an agent for close/select actions.
	SessionKey string

	// DeleteWorktree is set for ActionCloseAgent and
	// ActionDeleteAgentForClient.
	DeleteWorktree bool

	// Index is the 1-based index for ActionSelectByIndex.
	Index int

	// Input holds raw bytes for ActionSendInputForClient.
	Input []byte

	// Cols and Rows are the dimensions for ActionResizeForClient.
	Cols uint16
	Rows uint16

	// Scroll is the direction for ActionScrollForClient.
	Scroll ScrollDirection

	// Lines is the line count for ScrollUp/ScrollDown.
	Lines int
}

// --- Action Constructors ---

// SpawnAgentAction creates an agent spawn action.
func SpawnAgentAction(req SpawnRequest) Action {
	return Action{Type: ActionSpawnAgent, Spawn: &req}
}

// CloseAgentAction creates a close action.
func CloseAgentAction(sessionKey string, deleteWorktree bool) Action {
	return Action{Type: ActionCloseAgent, SessionKey: sessionKey, DeleteWorktree: deleteWorktree}
}

// SelectAgentAction creates a per-client selection action.
func SelectAgentAction(client ClientID, sessionKey string) Action {
	return Action{Type: ActionSelectAgentForClient, Client: client, SessionKey: sessionKey}
}

// SelectNextAction advances a client's selection.
func SelectNextAction(client ClientID) Action {
	return Action{Type: ActionSelectNext, Client: client}
}

// SelectPreviousAction rewinds a client's selection.
func SelectPreviousAction(client ClientID) Action {
	return Action{Type: ActionSelectPrevious, Client: client}
}

// SelectByIndexAction selects by 1-based index for keyboard shortcuts.
func SelectByIndexAction(client ClientID, index int) Action {
	return Action{Type: ActionSelectByIndex, Client: client, Index: index}
}

// SendInputAction creates a per-client input action.
func SendInputAction(client ClientID, input []byte) Action {
	return Action{Type: ActionSendInputForClient, Client: client, Input: input}
}

// ResizeAction creates a per-client resize action.
func ResizeAction(client ClientID, cols, rows uint16) Action {
	return Action{Type: ActionResizeForClient, Client: client, Cols: cols, Rows: rows}
}

// ScrollAction creates a per-client scroll action.
func ScrollAction(client ClientID, dir ScrollDirection, lines int) Action {
	return Action{Type: ActionScrollForClient, Client: client, Scroll: dir, Lines: lines}
}

// TogglePtyViewAction rotates a client's focused PTY.
func TogglePtyViewAction(client ClientID) Action {
	return Action{Type: ActionTogglePtyViewForClient, Client: client}
}

// CreateAgentAction creates an agent on a client's behalf.
func CreateAgentAction(client ClientID, req SpawnRequest) Action {
	return Action{Type: ActionCreateAgentForClient, Client: client, Spawn: &req}
}

// DeleteAgentAction deletes an agent on a client's behalf.
func DeleteAgentAction(client ClientID, sessionKey string, deleteWorktree bool) Action {
	return Action{
		Type:           ActionDeleteAgentForClient,
		Client:         client,
		SessionKey:     sessionKey,
		DeleteWorktree: deleteWorktree,
	}
}

// RequestAgentListAction asks for the agent list to be sent to a client.
func RequestAgentListAction(client ClientID) Action {
	return Action{Type: ActionRequestAgentList, Client: client}
}

// RequestWorktreeListAction asks for the worktree list to be sent to a client.
func RequestWorktreeListAction(client ClientID) Action {
	return Action{Type: ActionRequestWorktreeList, Client: client}
}

// QuitAction requests hub shutdown.
func QuitAction() Action {
	return Action{Type: ActionQuit}
}
