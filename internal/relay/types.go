// Package relay provides signaling connectivity to the untrusted server.
//
// The server only relays: plaintext control messages on the command
// channel, and opaque encrypted envelopes on the signal channel. This file
// holds the wire types shared between the cable client and the hub.
package relay

import "encoding/json"

// Channel names on the signaling server.
const (
	CommandChannel = "HubCommandChannel"
	SignalChannel  = "HubSignalChannel"
)

// TerminalMessage types for hub -> client communication.
type TerminalMessage struct {
	Type      string         `json:"type"`
	Data      string         `json:"data,omitempty"`
	Agents    []AgentInfo    `json:"agents,omitempty"`
	Worktrees []WorktreeInfo `json:"worktrees,omitempty"`
	Repo      string         `json:"repo,omitempty"`
	ID        string         `json:"id,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// AgentsMessage creates an agents list message.
func AgentsMessage(agents []AgentInfo) TerminalMessage {
	return TerminalMessage{Type: "agents", Agents: agents}
}

// WorktreesMessage creates a worktrees list message.
func WorktreesMessage(worktrees []WorktreeInfo, repo string) TerminalMessage {
	return TerminalMessage{Type: "worktrees", Worktrees: worktrees, Repo: repo}
}

// AgentSelectedMessage creates an agent selected message.
func AgentSelectedMessage(id string) TerminalMessage {
	return TerminalMessage{Type: "agent_selected", ID: id}
}

// AgentCreatedMessage creates an agent created message.
func AgentCreatedMessage(id string) TerminalMessage {
	return TerminalMessage{Type: "agent_created", ID: id}
}

// AgentDeletedMessage creates an agent deleted message.
func AgentDeletedMessage(id string) TerminalMessage {
	return TerminalMessage{Type: "agent_deleted", ID: id}
}

// ErrorMessage creates an error message.
func ErrorMessage(msg string) TerminalMessage {
	return TerminalMessage{Type: "error", Message: msg}
}

// RawFrame is the hub's reply for a subscription whose payload is raw
// terminal bytes. Clients detect the "raw" key and hand the decoded bytes
// straight to their terminal emulator.
type RawFrame struct {
	SubscriptionID string `json:"subscriptionId"`
	Raw            string `json:"raw"`
}

// AgentInfo contains agent details for client display.
type AgentInfo struct {
	ID            string  `json:"id"`
	Key           string  `json:"key"`
	Repo          *string `json:"repo,omitempty"`
	IssueNumber   *int    `json:"issue_number,omitempty"`
	BranchName    *string `json:"branch_name,omitempty"`
	State         string  `json:"state"`
	ActivePty     string  `json:"active_pty,omitempty"`
	PtyNames      []string `json:"pty_names,omitempty"`
	HasNotify     bool    `json:"has_notification"`
	AgeSeconds    int64   `json:"age_seconds"`
}

// WorktreeInfo contains worktree details for client display.
type WorktreeInfo struct {
	Path        string `json:"path"`
	Branch      string `json:"branch"`
	IssueNumber *int   `json:"issue_number,omitempty"`
}

// ClientCommand is the client -> hub command schema used by browsers and
// the TUI alike. Scripts own the schema; the core recognises the fields it
// routes itself.
type ClientCommand struct {
	Type           string  `json:"type"`
	Data           string  `json:"data,omitempty"`
	ID             string  `json:"id,omitempty"`
	SubscriptionID string  `json:"subscriptionId,omitempty"`
	AgentIndex     *int    `json:"agent_index,omitempty"`
	PtyIndex       *int    `json:"pty_index,omitempty"`
	IssueOrBranch  *string `json:"issue_or_branch,omitempty"`
	Prompt         *string `json:"prompt,omitempty"`
	Path           string  `json:"path,omitempty"`
	Branch         string  `json:"branch,omitempty"`
	DeleteWorktree *bool   `json:"delete_worktree,omitempty"`
	Direction      string  `json:"direction,omitempty"`
	Lines          *int    `json:"lines,omitempty"`
	Cols           uint16  `json:"cols,omitempty"`
	Rows           uint16  `json:"rows,omitempty"`
	Index          *int    `json:"index,omitempty"`
	Prefix         *int    `json:"prefix,omitempty"`
}

// ParseClientCommand parses a JSON frame into a ClientCommand.
func ParseClientCommand(data []byte) (*ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}
