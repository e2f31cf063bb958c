// Package server provides the HTTP client for the Botster API.
//
// This file flattens server messages into the fields the hub's routing
// actually consumes.
package server

import "fmt"

// mentionHeader and mentionFooter frame notification text injected into an agent's PTY so
// the agent can tell automation from operator typing.
const (
	mentionHeader = "=== NEW MENTION (automated notification) ==="
	mentionFooter = "=================="
)

// ParsedMessage is a message flattened for routing decisions.
type ParsedMessage struct {
	MessageID     int64
	EventType     string
	Repo          string
	IssueNumber   *int
	Prompt        string
	InvocationURL string
	CommentAuthor string
	CommentBody   string
}

// FromMessage flattens a Message.
func FromMessage(msg *Message) *ParsedMessage {
	return &ParsedMessage{
		MessageID:     msg.ID,
		EventType:     msg.EventType,
		Repo:          msg.Repo(),
		IssueNumber:   msg.IssueNumber(),
		Prompt:        msg.Prompt(),
		InvocationURL: msg.InvocationURL(),
		CommentAuthor: msg.CommentAuthor(),
		CommentBody:   msg.CommentBody(),
	}
}

// IsCleanup reports whether this is an agent cleanup notice.
func (p *ParsedMessage) IsCleanup() bool {
	return p.EventType == "agent_cleanup"
}

// FormatNotification renders the text injected into a live agent's PTY
// when a mention arrives for its issue.
func (p *ParsedMessage) FormatNotification() string {
	if p.Prompt != "" {
		return fmt.Sprintf("%s\n\n%s\n\n%s", mentionHeader, p.Prompt, mentionFooter)
	}

	author := p.CommentAuthor
	if author == "" {
		author = "unknown"
	}
	body := p.CommentBody
	if body == "" {
		body = "New mention"
	}
	return fmt.Sprintf("%s\n%s mentioned you: %s\n%s", mentionHeader, author, body, mentionFooter)
}

// TaskDescription is the prompt used when the message spawns a new agent.
func (p *ParsedMessage) TaskDescription() string {
	if p.Prompt != "" {
		return p.Prompt
	}
	if p.CommentBody != "" {
		return p.CommentBody
	}
	return "Work on this issue"
}
