// Package hub provides central state management for botster-hub.
//
// This file contains command channel message routing. Cleanup notices are
// handled directly by the core; issue and pull request events route to an
// existing agent as an injected notification or spawn a new one; anything
// else is handed to script policy.
package hub

import (
	"encoding/json"
	"strings"

	"github.com/trybotster/botster-hub/internal/agent"
	"github.com/trybotster/botster-hub/internal/server"
)

// handleCommandMessage routes one command channel message.
func (h *Hub) handleCommandMessage(msg *server.Message) {
	h.Logger.Info("Command message received", "type", msg.EventType, "id", msg.ID)

	parsed := server.FromMessage(msg)

	switch {
	case parsed.IsCleanup():
		if parsed.Repo == "" || parsed.IssueNumber == nil {
			h.Logger.Warn("Cleanup message missing fields")
			return
		}
		key := agent.BuildKey(parsed.Repo, parsed.IssueNumber, "")
		h.Dispatch(CloseAgentAction(key, false))

	case msg.EventType == "issue_comment" || msg.EventType == "pull_request":
		h.routeIssueMessage(parsed)

	case strings.HasPrefix(msg.EventType, "cable:"):
		// Script-subscribed channel traffic.
		if h.Lua != nil {
			if raw, ok := msg.Payload["raw"].(string); ok {
				h.Lua.CableMessage(strings.TrimPrefix(msg.EventType, "cable:"), "on_message", []byte(raw))
			}
		}

	default:
		// Scripting-defined event types.
		if h.Lua != nil {
			if data, err := json.Marshal(map[string]any{
				"event_type": msg.EventType,
				"payload":    msg.Payload,
			}); err == nil {
				h.Lua.HubClientMessage(data)
			}
		}
	}
}

// routeIssueMessage delivers an issue/PR event: a notification to the live
// agent when one exists for the issue, a fresh agent otherwise. A message
// for a live agent never creates a second agent for the same issue.
func (h *Hub) routeIssueMessage(parsed *server.ParsedMessage) {
	if parsed.Repo == "" {
		h.Logger.Warn("Issue message missing repo")
		return
	}

	if parsed.IssueNumber != nil {
		key := agent.BuildKey(parsed.Repo, parsed.IssueNumber, "")

		var ag *agent.Agent
		h.State.WithRead(func(s *HubState) {
			ag, _ = s.GetAgent(key)
		})

		if ag != nil {
			h.notifyExistingAgent(ag, parsed)
			return
		}
	}

	h.Dispatch(SpawnAgentAction(SpawnRequest{
		Repo:          parsed.Repo,
		IssueNumber:   parsed.IssueNumber,
		Prompt:        parsed.TaskDescription(),
		MessageID:     &parsed.MessageID,
		InvocationURL: parsed.InvocationURL,
	}))
}

// notifyExistingAgent injects the mention text into the agent's "cli" PTY
// followed by two carriage returns so the CLI submits it.
func (h *Hub) notifyExistingAgent(ag *agent.Agent, parsed *server.ParsedMessage) {
	text := parsed.FormatNotification()

	target := agent.SessionCLI
	if _, ok := ag.Session(target); !ok {
		target = agent.SessionAgent
	}

	if err := ag.WriteTo(target, []byte(text)); err != nil {
		h.Logger.Warn("Notification inject failed", "key", ag.SessionKey(), "error", err)
		return
	}
	if err := ag.WriteTo(target, []byte("\r\r")); err != nil {
		h.Logger.Warn("Notification submit failed", "key", ag.SessionKey(), "error", err)
	}

	if parsed.InvocationURL != "" {
		ag.InvocationURL = parsed.InvocationURL
	}

	h.Logger.Info("Routed mention to existing agent",
		"key", ag.SessionKey(),
		"author", parsed.CommentAuthor,
	)
}
