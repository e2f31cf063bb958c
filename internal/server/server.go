// Package server provides the HTTP client for the Botster API.
//
// Message traffic normally arrives over the ActionCable relay; this client
// covers the plain HTTP surface the hub still needs:
//   - heartbeats that keep the hub listed as online, with per-agent state
//   - notification forwarding (GitHub comments for OSC notifications)
//   - message polling and acknowledgement as the cable fallback
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// requestTimeout bounds every API call.
const requestTimeout = 30 * time.Second

// Config holds configuration for the API client.
type Config struct {
	// BaseURL is the server root, e.g. "https://trybotster.com".
	BaseURL string
	// APIToken is the paired device token.
	APIToken string
	// HubID identifies this hub instance.
	HubID string
}

// Client talks to the Botster API on behalf of one hub.
type Client struct {
	baseURL    string
	apiToken   string
	hubID      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an API client.
func New(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
		hubID:      cfg.HubID,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// doJSON performs one authenticated JSON request against a hub-scoped
// path. body and out may be nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// hubPath builds a path under this hub's resource.
func (c *Client) hubPath(suffix string) string {
	return "/hubs/" + c.hubID + suffix
}

// --- messages ---

// Message is one server message (a GitHub webhook event or a control
// notice), with a free-form payload.
type Message struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	SentAt    *time.Time     `json:"sent_at"`
	ClaimedAt *time.Time     `json:"claimed_at"`
}

// lookup walks nested payload objects by key path.
func (m *Message) lookup(keys ...string) any {
	var current any = m.Payload
	for _, key := range keys {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return current
}

// payloadString returns the first string found among the key paths.
func (m *Message) payloadString(paths ...[]string) string {
	for _, path := range paths {
		if s, ok := m.lookup(path...).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// payloadInt returns the first number found among the key paths.
func (m *Message) payloadInt(paths ...[]string) *int {
	for _, path := range paths {
		if f, ok := m.lookup(path...).(float64); ok {
			n := int(f)
			return &n
		}
	}
	return nil
}

// Repo extracts the repository name ("owner/repo") from the payload.
func (m *Message) Repo() string {
	return m.payloadString(
		[]string{"repository", "full_name"},
		[]string{"repo"},
	)
}

// IssueNumber extracts the issue (or pull request) number.
func (m *Message) IssueNumber() *int {
	return m.payloadInt(
		[]string{"issue_number"},
		[]string{"issue", "number"},
		[]string{"pull_request", "number"},
	)
}

// Prompt extracts the task prompt.
func (m *Message) Prompt() string {
	return m.payloadString(
		[]string{"prompt"},
		[]string{"context"},
	)
}

// InvocationURL extracts the URL that triggered the message.
func (m *Message) InvocationURL() string {
	return m.payloadString([]string{"issue_url"})
}

// CommentAuthor extracts the mentioning comment's author.
func (m *Message) CommentAuthor() string {
	return m.payloadString([]string{"comment_author"})
}

// CommentBody extracts the mentioning comment's text.
func (m *Message) CommentBody() string {
	return m.payloadString([]string{"comment_body"})
}

// IsCleanup reports whether this is an agent cleanup notice.
func (m *Message) IsCleanup() bool {
	return m.EventType == "agent_cleanup"
}

// messagesResponse is the body of GET /hubs/:id/messages.
type messagesResponse struct {
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

// PollMessages fetches pending messages. This is the fallback path for
// when the cable is down; normal delivery is pushed.
func (c *Client) PollMessages(ctx context.Context) ([]Message, error) {
	var out messagesResponse
	if err := c.doJSON(ctx, http.MethodGet, c.hubPath("/messages"), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// AcknowledgeMessage marks a message processed. Acknowledging the same
// message twice is safe; the server deduplicates.
func (c *Client) AcknowledgeMessage(ctx context.Context, messageID int64) error {
	return c.doJSON(ctx, http.MethodPatch, c.hubPath(fmt.Sprintf("/messages/%d", messageID)), nil, nil)
}

// --- presence ---

// AgentHeartbeatInfo is one agent's state in a heartbeat.
type AgentHeartbeatInfo struct {
	SessionKey        string  `json:"session_key"`
	Repo              string  `json:"repo,omitempty"`
	IssueNumber       *int    `json:"issue_number,omitempty"`
	BranchName        string  `json:"branch_name,omitempty"`
	Status            string  `json:"status,omitempty"`
	LastInvocationURL *string `json:"last_invocation_url,omitempty"`
}

// heartbeatPayload is the body of PUT /hubs/:id.
type heartbeatPayload struct {
	Repo   string               `json:"repo"`
	Agents []AgentHeartbeatInfo `json:"agents"`
}

// SendHeartbeat upserts the hub and its agents. Returns false (without an
// error) on transport failure so callers treat it as a missed beat, not a
// fault.
func (c *Client) SendHeartbeat(ctx context.Context, repo string, agents []AgentHeartbeatInfo) (bool, error) {
	payload := heartbeatPayload{Repo: repo, Agents: agents}
	if err := c.doJSON(ctx, http.MethodPut, c.hubPath(""), payload, nil); err != nil {
		c.logger.Warn("Heartbeat failed", "error", err)
		return false, nil
	}
	c.logger.Debug("Heartbeat sent", "agents", len(agents))
	return true, nil
}

// Heartbeat bumps the hub's last-seen timestamp without agent detail.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPatch, c.hubPath("/heartbeat"), nil, nil)
}

// --- notifications ---

// notificationPayload is the body of POST /hubs/:id/notifications.
type notificationPayload struct {
	Repo             string  `json:"repo"`
	IssueNumber      *int    `json:"issue_number,omitempty"`
	InvocationURL    *string `json:"invocation_url,omitempty"`
	NotificationType string  `json:"notification_type"`
}

// SendNotification forwards an agent notification so the server can post
// the matching GitHub comment.
func (c *Client) SendNotification(ctx context.Context, repo string, issueNumber *int, invocationURL *string, notificationType string) error {
	payload := notificationPayload{
		Repo:             repo,
		IssueNumber:      issueNumber,
		InvocationURL:    invocationURL,
		NotificationType: notificationType,
	}
	if err := c.doJSON(ctx, http.MethodPost, c.hubPath("/notifications"), payload, nil); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	c.logger.Info("Notification sent",
		"repo", repo,
		"issue_number", issueNumber,
		"type", notificationType,
	)
	return nil
}
