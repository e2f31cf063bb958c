package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClientFor(srv *httptest.Server) *Client {
	return New(&Config{
		BaseURL:  srv.URL,
		APIToken: "btstr_test",
		HubID:    "hub1",
	}, testLogger())
}

// --- payload extraction ---

func messageWith(payload map[string]any) *Message {
	return &Message{ID: 1, EventType: "issue_comment", Payload: payload}
}

func TestMessageRepo(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{
			name:    "nested repository.full_name",
			payload: map[string]any{"repository": map[string]any{"full_name": "owner/repo"}},
			want:    "owner/repo",
		},
		{
			name:    "flat repo",
			payload: map[string]any{"repo": "owner/other"},
			want:    "owner/other",
		},
		{
			name:    "missing",
			payload: map[string]any{},
			want:    "",
		},
		{
			name:    "repository not an object",
			payload: map[string]any{"repository": "oops"},
			want:    "",
		},
	}

	for _, tt := range tests {
		if got := messageWith(tt.payload).Repo(); got != tt.want {
			t.Errorf("%s: Repo() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMessageIssueNumber(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    *int
	}{
		{
			name:    "flat issue_number",
			payload: map[string]any{"issue_number": float64(42)},
			want:    intPtr(42),
		},
		{
			name:    "nested issue.number",
			payload: map[string]any{"issue": map[string]any{"number": float64(7)}},
			want:    intPtr(7),
		},
		{
			name:    "pull_request.number",
			payload: map[string]any{"pull_request": map[string]any{"number": float64(9)}},
			want:    intPtr(9),
		},
		{
			name:    "missing",
			payload: map[string]any{},
			want:    nil,
		},
	}

	for _, tt := range tests {
		got := messageWith(tt.payload).IssueNumber()
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("%s: IssueNumber() = %d, want nil", tt.name, *got)
		case tt.want != nil && (got == nil || *got != *tt.want):
			t.Errorf("%s: IssueNumber() = %v, want %d", tt.name, got, *tt.want)
		}
	}
}

func intPtr(n int) *int { return &n }

func TestMessagePromptFallsBackToContext(t *testing.T) {
	if got := messageWith(map[string]any{"prompt": "fix it"}).Prompt(); got != "fix it" {
		t.Errorf("Prompt() = %q", got)
	}
	if got := messageWith(map[string]any{"context": "more detail"}).Prompt(); got != "more detail" {
		t.Errorf("Prompt() = %q", got)
	}
}

func TestMessageCommentFields(t *testing.T) {
	msg := messageWith(map[string]any{
		"comment_author": "alice",
		"comment_body":   "ping",
		"issue_url":      "https://github.com/o/r/issues/1",
	})
	if msg.CommentAuthor() != "alice" || msg.CommentBody() != "ping" {
		t.Errorf("comment = %q / %q", msg.CommentAuthor(), msg.CommentBody())
	}
	if msg.InvocationURL() != "https://github.com/o/r/issues/1" {
		t.Errorf("InvocationURL() = %q", msg.InvocationURL())
	}
}

func TestMessageIsCleanup(t *testing.T) {
	msg := &Message{EventType: "agent_cleanup"}
	if !msg.IsCleanup() {
		t.Error("IsCleanup() = false for agent_cleanup")
	}
	if messageWith(nil).IsCleanup() {
		t.Error("IsCleanup() = true for issue_comment")
	}
}

// --- endpoints ---

func TestDoJSONSendsAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer btstr_test" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := testClientFor(srv)
	if err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
}

func TestPollMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hubs/hub1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": 5, "event_type": "issue_comment", "payload": map[string]any{"repo": "o/r"}},
			},
			"count": 1,
		})
	}))
	defer srv.Close()

	msgs, err := testClientFor(srv).PollMessages(context.Background())
	if err != nil {
		t.Fatalf("PollMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 5 || msgs[0].Repo() != "o/r" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestPollMessagesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := testClientFor(srv).PollMessages(context.Background()); err == nil {
		t.Error("500 should surface as an error")
	}
}

func TestAcknowledgeMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/hubs/hub1/messages/42" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	if err := testClientFor(srv).AcknowledgeMessage(context.Background(), 42); err != nil {
		t.Fatalf("AcknowledgeMessage failed: %v", err)
	}
}

func TestSendHeartbeatPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/hubs/hub1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var payload heartbeatPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if payload.Repo != "o/r" || len(payload.Agents) != 1 {
			t.Errorf("payload = %+v", payload)
		}
		if payload.Agents[0].SessionKey != "o-r-1" || payload.Agents[0].Status != "running" {
			t.Errorf("agent = %+v", payload.Agents[0])
		}
	}))
	defer srv.Close()

	ok, err := testClientFor(srv).SendHeartbeat(context.Background(), "o/r", []AgentHeartbeatInfo{
		{SessionKey: "o-r-1", Repo: "o/r", Status: "running"},
	})
	if err != nil || !ok {
		t.Fatalf("SendHeartbeat = %v, %v", ok, err)
	}
}

func TestSendHeartbeatTransportFailureIsSoft(t *testing.T) {
	c := New(&Config{BaseURL: "http://127.0.0.1:1", APIToken: "btstr_x", HubID: "h"}, testLogger())

	ok, err := c.SendHeartbeat(context.Background(), "o/r", nil)
	if err != nil {
		t.Fatalf("transport failure should not error: %v", err)
	}
	if ok {
		t.Error("failed heartbeat reported as delivered")
	}
}

func TestSendNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/hubs/hub1/notifications" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var payload notificationPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if payload.Repo != "o/r" || payload.NotificationType != "finished" {
			t.Errorf("payload = %+v", payload)
		}
		if payload.IssueNumber == nil || *payload.IssueNumber != 3 {
			t.Errorf("issue = %v", payload.IssueNumber)
		}
	}))
	defer srv.Close()

	n := 3
	err := testClientFor(srv).SendNotification(context.Background(), "o/r", &n, nil, "finished")
	if err != nil {
		t.Fatalf("SendNotification failed: %v", err)
	}
}

func TestSendNotificationServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	if err := testClientFor(srv).SendNotification(context.Background(), "o/r", nil, nil, "status"); err == nil {
		t.Error("422 should surface as an error")
	}
}
