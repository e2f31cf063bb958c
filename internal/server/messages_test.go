package server

import (
	"strings"
	"testing"
)

func parsedFrom(eventType string, payload map[string]any) *ParsedMessage {
	return FromMessage(&Message{ID: 3, EventType: eventType, Payload: payload})
}

func TestFromMessageFlattens(t *testing.T) {
	parsed := parsedFrom("issue_comment", map[string]any{
		"repo":           "owner/repo",
		"issue_number":   float64(42),
		"prompt":         "do the task",
		"issue_url":      "https://github.com/owner/repo/issues/42",
		"comment_author": "alice",
		"comment_body":   "ping",
	})

	if parsed.MessageID != 3 || parsed.EventType != "issue_comment" {
		t.Errorf("envelope = %+v", parsed)
	}
	if parsed.Repo != "owner/repo" || parsed.IssueNumber == nil || *parsed.IssueNumber != 42 {
		t.Errorf("target = %+v", parsed)
	}
	if parsed.Prompt != "do the task" || parsed.CommentAuthor != "alice" {
		t.Errorf("content = %+v", parsed)
	}
}

func TestParsedIsCleanup(t *testing.T) {
	if !parsedFrom("agent_cleanup", nil).IsCleanup() {
		t.Error("IsCleanup() = false")
	}
	if parsedFrom("issue_comment", nil).IsCleanup() {
		t.Error("IsCleanup() = true for issue_comment")
	}
}

func TestFormatNotificationWithComment(t *testing.T) {
	parsed := parsedFrom("issue_comment", map[string]any{
		"comment_author": "alice",
		"comment_body":   "ping",
	})

	got := parsed.FormatNotification()
	want := "=== NEW MENTION (automated notification) ===\nalice mentioned you: ping\n=================="
	if got != want {
		t.Errorf("notification = %q, want %q", got, want)
	}
}

func TestFormatNotificationWithPrompt(t *testing.T) {
	parsed := parsedFrom("issue_comment", map[string]any{
		"prompt": "Please review this PR",
	})

	got := parsed.FormatNotification()
	if !strings.HasPrefix(got, mentionHeader) || !strings.HasSuffix(got, mentionFooter) {
		t.Errorf("banner missing: %q", got)
	}
	if !strings.Contains(got, "Please review this PR") {
		t.Errorf("prompt missing: %q", got)
	}
}

func TestFormatNotificationDefaults(t *testing.T) {
	got := parsedFrom("issue_comment", map[string]any{}).FormatNotification()
	if !strings.Contains(got, "unknown mentioned you: New mention") {
		t.Errorf("defaults missing: %q", got)
	}
}

func TestTaskDescription(t *testing.T) {
	tests := []struct {
		payload map[string]any
		want    string
	}{
		{map[string]any{"prompt": "explicit"}, "explicit"},
		{map[string]any{"comment_body": "from comment"}, "from comment"},
		{map[string]any{}, "Work on this issue"},
	}

	for _, tt := range tests {
		if got := parsedFrom("issue_comment", tt.payload).TaskDescription(); got != tt.want {
			t.Errorf("TaskDescription() = %q, want %q", got, tt.want)
		}
	}
}
