package notification

import (
	"testing"
)

func TestStandaloneBellIgnored(t *testing.T) {
	// Standalone BEL character is ignored (not useful for agent notifications)
	data := []byte("some output\x07more output")
	notifications := Detect(data)
	if len(notifications) != 0 {
		t.Errorf("len = %d, want 0 (standalone BEL should be ignored)", len(notifications))
	}
}

func TestDetectOSC9WithBELTerminator(t *testing.T) {
	// OSC 9 with BEL terminator: ESC ] 9 ; message BEL
	data := []byte("\x1b]9;Test notification\x07")
	notifications := Detect(data)

	if len(notifications) != 1 {
		t.Fatalf("len = %d, want 1", len(notifications))
	}
	if notifications[0].Type != TypeOSC9 {
		t.Errorf("Type = %q, want %q", notifications[0].Type, TypeOSC9)
	}
	if notifications[0].Message != "Test notification" {
		t.Errorf("Message = %q, want 'Test notification'", notifications[0].Message)
	}
}

func TestDetectOSC9WithSTTerminator(t *testing.T) {
	// OSC 9 with ST terminator: ESC ] 9 ; message ESC \
	data := []byte("\x1b]9;Agent notification\x1b\\")
	notifications := Detect(data)

	if len(notifications) != 1 {
		t.Fatalf("len = %d, want 1", len(notifications))
	}
	if notifications[0].Type != TypeOSC9 {
		t.Errorf("Type = %q, want %q", notifications[0].Type, TypeOSC9)
	}
	if notifications[0].Message != "Agent notification" {
		t.Errorf("Message = %q, want 'Agent notification'", notifications[0].Message)
	}
}

func TestDetectOSC777Notification(t *testing.T) {
	// OSC 777: ESC ] 777 ; notify ; title ; body BEL
	data := []byte("\x1b]777;notify;Build Complete;All tests passed\x07")
	notifications := Detect(data)

	if len(notifications) != 1 {
		t.Fatalf("len = %d, want 1", len(notifications))
	}
	if notifications[0].Type != TypeOSC777 {
		t.Errorf("Type = %q, want %q", notifications[0].Type, TypeOSC777)
	}
	if notifications[0].Title != "Build Complete" {
		t.Errorf("Title = %q, want 'Build Complete'", notifications[0].Title)
	}
	if notifications[0].Body != "All tests passed" {
		t.Errorf("Body = %q, want 'All tests passed'", notifications[0].Body)
	}
}

func TestNoFalsePositiveBELInOSC(t *testing.T) {
	// BEL inside OSC should not trigger standalone Bell notification
	data := []byte("\x1b]9;message\x07")
	notifications := Detect(data)

	if len(notifications) != 1 {
		t.Fatalf("len = %d, want 1", len(notifications))
	}
	// Should be OSC9, not something else
	if notifications[0].Type != TypeOSC9 {
		t.Errorf("Type = %q, want %q", notifications[0].Type, TypeOSC9)
	}
}

func TestOSC9FiltersEscapeSequenceMessages(t *testing.T) {
	// OSC 9 with escape-sequence-like content (just numbers/semicolons) should be filtered
	data := []byte("\x1b]9;4;0;\x07")
	notifications := Detect(data)

	if len(notifications) != 0 {
		t.Errorf("len = %d, want 0 (should filter escape-sequence-like messages)", len(notifications))
	}

	// But real messages should still work
	data = []byte("\x1b]9;Real notification message\x07")
	notifications = Detect(data)

	if len(notifications) != 1 {
		t.Fatalf("len = %d, want 1", len(notifications))
	}
	if notifications[0].Message != "Real notification message" {
		t.Errorf("Message = %q, want 'Real notification message'", notifications[0].Message)
	}
}

func TestMultipleNotifications(t *testing.T) {
	// Multiple notifications in one buffer
	data := []byte("\x07\x1b]9;first\x07\x07\x1b]9;second\x1b\\")
	notifications := Detect(data)

	// Should detect: OSC9("first"), OSC9("second") - no standalone Bell
	if len(notifications) != 2 {
		t.Errorf("len = %d, want 2", len(notifications))
	}
}

func TestNoNotificationsInRegularOutput(t *testing.T) {
	// Regular output without OSC sequences
	data := []byte("Building project...\nCompilation complete.")
	notifications := Detect(data)

	if len(notifications) != 0 {
		t.Errorf("len = %d, want 0", len(notifications))
	}
}

func TestOSC777TitleOnly(t *testing.T) {
	// OSC 777 with title but no body
	data := []byte("\x1b]777;notify;Title Only\x07")
	notifications := Detect(data)

	if len(notifications) != 1 {
		t.Fatalf("len = %d, want 1", len(notifications))
	}
	if notifications[0].Title != "Title Only" {
		t.Errorf("Title = %q, want 'Title Only'", notifications[0].Title)
	}
	if notifications[0].Body != "" {
		t.Errorf("Body = %q, want empty", notifications[0].Body)
	}
}

func TestOSC777EmptyFiltered(t *testing.T) {
	// OSC 777 with empty title and body should be filtered
	data := []byte("\x1b]777;notify;\x07")
	notifications := Detect(data)

	if len(notifications) != 0 {
		t.Errorf("len = %d, want 0 (empty notification should be filtered)", len(notifications))
	}
}

func TestMixedContent(t *testing.T) {
	// Regular output mixed with notifications
	data := []byte("Starting build...\x1b]9;Build started\x07\nCompiling...\x1b]777;notify;Done;Success\x07End")
	notifications := Detect(data)

	if len(notifications) != 2 {
		t.Fatalf("len = %d, want 2", len(notifications))
	}
	if notifications[0].Type != TypeOSC9 {
		t.Errorf("notifications[0].Type = %q, want %q", notifications[0].Type, TypeOSC9)
	}
	if notifications[1].Type != TypeOSC777 {
		t.Errorf("notifications[1].Type = %q, want %q", notifications[1].Type, TypeOSC777)
	}
}

func TestIsEscapeSequence(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"4;0;", true},
		{"123", true},
		{";", true},
		{"", false},
		{"hello", false},
		{"4;0;hello", false},
		{"Real message", false},
	}

	for _, tt := range tests {
		got := isEscapeSequence(tt.input)
		if got != tt.want {
			t.Errorf("isEscapeSequence(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}


// === Streaming parser tests ===

func TestParserReassemblesSplitSequence(t *testing.T) {
	p := New()

	first := p.Feed([]byte("\x1b]9;task fin"))
	if len(first) != 0 {
		t.Fatalf("incomplete sequence produced %d updates", len(first))
	}

	second := p.Feed([]byte("ished\x07"))
	if len(second) != 1 {
		t.Fatalf("got %d updates, want 1", len(second))
	}
	if second[0].Kind != KindNotification {
		t.Errorf("Kind = %v, want KindNotification", second[0].Kind)
	}
	if second[0].Notification.Message != "task finished" {
		t.Errorf("Message = %q", second[0].Notification.Message)
	}
}

func TestParserTitleChange(t *testing.T) {
	updates := New().Feed([]byte("\x1b]0;my title\x07"))
	if len(updates) != 1 || updates[0].Kind != KindTitle {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[0].Text != "my title" {
		t.Errorf("Text = %q", updates[0].Text)
	}
}

func TestParserCwdChange(t *testing.T) {
	updates := New().Feed([]byte("\x1b]7;file://host/home/user/project\x1b\\"))
	if len(updates) != 1 || updates[0].Kind != KindCwd {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[0].Text != "/home/user/project" {
		t.Errorf("Text = %q", updates[0].Text)
	}
}

func TestParserPromptMarks(t *testing.T) {
	tests := []struct {
		seq  string
		mark Mark
	}{
		{"\x1b]133;A\x07", MarkPromptStart},
		{"\x1b]133;B\x07", MarkCommandStart},
		{"\x1b]133;C\x07", MarkCommandExecuted},
		{"\x1b]133;D;0\x07", MarkCommandFinished},
	}

	for _, tt := range tests {
		updates := New().Feed([]byte(tt.seq))
		if len(updates) != 1 || updates[0].Kind != KindPromptMark {
			t.Fatalf("%q: updates = %+v", tt.seq, updates)
		}
		if updates[0].Mark != tt.mark {
			t.Errorf("%q: Mark = %v, want %v", tt.seq, updates[0].Mark, tt.mark)
		}
	}
}

func TestParserCommandFinishedExitCode(t *testing.T) {
	updates := New().Feed([]byte("\x1b]133;D;42\x07"))
	if len(updates) != 1 {
		t.Fatalf("got %d updates", len(updates))
	}
	if updates[0].Code == nil || *updates[0].Code != 42 {
		t.Errorf("Code = %v, want 42", updates[0].Code)
	}
}

func TestParserCursorVisibility(t *testing.T) {
	updates := New().Feed([]byte("\x1b[?25l\x1b[?25h"))
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[0].Flag || !updates[1].Flag {
		t.Errorf("flags = %v, %v; want false, true", updates[0].Flag, updates[1].Flag)
	}
}

func TestParserFocusReporting(t *testing.T) {
	updates := New().Feed([]byte("\x1b[?1004h"))
	if len(updates) != 1 || updates[0].Kind != KindFocusReporting || !updates[0].Flag {
		t.Fatalf("updates = %+v", updates)
	}
}

func TestParserKittyPushPop(t *testing.T) {
	updates := New().Feed([]byte("\x1b[>1u"))
	if len(updates) != 1 || updates[0].Kind != KindKitty || !updates[0].Flag {
		t.Fatalf("push: updates = %+v", updates)
	}

	updates = New().Feed([]byte("\x1b[<u"))
	if len(updates) != 1 || updates[0].Kind != KindKitty || updates[0].Flag {
		t.Fatalf("pop: updates = %+v", updates)
	}
}

func TestParserOverlongSequenceDiscarded(t *testing.T) {
	p := New()

	payload := make([]byte, 0, maxSequenceLen+64)
	payload = append(payload, []byte("\x1b]9;")...)
	for len(payload) < maxSequenceLen+32 {
		payload = append(payload, 'x')
	}
	payload = append(payload, 0x07)

	if updates := p.Feed(payload); len(updates) != 0 {
		t.Errorf("overlong sequence produced %d updates", len(updates))
	}

	// The parser must recover for subsequent sequences.
	updates := p.Feed([]byte("\x1b]9;ok\x07"))
	if len(updates) != 1 {
		t.Errorf("parser did not recover: %d updates", len(updates))
	}
}
