// Package notification handles terminal OSC escape sequence detection.
//
// This module parses OSC (Operating System Command) escape sequences from PTY
// output that terminals use for notifications and shell integration. Agents
// can use these to signal events like task completion.
//
// Supported sequences:
//   - OSC 9: Simple notification (ESC ] 9 ; message BEL)
//   - OSC 777: Rich notification (ESC ] 777 ; notify ; title ; body BEL)
//   - OSC 0/2: Window title
//   - OSC 7: Working directory (file:// URL)
//   - OSC 133: Shell integration prompt marks (A/B/C/D)
//   - CSI ?25h/l: Cursor visibility
//   - CSI ?1004h/l: Focus reporting
//   - CSI >Nu / CSI <u: Kitty keyboard protocol push/pop
//
// The parser is a streaming state machine: sequences split across PTY reads
// are reassembled, and parsing happens on a shadow pass so the raw byte
// stream is never re-encoded or altered.
package notification

import (
	"net/url"
	"strconv"
	"strings"
)

// Type identifies the kind of notification.
type Type string

const (
	// TypeOSC9 is a simple notification with message.
	TypeOSC9 Type = "osc9"

	// TypeOSC777 is a rich notification with title and body.
	TypeOSC777 Type = "osc777"
)

// Notification represents a detected terminal notification.
type Notification struct {
	// Type is the notification type (osc9 or osc777).
	Type Type

	// Message is the notification message (OSC 9).
	Message string

	// Title is the notification title (OSC 777).
	Title string

	// Body is the notification body (OSC 777).
	Body string
}

// UpdateKind identifies the kind of terminal state update.
type UpdateKind int

const (
	// KindNotification is an OSC 9 or OSC 777 notification.
	KindNotification UpdateKind = iota

	// KindTitle is an OSC 0/2 title change.
	KindTitle

	// KindCwd is an OSC 7 working directory change.
	KindCwd

	// KindPromptMark is an OSC 133 shell integration mark.
	KindPromptMark

	// KindCursorVisibility is DECTCEM (CSI ?25h/l).
	KindCursorVisibility

	// KindFocusReporting is CSI ?1004h/l.
	KindFocusReporting

	// KindKitty is a kitty keyboard protocol push or pop.
	KindKitty
)

// Mark identifies an OSC 133 prompt mark.
type Mark int

const (
	// MarkPromptStart is OSC 133;A.
	MarkPromptStart Mark = iota

	// MarkCommandStart is OSC 133;B.
	MarkCommandStart

	// MarkCommandExecuted is OSC 133;C.
	MarkCommandExecuted

	// MarkCommandFinished is OSC 133;D.
	MarkCommandFinished
)

// Update is one parsed terminal state change.
type Update struct {
	Kind UpdateKind

	// Notification is set for KindNotification.
	Notification Notification

	// Text is the new title or cwd, or the command line for
	// MarkCommandExecuted when the shell reported one.
	Text string

	// Mark is set for KindPromptMark.
	Mark Mark

	// Code is the exit code for MarkCommandFinished, when reported.
	Code *int

	// Flag carries the boolean for cursor visibility, focus reporting
	// and kitty updates.
	Flag bool
}

// parser states.
const (
	stateGround = iota
	stateEsc
	stateOsc
	stateOscEsc
	stateCsi
)

// maxSequenceLen caps buffered sequence content. Overlong sequences are
// discarded rather than grown without bound.
const maxSequenceLen = 4096

// Parser is a streaming OSC/CSI scanner.
//
// Feed it raw PTY output in arbitrary chunks; it returns the terminal state
// updates completed by each chunk. The zero value is not usable; call New.
type Parser struct {
	state int
	buf   []byte
}

// New creates a streaming parser.
func New() *Parser {
	return &Parser{buf: make([]byte, 0, 128)}
}

// Feed scans a chunk of raw output and returns completed updates in order.
func (p *Parser) Feed(data []byte) []Update {
	var updates []Update

	for _, b := range data {
		switch p.state {
		case stateGround:
			if b == 0x1b {
				p.state = stateEsc
			}

		case stateEsc:
			switch b {
			case ']':
				p.state = stateOsc
				p.buf = p.buf[:0]
			case '[':
				p.state = stateCsi
				p.buf = p.buf[:0]
			case 0x1b:
				// Stay in esc: ESC ESC ] is still an OSC start.
			default:
				p.state = stateGround
			}

		case stateOsc:
			switch b {
			case 0x07:
				if u, ok := parseOsc(string(p.buf)); ok {
					updates = append(updates, u)
				}
				p.state = stateGround
			case 0x1b:
				p.state = stateOscEsc
			default:
				p.push(b)
			}

		case stateOscEsc:
			if b == '\\' {
				if u, ok := parseOsc(string(p.buf)); ok {
					updates = append(updates, u)
				}
				p.state = stateGround
			} else {
				// Bare ESC inside an OSC aborts the sequence.
				p.state = stateGround
				if b == 0x1b {
					p.state = stateEsc
				}
			}

		case stateCsi:
			// CSI final bytes are 0x40..0x7e.
			if b >= 0x40 && b <= 0x7e {
				if u, ok := parseCsi(string(p.buf), b); ok {
					updates = append(updates, u)
				}
				p.state = stateGround
			} else {
				p.push(b)
			}
		}
	}

	return updates
}

// push appends a byte to the sequence buffer, aborting overlong sequences.
func (p *Parser) push(b byte) {
	if len(p.buf) >= maxSequenceLen {
		p.state = stateGround
		p.buf = p.buf[:0]
		return
	}
	p.buf = append(p.buf, b)
}

// parseOsc interprets a complete OSC payload (between "ESC ]" and the
// terminator).
func parseOsc(content string) (Update, bool) {
	switch {
	case strings.HasPrefix(content, "0;") || strings.HasPrefix(content, "2;"):
		return Update{Kind: KindTitle, Text: content[2:]}, true

	case strings.HasPrefix(content, "7;"):
		return Update{Kind: KindCwd, Text: parseCwdURL(content[2:])}, true

	case strings.HasPrefix(content, "9;"):
		message := content[2:]
		// Filter messages that look like escape sequences (only
		// digits and semicolons) to avoid false positives.
		if message == "" || isEscapeSequence(message) {
			return Update{}, false
		}
		return Update{
			Kind:         KindNotification,
			Notification: Notification{Type: TypeOSC9, Message: message},
		}, true

	case strings.HasPrefix(content, "777;notify;"):
		rest := content[len("777;notify;"):]
		parts := strings.SplitN(rest, ";", 2)
		title, body := "", ""
		if len(parts) > 0 {
			title = parts[0]
		}
		if len(parts) > 1 {
			body = parts[1]
		}
		if title == "" && body == "" {
			return Update{}, false
		}
		return Update{
			Kind:         KindNotification,
			Notification: Notification{Type: TypeOSC777, Title: title, Body: body},
		}, true

	case strings.HasPrefix(content, "133;"):
		return parsePromptMark(content[4:])
	}

	return Update{}, false
}

// parsePromptMark interprets the payload after "133;".
func parsePromptMark(rest string) (Update, bool) {
	if rest == "" {
		return Update{}, false
	}

	params := strings.Split(rest, ";")
	switch params[0] {
	case "A":
		return Update{Kind: KindPromptMark, Mark: MarkPromptStart}, true
	case "B":
		return Update{Kind: KindPromptMark, Mark: MarkCommandStart}, true
	case "C":
		u := Update{Kind: KindPromptMark, Mark: MarkCommandExecuted}
		if len(params) > 1 {
			u.Text = params[1]
		}
		return u, true
	case "D":
		u := Update{Kind: KindPromptMark, Mark: MarkCommandFinished}
		if len(params) > 1 {
			if code, err := strconv.Atoi(params[1]); err == nil {
				u.Code = &code
			}
		}
		return u, true
	}

	return Update{}, false
}

// parseCwdURL extracts the path from an OSC 7 file:// URL.
func parseCwdURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme == "file" {
		if u.Path != "" {
			return u.Path
		}
	}
	return raw
}

// parseCsi interprets a complete CSI sequence (params + final byte).
func parseCsi(params string, final byte) (Update, bool) {
	switch {
	case params == "?25" && final == 'h':
		return Update{Kind: KindCursorVisibility, Flag: true}, true
	case params == "?25" && final == 'l':
		return Update{Kind: KindCursorVisibility, Flag: false}, true
	case params == "?1004" && final == 'h':
		return Update{Kind: KindFocusReporting, Flag: true}, true
	case params == "?1004" && final == 'l':
		return Update{Kind: KindFocusReporting, Flag: false}, true
	case final == 'u' && strings.HasPrefix(params, ">"):
		// Kitty keyboard push. ">0u" disables all enhancements.
		flags, err := strconv.Atoi(params[1:])
		active := err != nil || flags != 0
		return Update{Kind: KindKitty, Flag: active}, true
	case final == 'u' && strings.HasPrefix(params, "<"):
		// Kitty keyboard pop.
		return Update{Kind: KindKitty, Flag: false}, true
	}

	return Update{}, false
}

// Detect parses terminal notifications from a complete chunk of output.
//
// Convenience wrapper over Parser for callers that have the whole sequence
// in one buffer (tests, one-shot scans). Streaming callers should keep a
// Parser so sequences split across reads are reassembled.
func Detect(data []byte) []Notification {
	var notifications []Notification
	for _, u := range New().Feed(data) {
		if u.Kind == KindNotification {
			notifications = append(notifications, u.Notification)
		}
	}
	return notifications
}

// isEscapeSequence returns true if the message looks like an escape sequence
// (only contains digits and semicolons).
func isEscapeSequence(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !isDigitOrSemicolon(c) {
			return false
		}
	}
	return true
}

func isDigitOrSemicolon(c rune) bool {
	return (c >= '0' && c <= '9') || c == ';'
}
