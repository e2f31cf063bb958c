// Package pty provides pseudo-terminal session management for agents.
//
// Each agent owns one or more named PTY sessions ("agent", "cli", "server").
// A session spawns a child process inside a pseudo-terminal, keeps a
// binary-safe scrollback ring of everything the child wrote, and fans the
// live byte stream out to any number of subscribers. The byte stream is also
// scanned (on a shadow pass, never re-encoded) for OSC sequences that carry
// titles, working directories, prompt marks and desktop notifications.
package pty

// EventType identifies the kind of session event.
type EventType int

const (
	// EventOutput carries live raw bytes from the child process.
	EventOutput EventType = iota

	// EventScrollback carries the full scrollback snapshot. It is sent
	// exactly once per subscriber, before any live output.
	EventScrollback

	// EventProcessExited signals that the child process exited.
	EventProcessExited

	// EventTitleChanged signals an OSC 0/2 title update.
	EventTitleChanged

	// EventCwdChanged signals an OSC 7 working directory update.
	EventCwdChanged

	// EventPromptMark signals an OSC 133 shell integration mark.
	EventPromptMark

	// EventCursorVisibilityChanged signals DECTCEM (CSI ?25h/l).
	EventCursorVisibilityChanged

	// EventFocusReportingChanged signals focus reporting mode (CSI ?1004h/l).
	EventFocusReportingChanged

	// EventKittyChanged signals the kitty keyboard protocol being pushed
	// or popped (CSI >Nu / CSI <u).
	EventKittyChanged
)

// PromptMark identifies an OSC 133 shell integration mark.
type PromptMark int

const (
	// MarkPromptStart is OSC 133;A - the shell is about to print a prompt.
	MarkPromptStart PromptMark = iota

	// MarkCommandStart is OSC 133;B - the user is typing a command.
	MarkCommandStart

	// MarkCommandExecuted is OSC 133;C - the command started executing.
	MarkCommandExecuted

	// MarkCommandFinished is OSC 133;D - the command finished.
	MarkCommandFinished
)

// Event is a tagged variant delivered to session subscribers.
//
// Only the fields relevant to the Type are populated. Data is shared with
// the emitter for Output events; subscribers must not mutate it.
type Event struct {
	Type EventType

	// Data holds raw bytes for Output and Scrollback events.
	Data []byte

	// Kitty is the kitty keyboard flag. For Scrollback it reports the
	// session's current state; for KittyChanged the new state.
	Kitty bool

	// Flag carries the boolean for CursorVisibilityChanged and
	// FocusReportingChanged.
	Flag bool

	// ExitCode is set for ProcessExited when the exit status is known.
	ExitCode *int

	// Text holds the new title or cwd for TitleChanged/CwdChanged, and
	// the command line (if reported) for MarkCommandExecuted.
	Text string

	// Mark is set for PromptMark events.
	Mark PromptMark

	// Code is the command exit code for MarkCommandFinished, when present.
	Code *int
}
