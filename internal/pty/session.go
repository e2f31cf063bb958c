package pty

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/trybotster/botster-hub/internal/notification"
)

// KillGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
const KillGracePeriod = 2 * time.Second

// SpawnConfig holds configuration for spawning a process in the PTY.
type SpawnConfig struct {
	// Command is the executable to run (e.g., "bash").
	Command string

	// Args are additional arguments.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env are extra environment variables (key=value format), appended
	// to the current environment.
	Env []string

	// Rows and Cols are the initial terminal dimensions.
	Rows uint16
	Cols uint16
}

// Session encapsulates all state for a single PTY session.
//
// A session owns one child process and its pseudo-terminal. Raw output is
// appended to the scrollback ring and broadcast to subscribers; a shadow
// parse of the same bytes tracks title, cwd, prompt marks, notifications
// and terminal mode changes.
type Session struct {
	// Name is the per-agent session name ("agent", "cli", "server").
	Name string

	// ptmx is the master PTY file descriptor (writes and resize).
	ptmx *os.File

	// cmd is the running command.
	cmd *exec.Cmd

	// broadcaster owns the scrollback ring and subscriber fan-out.
	broadcaster *Broadcaster

	// oscParser reassembles OSC/CSI sequences across reads.
	oscParser *notification.Parser

	// notificationChan receives detected OSC 9/777 notifications.
	notificationChan chan notification.Notification

	// rows and cols are the last applied terminal dimensions.
	rows uint16
	cols uint16

	// Parsed terminal state, updated by the reader goroutine.
	title          string
	cwd            string
	cursorVisible  bool
	kittyActive    bool
	focusReporting bool
	promptState    PromptMark
	lastCommand    string

	// exited is set once the child process is gone.
	exited   bool
	exitCode *int

	readerWg sync.WaitGroup
	logger   *slog.Logger
	mu       sync.RWMutex
}

// New creates a new PTY session with the given name.
func New(name string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Name:             name,
		broadcaster:      NewBroadcaster(DefaultScrollbackBytes),
		oscParser:        notification.New(),
		notificationChan: make(chan notification.Notification, 100),
		cursorVisible:    true,
		promptState:      MarkPromptStart,
		logger:           logger,
	}
}

// Spawn starts the child process in a new PTY with the configured
// dimensions and launches the reader goroutine.
func (s *Session) Spawn(cfg SpawnConfig) error {
	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}

	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = cmd
	s.rows = rows
	s.cols = cols
	s.mu.Unlock()

	s.readerWg.Add(1)
	go s.readerLoop()

	s.logger.Info("PTY spawned",
		"session", s.Name,
		"command", cfg.Command,
		"dir", cfg.Dir,
	)

	return nil
}

// readerLoop reads raw bytes from the PTY master, feeds the scrollback and
// subscribers, and runs the shadow OSC parse.
func (s *Session) readerLoop() {
	defer s.readerWg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.broadcaster.PublishOutput(chunk)
			s.processUpdates(chunk)
		}
		if err != nil {
			if err != io.EOF && !isClosedOrEIO(err) {
				s.logger.Error("PTY read error", "session", s.Name, "error", err)
			}
			s.finish()
			return
		}
	}
}

// isClosedOrEIO reports errors that just mean the child side is gone.
func isClosedOrEIO(err error) bool {
	if pathErr, ok := err.(*os.PathError); ok {
		return pathErr.Err == syscall.EIO || pathErr.Err == os.ErrClosed
	}
	return err == os.ErrClosed
}

// processUpdates runs the shadow OSC parse over a chunk and publishes the
// resulting typed events.
func (s *Session) processUpdates(chunk []byte) {
	for _, u := range s.oscParser.Feed(chunk) {
		switch u.Kind {
		case notification.KindNotification:
			select {
			case s.notificationChan <- u.Notification:
			default:
				// Channel full, drop notification.
			}

		case notification.KindTitle:
			s.mu.Lock()
			s.title = u.Text
			s.mu.Unlock()
			s.broadcaster.Publish(Event{Type: EventTitleChanged, Text: u.Text})

		case notification.KindCwd:
			s.mu.Lock()
			s.cwd = u.Text
			s.mu.Unlock()
			s.broadcaster.Publish(Event{Type: EventCwdChanged, Text: u.Text})

		case notification.KindPromptMark:
			mark := promptMarkFrom(u.Mark)
			s.mu.Lock()
			s.promptState = mark
			if mark == MarkCommandExecuted {
				s.lastCommand = u.Text
			}
			s.mu.Unlock()
			s.broadcaster.Publish(Event{
				Type: EventPromptMark,
				Mark: mark,
				Text: u.Text,
				Code: u.Code,
			})

		case notification.KindCursorVisibility:
			s.mu.Lock()
			s.cursorVisible = u.Flag
			s.mu.Unlock()
			s.broadcaster.Publish(Event{Type: EventCursorVisibilityChanged, Flag: u.Flag})

		case notification.KindFocusReporting:
			s.mu.Lock()
			s.focusReporting = u.Flag
			s.mu.Unlock()
			s.broadcaster.Publish(Event{Type: EventFocusReportingChanged, Flag: u.Flag})

		case notification.KindKitty:
			s.mu.Lock()
			s.kittyActive = u.Flag
			s.mu.Unlock()
			s.broadcaster.Publish(Event{Type: EventKittyChanged, Kitty: u.Flag})
		}
	}
}

// promptMarkFrom converts a notification mark into the session event kind.
func promptMarkFrom(m notification.Mark) PromptMark {
	switch m {
	case notification.MarkCommandStart:
		return MarkCommandStart
	case notification.MarkCommandExecuted:
		return MarkCommandExecuted
	case notification.MarkCommandFinished:
		return MarkCommandFinished
	default:
		return MarkPromptStart
	}
}

// finish reaps the child and publishes ProcessExited exactly once.
func (s *Session) finish() {
	var code *int
	if s.cmd != nil {
		err := s.cmd.Wait()
		if s.cmd.ProcessState != nil {
			c := s.cmd.ProcessState.ExitCode()
			if c >= 0 {
				code = &c
			}
		} else if err != nil {
			s.logger.Debug("PTY wait error", "session", s.Name, "error", err)
		}
	}

	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.exitCode = code
	s.mu.Unlock()

	s.broadcaster.Publish(Event{Type: EventProcessExited, ExitCode: code})
	s.broadcaster.Close()

	s.logger.Info("PTY exited", "session", s.Name, "exit_code", exitCodeString(code))
}

func exitCodeString(code *int) string {
	if code == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *code)
}

// Subscribe registers a subscriber. The first event it observes is the
// scrollback snapshot with the current kitty flag.
func (s *Session) Subscribe() *Subscription {
	s.mu.RLock()
	kitty := s.kittyActive
	s.mu.RUnlock()
	return s.broadcaster.Subscribe(kitty)
}

// Write writes input bytes to the PTY master.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.RLock()
	ptmx := s.ptmx
	s.mu.RUnlock()

	if ptmx == nil {
		return 0, fmt.Errorf("session %q not spawned", s.Name)
	}
	return ptmx.Write(p)
}

// Resize applies new dimensions via TIOCSWINSZ. Idempotent: a resize to the
// already-applied dimensions does nothing.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	if s.rows == rows && s.cols == cols {
		s.mu.Unlock()
		return nil
	}
	s.rows = rows
	s.cols = cols
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill terminates the child: SIGTERM first, SIGKILL after the grace period.
func (s *Session) Kill() error {
	s.mu.RLock()
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.RUnlock()

	if cmd != nil && cmd.Process != nil {
		s.logger.Info("Killing PTY child process", "session", s.Name)
		if err := cmd.Process.Signal(syscall.SIGTERM); err == nil {
			done := make(chan struct{})
			go func() {
				s.readerWg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(KillGracePeriod):
				cmd.Process.Kill()
			}
		} else {
			cmd.Process.Kill()
		}
	}

	if ptmx != nil {
		ptmx.Close()
	}

	s.readerWg.Wait()
	return nil
}

// Scrollback returns the raw scrollback snapshot.
func (s *Session) Scrollback() []byte {
	return s.broadcaster.Scrollback()
}

// IsSpawned returns true if a process has been started.
func (s *Session) IsSpawned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ptmx != nil
}

// HasExited returns true once the child process is gone.
func (s *Session) HasExited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exited
}

// ExitCode returns the child's exit code, if known.
func (s *Session) ExitCode() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

// Size returns the last applied dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows, s.cols
}

// Title returns the current OSC title.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// Cwd returns the current OSC 7 working directory.
func (s *Session) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// CursorVisible returns the DECTCEM state.
func (s *Session) CursorVisible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursorVisible
}

// KittyActive returns whether the kitty keyboard protocol is pushed.
func (s *Session) KittyActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kittyActive
}

// FocusReporting returns whether focus reporting is enabled.
func (s *Session) FocusReporting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.focusReporting
}

// PromptState returns the last observed OSC 133 mark.
func (s *Session) PromptState() PromptMark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.promptState
}

// Notifications returns the channel of detected OSC notifications.
func (s *Session) Notifications() <-chan notification.Notification {
	return s.notificationChan
}
