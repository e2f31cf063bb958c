// Package agent provides PTY session management for botster-hub agents.
//
// Each agent runs in a git worktree with a set of named PTY sessions. The
// "agent" session is always present; "cli" and "server" are created on
// demand. The agent is process-agnostic - it runs whatever the user
// configures via .botster_init scripts.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trybotster/botster-hub/internal/notification"
	"github.com/trybotster/botster-hub/internal/pty"
)

// Well-known PTY session names.
const (
	SessionAgent  = "agent"
	SessionCLI    = "cli"
	SessionServer = "server"
)

// State represents the lifecycle state of an agent.
type State string

const (
	// StatePending means the agent was created but has produced no output.
	StatePending State = "pending"

	// StateRunning means the agent's main PTY has produced output.
	StateRunning State = "running"

	// StateExited means the main PTY's child process is gone.
	StateExited State = "exited"

	// StateDead means the agent was removed from the hub.
	StateDead State = "dead"
)

// Config holds everything needed to create an agent.
type Config struct {
	// Repo is the repository name in "owner/repo" format.
	Repo string

	// IssueNumber is the GitHub issue number (if issue-based).
	IssueNumber *int

	// BranchName is the git branch name.
	BranchName string

	// WorktreePath is the path to the git worktree.
	WorktreePath string

	// Command is written to the main PTY after the shell starts
	// (typically "source .botster_init").
	Command string

	// Env are extra environment variables for every PTY session.
	Env map[string]string

	// InvocationURL is the URL that triggered this agent, used for
	// notification routing.
	InvocationURL string

	// Rows and Cols are the initial PTY dimensions.
	Rows uint16
	Cols uint16
}

// Notification is a drained agent notification with its origin.
type Notification struct {
	// SessionName is the PTY session that emitted the notification.
	SessionName string

	// Notification is the parsed OSC payload.
	Notification notification.Notification

	// Time is when the notification was drained.
	Time time.Time
}

// Agent represents a running agent bound to a git worktree.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID uuid.UUID

	// Repo is the repository name in "owner/repo" format.
	Repo string

	// IssueNumber is the GitHub issue number (if applicable).
	IssueNumber *int

	// BranchName is the git branch name.
	BranchName string

	// WorktreePath is the path to the git worktree.
	WorktreePath string

	// InvocationURL is the last URL that invoked this agent.
	InvocationURL string

	// StartTime is when the agent was created.
	StartTime time.Time

	// sessions maps session names to PTY sessions in insertion order.
	sessions     map[string]*pty.Session
	sessionOrder []string

	// activePTY is the session name currently focused.
	activePTY string

	// scrollOffsets tracks the parser-view scroll position per session.
	scrollOffsets map[string]int

	// state is the lifecycle state.
	state State

	// pendingNotification is set when a notification was drained and not
	// yet acted on by script policy.
	pendingNotification bool

	// lastCols and lastRows are the last applied dimensions, for idempotent
	// resize.
	lastCols uint16
	lastRows uint16

	env    map[string]string
	logger *slog.Logger
	mu     sync.RWMutex
}

// New creates an agent and spawns its main "agent" PTY session.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorktreePath == "" {
		return nil, fmt.Errorf("agent config missing worktree path")
	}

	a := &Agent{
		ID:            uuid.New(),
		Repo:          cfg.Repo,
		IssueNumber:   cfg.IssueNumber,
		BranchName:    cfg.BranchName,
		WorktreePath:  cfg.WorktreePath,
		InvocationURL: cfg.InvocationURL,
		StartTime:     time.Now(),
		sessions:      make(map[string]*pty.Session),
		scrollOffsets: make(map[string]int),
		activePTY:     SessionAgent,
		state:         StatePending,
		env:           cfg.Env,
		logger:        logger,
	}

	if _, err := a.SpawnSession(SessionAgent, cfg.Command, cfg.Rows, cfg.Cols); err != nil {
		return nil, err
	}

	return a, nil
}

// SpawnSession creates and starts a named PTY session running an
// interactive bash shell in the worktree. The command, if non-empty, is
// written to the shell shortly after it starts so the shell stays open
// after the command completes.
func (a *Agent) SpawnSession(name, command string, rows, cols uint16) (*pty.Session, error) {
	a.mu.Lock()
	if _, exists := a.sessions[name]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("session %q already exists", name)
	}
	env := a.buildEnv()
	a.mu.Unlock()

	session := pty.New(name, a.logger)
	err := session.Spawn(pty.SpawnConfig{
		Command: "bash",
		Args:    []string{"-i"},
		Dir:     a.WorktreePath,
		Env:     env,
		Rows:    rows,
		Cols:    cols,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn session %q: %w", name, err)
	}

	a.mu.Lock()
	a.sessions[name] = session
	a.sessionOrder = append(a.sessionOrder, name)
	a.mu.Unlock()

	go a.watchSession(name, session)

	if command != "" {
		// Give bash a moment to initialize before injecting the command.
		go func() {
			time.Sleep(100 * time.Millisecond)
			session.Write([]byte(command + "\n"))
		}()
	}

	return session, nil
}

// buildEnv assembles the BOTSTER_* environment. Callers hold a.mu.
func (a *Agent) buildEnv() []string {
	env := []string{"TERM=xterm-256color"}
	for k, v := range a.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	env = append(env, "BOTSTER_REPO="+a.Repo)
	if a.IssueNumber != nil {
		env = append(env, fmt.Sprintf("BOTSTER_ISSUE_NUMBER=%d", *a.IssueNumber))
	} else {
		env = append(env, "BOTSTER_ISSUE_NUMBER=0")
	}
	env = append(env, "BOTSTER_BRANCH_NAME="+a.BranchName)
	env = append(env, "BOTSTER_WORKTREE_PATH="+a.WorktreePath)

	if exe, err := os.Executable(); err == nil {
		env = append(env, "BOTSTER_HUB_BIN="+exe)
	} else {
		env = append(env, "BOTSTER_HUB_BIN=botster-hub")
	}

	return env
}

// watchSession tracks a session's lifecycle to drive the agent state
// machine: Pending -> Running on first output, Running -> Exited when the
// main session's process exits.
func (a *Agent) watchSession(name string, session *pty.Session) {
	sub := session.Subscribe()
	defer sub.Cancel()

	for ev := range sub.C {
		switch ev.Type {
		case pty.EventOutput:
			a.mu.Lock()
			if a.state == StatePending {
				a.state = StateRunning
			}
			a.mu.Unlock()

		case pty.EventProcessExited:
			if name == SessionAgent {
				a.mu.Lock()
				if a.state != StateDead {
					a.state = StateExited
				}
				a.mu.Unlock()
			}
			return
		}
	}
}

// Session returns a named PTY session.
func (a *Agent) Session(name string) (*pty.Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[name]
	return s, ok
}

// SessionNames returns the session names in insertion order.
func (a *Agent) SessionNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, len(a.sessionOrder))
	copy(names, a.sessionOrder)
	return names
}

// ActiveSession returns the focused PTY session.
func (a *Agent) ActiveSession() *pty.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.sessions[a.activePTY]; ok {
		return s
	}
	return a.sessions[SessionAgent]
}

// ActivePTYName returns the focused session name.
func (a *Agent) ActivePTYName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activePTY
}

// TogglePTYView rotates the focused session through the session names in
// insertion order.
func (a *Agent) TogglePTYView() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.sessionOrder) == 0 {
		return
	}
	for i, name := range a.sessionOrder {
		if name == a.activePTY {
			a.activePTY = a.sessionOrder[(i+1)%len(a.sessionOrder)]
			return
		}
	}
	a.activePTY = a.sessionOrder[0]
}

// RemoveSession drops an exited session from the map. Removing a session
// never removes the agent.
func (a *Agent) RemoveSession(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[name]; !ok {
		return
	}
	delete(a.sessions, name)
	for i, n := range a.sessionOrder {
		if n == name {
			a.sessionOrder = append(a.sessionOrder[:i], a.sessionOrder[i+1:]...)
			break
		}
	}
	if a.activePTY == name {
		a.activePTY = SessionAgent
	}
}

// WriteInput sends input to the focused PTY session.
func (a *Agent) WriteInput(input []byte) error {
	session := a.ActiveSession()
	if session == nil {
		return fmt.Errorf("no active PTY")
	}
	_, err := session.Write(input)
	return err
}

// WriteTo sends input to a named PTY session.
func (a *Agent) WriteTo(name string, input []byte) error {
	session, ok := a.Session(name)
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	_, err := session.Write(input)
	return err
}

// Resize applies dimensions to every PTY session the agent owns.
// (0, 0) is a sentinel meaning "invalidated, recompute on next render" and
// is recorded without touching the PTYs. Idempotent when unchanged.
func (a *Agent) Resize(cols, rows uint16) error {
	a.mu.Lock()
	if cols == a.lastCols && rows == a.lastRows {
		a.mu.Unlock()
		return nil
	}
	a.lastCols = cols
	a.lastRows = rows
	sessions := make([]*pty.Session, 0, len(a.sessionOrder))
	for _, name := range a.sessionOrder {
		sessions = append(sessions, a.sessions[name])
	}
	a.mu.Unlock()

	if cols == 0 && rows == 0 {
		return nil
	}

	var firstErr error
	for _, s := range sessions {
		if err := s.Resize(rows, cols); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LastDims returns the last applied (cols, rows).
func (a *Agent) LastDims() (cols, rows uint16) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastCols, a.lastRows
}

// --- Scroll methods (parser-view offsets for the focused session) ---

// ScrollUp scrolls the focused view up by the given number of lines.
func (a *Agent) ScrollUp(lines int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scrollOffsets[a.activePTY] += lines
}

// ScrollDown scrolls the focused view down by the given number of lines.
func (a *Agent) ScrollDown(lines int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := a.scrollOffsets[a.activePTY] - lines
	if offset < 0 {
		offset = 0
	}
	a.scrollOffsets[a.activePTY] = offset
}

// ScrollToTop scrolls to the oldest buffered content.
// The TUI clamps the offset to the panel's real scrollback count.
func (a *Agent) ScrollToTop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scrollOffsets[a.activePTY] = int(^uint(0) >> 1)
}

// ScrollToBottom resets the offset to show the latest content.
func (a *Agent) ScrollToBottom() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scrollOffsets[a.activePTY] = 0
}

// ScrollOffset returns the focused view's scroll offset.
func (a *Agent) ScrollOffset() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scrollOffsets[a.activePTY]
}

// --- Notifications ---

// PollNotifications drains and returns all pending notifications from the
// agent's sessions, FIFO within each session.
func (a *Agent) PollNotifications() []Notification {
	a.mu.RLock()
	order := make([]string, len(a.sessionOrder))
	copy(order, a.sessionOrder)
	sessions := make(map[string]*pty.Session, len(a.sessions))
	for k, v := range a.sessions {
		sessions[k] = v
	}
	a.mu.RUnlock()

	var drained []Notification
	for _, name := range order {
		session := sessions[name]
		for {
			select {
			case n := <-session.Notifications():
				drained = append(drained, Notification{
					SessionName:  name,
					Notification: n,
					Time:         time.Now(),
				})
			default:
				goto nextSession
			}
		}
	nextSession:
	}

	if len(drained) > 0 {
		a.mu.Lock()
		a.pendingNotification = true
		a.mu.Unlock()
	}

	return drained
}

// HasPendingNotification returns the pending-notification flag.
func (a *Agent) HasPendingNotification() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pendingNotification
}

// ClearPendingNotification resets the pending-notification flag.
func (a *Agent) ClearPendingNotification() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingNotification = false
}

// --- Lifecycle ---

// State returns the agent's lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Kill terminates every PTY session and moves the agent to Exited.
func (a *Agent) Kill() error {
	a.mu.Lock()
	sessions := make([]*pty.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	if a.state != StateDead {
		a.state = StateExited
	}
	a.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Kill(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkDead transitions the agent to Dead. Called by the hub when the agent
// is removed from state.
func (a *Agent) MarkDead() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateDead
}

// SessionKey returns the canonical AgentKey for this agent.
// Format: "owner-repo-42" for issues, "owner-repo-branch-name" for branches.
func (a *Agent) SessionKey() string {
	return BuildKey(a.Repo, a.IssueNumber, a.BranchName)
}

// BuildKey creates an AgentKey from its parts. Slashes in the repo and
// branch are replaced so the key is path- and URL-safe.
func BuildKey(repo string, issueNumber *int, branchName string) string {
	repoSafe := strings.ReplaceAll(repo, "/", "-")
	if issueNumber != nil {
		return fmt.Sprintf("%s-%d", repoSafe, *issueNumber)
	}
	branchSafe := strings.ReplaceAll(branchName, "/", "-")
	return fmt.Sprintf("%s-%s", repoSafe, branchSafe)
}

// Age returns how long the agent has existed.
func (a *Agent) Age() time.Duration {
	return time.Since(a.StartTime)
}

// GetID returns the agent's unique identifier as a string.
func (a *Agent) GetID() string {
	return a.ID.String()
}
