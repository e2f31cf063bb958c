// Package hub provides agent lifecycle management.
//
// This file contains agent spawning and closing. Spawning binds a worktree,
// copies the .botster_init protocol files, starts the "agent" and "cli"
// PTY sessions (and "server" when configured), and registers the agent in
// hub state; closing unwinds all of it and clears every client's selection
// in the same critical section.
package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trybotster/botster-hub/internal/agent"
	"github.com/trybotster/botster-hub/internal/git"
	"github.com/trybotster/botster-hub/internal/prompt"
	"github.com/trybotster/botster-hub/internal/pty"
)

// DefaultDims are the PTY dimensions used before any client declares its
// own.
const (
	DefaultRows uint16 = 24
	DefaultCols uint16 = 80
)

// spawnAgent creates and starts a new agent. Returns the agent key.
// Spawning an agent whose key is already live is a no-op returning the
// existing key: an agent is never recreated under the same key until the
// previous one is fully destroyed.
func (h *Hub) spawnAgent(req SpawnRequest) (string, error) {
	repo := req.Repo
	if repo == "" {
		if override := os.Getenv("BOTSTER_REPO"); override != "" {
			repo = override
		} else if info, err := git.DetectCurrentRepo(); err == nil {
			repo = info.Name
		}
	}

	branch := req.BranchName
	if branch == "" {
		if req.IssueNumber != nil {
			branch = fmt.Sprintf("botster-issue-%d", *req.IssueNumber)
		} else {
			branch = fmt.Sprintf("botster-%s", randomSuffix())
		}
	}

	key := agent.BuildKey(repo, req.IssueNumber, branch)

	var exists bool
	h.State.WithRead(func(s *HubState) {
		_, exists = s.GetAgent(key)
	})
	if exists {
		h.Logger.Info("Agent already exists, skipping spawn", "key", key)
		return key, nil
	}

	worktreePath := req.WorktreePath
	if worktreePath == "" && h.Git != nil {
		created, err := h.Git.CreateWorktree(branch)
		if err != nil {
			return "", Errorf(ErrGit, "worktree creation failed: %w", err)
		}
		worktreePath = created
	}
	if worktreePath == "" {
		return "", Errorf(ErrGit, "no worktree path for agent %s", key)
	}

	h.prepareWorktree(worktreePath, req.Prompt)

	command := ""
	if _, err := os.Stat(filepath.Join(worktreePath, ".botster_init")); err == nil {
		command = "source .botster_init"
	}

	ag, err := agent.New(agent.Config{
		Repo:          repo,
		IssueNumber:   req.IssueNumber,
		BranchName:    branch,
		WorktreePath:  worktreePath,
		Command:       command,
		InvocationURL: req.InvocationURL,
		Rows:          DefaultRows,
		Cols:          DefaultCols,
	}, h.Logger)
	if err != nil {
		return "", Errorf(ErrPty, "agent spawn failed: %w", err)
	}

	// The "cli" session always exists so notifications have somewhere to
	// land; "server" comes from the worktree's .botster_server file.
	if _, err := ag.SpawnSession(agent.SessionCLI, "", DefaultRows, DefaultCols); err != nil {
		h.Logger.Warn("CLI session spawn failed", "key", key, "error", err)
	}
	if data, err := os.ReadFile(filepath.Join(worktreePath, ".botster_server")); err == nil {
		serverCmd := strings.TrimSpace(string(data))
		if serverCmd != "" {
			if _, err := ag.SpawnSession(agent.SessionServer, serverCmd, DefaultRows, DefaultCols); err != nil {
				h.Logger.Warn("Server session spawn failed", "key", key, "error", err)
			}
		}
	}

	h.State.WithWrite(func(s *HubState) {
		s.AddAgent(key, ag)
	})

	h.watchAgentOutput(key, ag)

	h.Logger.Info("Agent spawned",
		"key", key,
		"repo", repo,
		"branch", branch,
		"worktree", worktreePath,
	)

	if h.Lua != nil {
		h.Lua.EmitEvent("agent_created", map[string]any{
			"key":    key,
			"id":     ag.GetID(),
			"repo":   repo,
			"branch": branch,
		})
	}
	h.refreshWorktrees()
	h.broadcastAgentList()

	return key, nil
}

// prepareWorktree writes the spawn protocol files into a fresh worktree.
func (h *Hub) prepareWorktree(worktreePath, taskPrompt string) {
	if taskPrompt != "" {
		if err := prompt.Write(worktreePath, taskPrompt); err != nil {
			h.Logger.Warn("Prompt write failed", "error", err)
		}
	}

	// Copy .botster_init from the main repo so the worktree sources the
	// same setup.
	if info, err := git.DetectCurrentRepo(); err == nil {
		src := filepath.Join(info.Path, ".botster_init")
		dst := filepath.Join(worktreePath, ".botster_init")
		if data, err := os.ReadFile(src); err == nil {
			if err := atomicWrite(dst, data, 0o755); err != nil {
				h.Logger.Warn("Init copy failed", "error", err)
			}
		}
	}
}

// watchAgentOutput subscribes the hub to the agent's sessions so output
// reaches the scripting hooks and exits are observed.
func (h *Hub) watchAgentOutput(key string, ag *agent.Agent) {
	for _, name := range ag.SessionNames() {
		session, ok := ag.Session(name)
		if !ok {
			continue
		}
		go func(name string, session *pty.Session) {
			sub := session.Subscribe()
			defer sub.Cancel()
			for ev := range sub.C {
				switch ev.Type {
				case pty.EventOutput:
					if h.Lua != nil && h.Lua.HasObservers("pty_output") {
						h.Enqueue(Event{Kind: EventPtyOutput, PtyOutput: &PtyOutputEvent{
							AgentKey: key,
							Session:  name,
							Bytes:    ev.Data,
						}})
					}
				case pty.EventProcessExited:
					h.wake()
					return
				}
			}
		}(name, session)
	}
}

// closeAgent terminates an agent, optionally deleting its worktree. Every
// client's selection of the agent and its viewer set are cleared in the
// same critical section as the state removal.
func (h *Hub) closeAgent(key string, deleteWorktree bool) error {
	var ag *agent.Agent
	h.State.WithWrite(func(s *HubState) {
		ag = s.RemoveAgent(key)
		h.Registry.DropAgent(key)
	})
	if ag == nil {
		return Errorf(ErrState, "agent not found: %s", key)
	}

	if err := ag.Kill(); err != nil {
		h.Logger.Warn("Agent kill reported error", "key", key, "error", err)
	}

	if deleteWorktree && h.Git != nil && ag.WorktreePath != "" {
		if err := h.Git.DeleteWorktreeByPath(ag.WorktreePath, ag.BranchName); err != nil {
			h.Logger.Error("Worktree delete failed", "path", ag.WorktreePath, "error", err)
			return Errorf(ErrGit, "failed to delete worktree: %w", err)
		}
	}

	h.Logger.Info("Agent closed", "key", key, "worktree_deleted", deleteWorktree)

	if h.Lua != nil {
		h.Lua.EmitEvent("agent_deleted", map[string]any{"key": key})
	}
	h.refreshWorktrees()
	h.wake()
	return nil
}

// atomicWrite writes a file via temp-then-rename so readers never observe
// a partial file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// randomSuffix derives a short unique branch suffix.
func randomSuffix() string {
	return fmt.Sprintf("%x", time.Now().UnixNano()&0xffffffff)
}
