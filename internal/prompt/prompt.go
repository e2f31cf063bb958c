// Package prompt resolves the task prompt for an agent worktree.
//
// The hub writes .botster_prompt into a worktree when it spawns an agent
// for a server message; operators can also commit one. Resolution order:
//
//  1. The worktree's local .botster_prompt file
//  2. The remote default prompt, fetched once per call
//
// Writes are atomic (write-temp-then-rename) like every other file this
// hub persists.
package prompt

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// LocalFile is the per-worktree prompt filename.
const LocalFile = ".botster_prompt"

// DefaultRemoteURL serves the stock prompt when a worktree has none.
const DefaultRemoteURL = "https://raw.githubusercontent.com/Tonksthebear/trybotster/main/cli/botster_prompt"

// fetchTimeout bounds the remote prompt request.
const fetchTimeout = 10 * time.Second

// maxPromptSize caps a fetched prompt; anything larger is a server fault.
const maxPromptSize = 1 << 20

// Source resolves prompts for worktrees.
type Source struct {
	remoteURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSource creates a prompt source. An empty remoteURL uses the default.
func NewSource(remoteURL string, logger *slog.Logger) *Source {
	if remoteURL == "" {
		remoteURL = DefaultRemoteURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		remoteURL:  remoteURL,
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     logger,
	}
}

// Load resolves the prompt for a worktree: the local file when present,
// the remote default otherwise.
func (s *Source) Load(worktreePath string) (string, error) {
	if content, err := ReadLocal(worktreePath); err == nil {
		return content, nil
	}
	return s.fetchRemote()
}

// LoadWithFallback resolves the prompt, returning fallback when both the
// local file and the remote fetch fail.
func (s *Source) LoadWithFallback(worktreePath, fallback string) string {
	content, err := s.Load(worktreePath)
	if err != nil {
		s.logger.Debug("Prompt resolution fell back", "error", err)
		return fallback
	}
	return content
}

// fetchRemote downloads the stock prompt.
func (s *Source) fetchRemote() (string, error) {
	resp, err := s.httpClient.Get(s.remoteURL)
	if err != nil {
		return "", fmt.Errorf("fetching default prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("default prompt unavailable: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPromptSize))
	if err != nil {
		return "", fmt.Errorf("reading default prompt: %w", err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("default prompt is empty")
	}
	return string(body), nil
}

// ReadLocal reads a worktree's own prompt file.
func ReadLocal(worktreePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, LocalFile))
	if err != nil {
		return "", fmt.Errorf("no local prompt: %w", err)
	}
	return string(data), nil
}

// Write persists a worktree prompt atomically.
func Write(worktreePath, content string) error {
	path := filepath.Join(worktreePath, LocalFile)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing prompt: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing prompt: %w", err)
	}
	return nil
}

// Exists reports whether a worktree carries its own prompt.
func Exists(worktreePath string) bool {
	_, err := os.Stat(filepath.Join(worktreePath, LocalFile))
	return err == nil
}
