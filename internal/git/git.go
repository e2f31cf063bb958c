// Package git manages the worktrees agents run in.
//
// Every agent gets its own worktree under the configured base directory so
// concurrent agents never trample each other's checkouts. Two protocol
// files in the main repository customize the lifecycle:
//   - .botster_copy: glob patterns for files copied into new worktrees
//   - .botster_teardown: shell commands run before a worktree is deleted
//
// (.botster_init and .botster_server are consumed by the agent spawn path,
// not here.)
package git

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/gobwas/glob"
)

// BranchPrefix marks branches this hub manages; deleting a worktree on a
// branch without it only warns, but the convention keeps agent branches
// recognisable.
const BranchPrefix = "botster-"

// Manager handles git worktree operations for one repository.
type Manager struct {
	// repoDir is the main repository root (or a directory inside it).
	repoDir string

	// baseDir is where managed worktrees live.
	baseDir string

	logger *slog.Logger
}

// New creates a manager rooted at repoDir with worktrees under baseDir.
func New(repoDir, baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repoDir: repoDir,
		baseDir: baseDir,
		logger:  logger,
	}
}

// Worktree is one git worktree.
type Worktree struct {
	// Path is the absolute worktree path.
	Path string
	// Branch is the checked-out branch name.
	Branch string
}

// RepoInfo describes a detected repository.
type RepoInfo struct {
	// Path is the absolute repository root.
	Path string
	// Name is "owner/repo" when a remote reveals it, the directory name
	// otherwise.
	Name string
}

// --- git plumbing ---

// gitOut runs git in dir and returns trimmed stdout.
func gitOut(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitRun runs git in dir, folding stderr into the error.
func gitRun(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %s (%w)", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

// --- repository detection ---

// DetectCurrentRepo finds the repository containing the working directory.
func DetectCurrentRepo() (*RepoInfo, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	return detectRepoAt(cwd)
}

// detectRepoAt finds the repository containing dir.
func detectRepoAt(dir string) (*RepoInfo, error) {
	root, err := gitOut(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not in a git repository: %w", err)
	}

	// Prefer the in-process reader for the remote; fall back to the CLI.
	name := ""
	if repo, err := gogit.PlainOpenWithOptions(root, &gogit.PlainOpenOptions{DetectDotGit: true}); err == nil {
		if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
			name = repoNameFromURL(remote.Config().URLs[0])
		}
	}
	if name == "" {
		if url, err := gitOut(root, "remote", "get-url", "origin"); err == nil {
			name = repoNameFromURL(url)
		}
	}
	if name == "" {
		name = filepath.Base(root)
	}

	return &RepoInfo{Path: root, Name: name}, nil
}

// repoNameFromURL extracts "owner/repo" from HTTPS and SSH remote URLs.
func repoNameFromURL(url string) string {
	url = strings.TrimSuffix(strings.TrimSpace(url), ".git")
	if url == "" {
		return ""
	}

	// https://github.com/owner/repo
	if strings.Contains(url, "://") {
		parts := strings.Split(url, "/")
		if len(parts) >= 2 {
			return parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
		return ""
	}

	// git@github.com:owner/repo
	if i := strings.LastIndex(url, ":"); i >= 0 {
		return url[i+1:]
	}
	return ""
}

// --- worktree lifecycle ---

// worktreePathFor derives the managed path for a branch.
func (m *Manager) worktreePathFor(repoName, branch string) string {
	repoSafe := strings.ReplaceAll(repoName, "/", "-")
	branchSafe := strings.ReplaceAll(branch, "/", "-")
	return filepath.Join(m.baseDir, repoSafe+"-"+branchSafe)
}

// CreateWorktree creates (or recreates) the worktree for a branch and
// returns its path. An existing branch is checked out; a missing one is
// created from the current HEAD.
func (m *Manager) CreateWorktree(branch string) (string, error) {
	repo, err := detectRepoAt(m.repoDirOrCwd())
	if err != nil {
		return "", err
	}

	path := m.worktreePathFor(repo.Name, branch)
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating worktree base: %w", err)
	}

	// A stale worktree at the target path blocks `git worktree add`.
	if _, err := os.Stat(path); err == nil {
		m.logger.Info("Removing stale worktree", "path", path)
		if err := gitRun(repo.Path, "worktree", "remove", path, "--force"); err != nil {
			_ = gitRun(repo.Path, "worktree", "prune")
			if err := os.RemoveAll(path); err != nil {
				return "", fmt.Errorf("clearing stale worktree: %w", err)
			}
		}
	}

	args := []string{"worktree", "add"}
	if m.branchExists(repo.Path, branch) {
		m.logger.Info("Reusing existing branch", "branch", branch)
		args = append(args, path, branch)
	} else {
		m.logger.Info("Creating branch", "branch", branch)
		args = append(args, "-b", branch, path)
	}
	if err := gitRun(repo.Path, args...); err != nil {
		return "", fmt.Errorf("creating worktree: %w", err)
	}

	if err := CopyProtocolFiles(repo.Path, path); err != nil {
		m.logger.Warn("Protocol file copy failed", "error", err)
	}

	m.logger.Info("Created worktree", "path", path, "branch", branch, "repo", repo.Name)
	return path, nil
}

// CreateWorktreeForIssue creates the conventional worktree for an issue.
func (m *Manager) CreateWorktreeForIssue(issueNumber int) (string, error) {
	return m.CreateWorktree(issueBranch(issueNumber))
}

// repoDirOrCwd returns the configured repo root, falling back to the
// working directory.
func (m *Manager) repoDirOrCwd() string {
	if m.repoDir != "" {
		return m.repoDir
	}
	cwd, _ := os.Getwd()
	return cwd
}

// branchExists checks refs/heads for a branch.
func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// issueBranch is the conventional branch name for an issue.
func issueBranch(issueNumber int) string {
	return fmt.Sprintf("%sissue-%d", BranchPrefix, issueNumber)
}

// DeleteWorktreeByPath removes a worktree and its branch after running the
// repository's teardown commands.
//
// Safety gates before anything is deleted: the path must live under the
// managed base directory, and it must be a real worktree (a .git file, not
// the main repository's .git directory).
func (m *Manager) DeleteWorktreeByPath(worktreePath, branch string) error {
	absPath, err := filepath.Abs(worktreePath)
	if err != nil {
		return fmt.Errorf("resolving worktree path: %w", err)
	}
	absBase, err := filepath.Abs(m.baseDir)
	if err != nil {
		absBase = m.baseDir
	}
	if !strings.HasPrefix(absPath, absBase) {
		return fmt.Errorf("worktree %s is outside managed directory %s", worktreePath, m.baseDir)
	}

	if !strings.HasPrefix(branch, BranchPrefix) {
		m.logger.Warn("Branch does not follow the managed convention",
			"branch", branch,
			"expected_prefix", BranchPrefix,
		)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		m.logger.Warn("Worktree already gone", "path", absPath)
		return nil
	}

	gitMeta := filepath.Join(absPath, ".git")
	info, err := os.Stat(gitMeta)
	if err != nil {
		return fmt.Errorf("checking worktree marker: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("refusing to delete %s: .git is a directory, so this is a main repository", absPath)
	}

	repoPath, err := mainRepoFromWorktree(absPath)
	if err != nil {
		return fmt.Errorf("finding main repository: %w", err)
	}

	m.runTeardown(repoPath, absPath, branch)

	m.logger.Info("Deleting worktree", "path", absPath)
	if err := gitRun(repoPath, "worktree", "remove", absPath, "--force"); err != nil {
		return fmt.Errorf("removing worktree: %w", err)
	}

	if err := gitRun(repoPath, "branch", "-D", branch); err != nil {
		m.logger.Warn("Branch delete failed", "branch", branch, "error", err)
	}

	m.logger.Info("Deleted worktree", "path", absPath, "branch", branch)
	return nil
}

// DeleteWorktreeByIssueNumber deletes the conventional worktree for an
// issue.
func (m *Manager) DeleteWorktreeByIssueNumber(issueNumber int) error {
	repo, err := detectRepoAt(m.repoDirOrCwd())
	if err != nil {
		return err
	}
	branch := issueBranch(issueNumber)
	return m.DeleteWorktreeByPath(m.worktreePathFor(repo.Name, branch), branch)
}

// runTeardown executes .botster_teardown commands inside the worktree with
// the same BOTSTER_* environment agents get.
func (m *Manager) runTeardown(repoPath, worktreePath, branch string) {
	commands, err := ReadTeardownCommands(repoPath)
	if err != nil {
		m.logger.Warn("Teardown file unreadable", "error", err)
		return
	}
	if len(commands) == 0 {
		return
	}

	repoName := ""
	if repo, err := detectRepoAt(repoPath); err == nil {
		repoName = repo.Name
	}
	issueNumber := 0
	fmt.Sscanf(branch, BranchPrefix+"issue-%d", &issueNumber)

	m.logger.Info("Running teardown commands", "count", len(commands))
	for _, line := range commands {
		cmd := exec.Command("sh", "-c", line)
		cmd.Dir = worktreePath
		cmd.Env = append(os.Environ(),
			"BOTSTER_REPO="+repoName,
			fmt.Sprintf("BOTSTER_ISSUE_NUMBER=%d", issueNumber),
			"BOTSTER_BRANCH_NAME="+branch,
			"BOTSTER_WORKTREE_PATH="+worktreePath,
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("Teardown command failed",
				"command", line,
				"error", err,
				"output", strings.TrimSpace(string(out)),
			)
		}
	}
}

// mainRepoFromWorktree resolves a worktree's main repository root from its
// .git file (`gitdir: /repo/.git/worktrees/<name>`).
func mainRepoFromWorktree(worktreePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	gitDir, ok := strings.CutPrefix(content, "gitdir: ")
	if !ok {
		return "", fmt.Errorf("unexpected .git file contents: %s", content)
	}

	// /repo/.git/worktrees/<name> -> /repo
	return filepath.Dir(filepath.Dir(filepath.Dir(gitDir))), nil
}

// FindWorktreeForIssue reports the conventional worktree for an issue if
// git still tracks it.
func (m *Manager) FindWorktreeForIssue(issueNumber int) (path, branch string, ok bool) {
	repo, err := detectRepoAt(m.repoDirOrCwd())
	if err != nil {
		return "", "", false
	}

	branch = issueBranch(issueNumber)
	path = m.worktreePathFor(repo.Name, branch)

	worktrees, err := m.ListAllWorktrees()
	if err != nil {
		return "", "", false
	}
	for _, wt := range worktrees {
		if wt.Path == path {
			return path, branch, true
		}
	}
	return "", "", false
}

// ListAllWorktrees lists every worktree of the repository except the main
// checkout. Operators can reopen any of them, not just managed ones.
func (m *Manager) ListAllWorktrees() ([]*Worktree, error) {
	repo, err := detectRepoAt(m.repoDirOrCwd())
	if err != nil {
		return nil, err
	}

	out, err := gitOut(repo.Path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	return parsePorcelainWorktrees(out, repo.Path), nil
}

// parsePorcelainWorktrees parses `git worktree list --porcelain` output,
// dropping the main checkout.
func parsePorcelainWorktrees(output, mainPath string) []*Worktree {
	var worktrees []*Worktree
	current := &Worktree{}

	flush := func() {
		if current.Path != "" && current.Path != mainPath {
			worktrees = append(worktrees, current)
		}
		current = &Worktree{}
	}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()

	return worktrees
}

// --- protocol files ---

// ReadCopyPatterns reads .botster_copy glob patterns from a repository.
func ReadCopyPatterns(repoPath string) ([]string, error) {
	return readListFile(filepath.Join(repoPath, ".botster_copy"))
}

// ReadTeardownCommands reads .botster_teardown shell commands.
func ReadTeardownCommands(repoPath string) ([]string, error) {
	return readListFile(filepath.Join(repoPath, ".botster_teardown"))
}

// readListFile reads non-empty, non-comment lines. A missing file is an
// empty list, not an error.
func readListFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}

// CopyProtocolFiles copies files matching .botster_copy patterns from the
// main repository into a fresh worktree (untracked local settings, env
// files and the like).
func CopyProtocolFiles(sourceRepo, destWorktree string) error {
	patterns, err := ReadCopyPatterns(sourceRepo)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		return nil
	}

	var globs []glob.Glob
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			slog.Warn("Invalid pattern in .botster_copy", "pattern", pattern, "error", err)
			continue
		}
		globs = append(globs, g)
	}
	if len(globs) == 0 {
		return nil
	}

	return filepath.Walk(sourceRepo, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(sourceRepo, path)
		if err != nil {
			return nil
		}
		for _, g := range globs {
			if !g.Match(rel) {
				continue
			}
			dest := filepath.Join(destWorktree, rel)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				slog.Warn("Copy target directory failed", "path", dest, "error", err)
				break
			}
			if err := copyFile(path, dest); err != nil {
				slog.Warn("Protocol file copy failed", "src", rel, "error", err)
			}
			break
		}
		return nil
	})
}

// copyFile copies one file preserving its mode.
func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, info.Mode())
}
