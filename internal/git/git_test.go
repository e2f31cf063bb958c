package git

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	m := New("/repo", "/tmp/worktrees", nil)
	if m.repoDir != "/repo" || m.baseDir != "/tmp/worktrees" {
		t.Errorf("manager = %+v", m)
	}
	if m.logger == nil {
		t.Error("nil logger not defaulted")
	}
}

func TestRepoNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/owner/repo.git", "owner/repo"},
		{"https://github.com/owner/repo", "owner/repo"},
		{"http://example.com/group/project.git", "group/project"},
		{"git@github.com:owner/repo.git", "owner/repo"},
		{"git@github.com:owner/repo", "owner/repo"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := repoNameFromURL(tt.url); got != tt.want {
			t.Errorf("repoNameFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestWorktreePathFor(t *testing.T) {
	m := New("", "/base", nil)

	got := m.worktreePathFor("owner/repo", "feature/x")
	if got != "/base/owner-repo-feature-x" {
		t.Errorf("path = %q", got)
	}
}

func TestIssueBranch(t *testing.T) {
	if got := issueBranch(42); got != "botster-issue-42" {
		t.Errorf("issueBranch = %q", got)
	}
}

func TestParsePorcelainWorktrees(t *testing.T) {
	output := `worktree /repo
HEAD abc123
branch refs/heads/main

worktree /base/owner-repo-botster-issue-1
HEAD def456
branch refs/heads/botster-issue-1

worktree /base/detached
HEAD 999888
detached
`

	worktrees := parsePorcelainWorktrees(output, "/repo")
	if len(worktrees) != 2 {
		t.Fatalf("worktrees = %d, want 2 (main checkout dropped)", len(worktrees))
	}
	if worktrees[0].Path != "/base/owner-repo-botster-issue-1" || worktrees[0].Branch != "botster-issue-1" {
		t.Errorf("first = %+v", worktrees[0])
	}
	if worktrees[1].Path != "/base/detached" || worktrees[1].Branch != "" {
		t.Errorf("detached = %+v", worktrees[1])
	}
}

func TestParsePorcelainEmpty(t *testing.T) {
	if got := parsePorcelainWorktrees("", "/repo"); len(got) != 0 {
		t.Errorf("empty output produced %d worktrees", len(got))
	}
}

func TestReadListFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".botster_copy")
	content := "# settings worth carrying over\n.env.local\n\nconfig/*.local.json\n  # indented comment stays out\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	lines, err := readListFile(path)
	if err != nil {
		t.Fatalf("readListFile failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != ".env.local" || lines[1] != "config/*.local.json" {
		t.Errorf("lines = %v", lines)
	}
}

func TestReadListFileMissing(t *testing.T) {
	lines, err := readListFile(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if lines != nil {
		t.Errorf("lines = %v, want nil", lines)
	}
}

func TestCopyProtocolFiles(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFixture := func(rel, content string) {
		t.Helper()
		path := filepath.Join(src, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	writeFixture(".botster_copy", ".env.local\nconfig/*.json\n")
	writeFixture(".env.local", "SECRET=1")
	writeFixture("config/app.json", "{}")
	writeFixture("config/skip.yaml", "no")
	writeFixture("unrelated.txt", "no")

	if err := CopyProtocolFiles(src, dst); err != nil {
		t.Fatalf("CopyProtocolFiles failed: %v", err)
	}

	for _, rel := range []string{".env.local", "config/app.json"} {
		if _, err := os.Stat(filepath.Join(dst, rel)); err != nil {
			t.Errorf("%s not copied: %v", rel, err)
		}
	}
	for _, rel := range []string{"config/skip.yaml", "unrelated.txt"} {
		if _, err := os.Stat(filepath.Join(dst, rel)); !os.IsNotExist(err) {
			t.Errorf("%s copied despite not matching", rel)
		}
	}
}

func TestCopyProtocolFilesNoPatterns(t *testing.T) {
	if err := CopyProtocolFiles(t.TempDir(), t.TempDir()); err != nil {
		t.Errorf("no patterns should be a no-op: %v", err)
	}
}

func TestCopyFilePreservesMode(t *testing.T) {
	src := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "script.sh")
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile failed: %v", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestDeleteRefusesPathsOutsideBase(t *testing.T) {
	m := New("", t.TempDir(), nil)

	err := m.DeleteWorktreeByPath("/somewhere/else", "botster-x")
	if err == nil {
		t.Fatal("delete outside the managed base should fail")
	}
}

func TestDeleteMissingWorktreeIsNoop(t *testing.T) {
	base := t.TempDir()
	m := New("", base, nil)

	if err := m.DeleteWorktreeByPath(filepath.Join(base, "gone"), "botster-x"); err != nil {
		t.Errorf("missing worktree should be a no-op: %v", err)
	}
}

func TestDeleteRefusesMainRepository(t *testing.T) {
	base := t.TempDir()
	fakeRepo := filepath.Join(base, "repo")
	// A main repository has a .git *directory*; a worktree has a file.
	if err := os.MkdirAll(filepath.Join(fakeRepo, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m := New("", base, nil)
	if err := m.DeleteWorktreeByPath(fakeRepo, "botster-x"); err == nil {
		t.Fatal("deleting a main repository should be refused")
	}
}

func TestMainRepoFromWorktree(t *testing.T) {
	wt := t.TempDir()
	gitFile := filepath.Join(wt, ".git")
	if err := os.WriteFile(gitFile, []byte("gitdir: /home/u/repo/.git/worktrees/wt1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	repo, err := mainRepoFromWorktree(wt)
	if err != nil {
		t.Fatalf("mainRepoFromWorktree failed: %v", err)
	}
	if repo != "/home/u/repo" {
		t.Errorf("repo = %q", repo)
	}
}

func TestMainRepoFromWorktreeBadFormat(t *testing.T) {
	wt := t.TempDir()
	if err := os.WriteFile(filepath.Join(wt, ".git"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := mainRepoFromWorktree(wt); err == nil {
		t.Error("malformed .git file should error")
	}
}
