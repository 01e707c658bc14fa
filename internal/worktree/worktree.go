// Package worktree manages per-session git worktrees under a repository's
// managed root. It shells out to the installed git toolchain and owns a
// narrow, spec-shaped contract: one detached worktree per session id,
// reconciled against an expected set at startup.
package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const managedDirName = ".sessiond/worktrees"

const gitTimeout = 30 * time.Second

// Entry is one row of `git worktree list --porcelain`.
type Entry struct {
	Path     string
	Prunable bool
}

// Manager creates, removes, and reconciles worktrees rooted at
// <repo_root>/.sessiond/worktrees/<session_id>.
type Manager struct {
	repoRoot      string
	worktreesRoot string
}

// FromWorkingDir resolves the repository root for workingDir by asking git,
// then returns a Manager rooted there. Fails with a message naming the
// directory if it is not inside a git repository.
func FromWorkingDir(ctx context.Context, workingDir string) (*Manager, error) {
	out, err := runGit(ctx, workingDir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("working directory %q is not inside a git repository: %w", workingDir, err)
	}
	return New(strings.TrimSpace(out)), nil
}

// New builds a Manager for a known repository root.
func New(repoRoot string) *Manager {
	return &Manager{
		repoRoot:      repoRoot,
		worktreesRoot: filepath.Join(repoRoot, managedDirName),
	}
}

// RepoRoot returns the repository root this manager is scoped to.
func (m *Manager) RepoRoot() string { return m.repoRoot }

// WorktreesRoot returns the managed root all session worktrees live under.
func (m *Manager) WorktreesRoot() string { return m.worktreesRoot }

// CreateWorktree ensures the managed root exists, forcibly removes any stale
// path already at <managed_root>/<session_id>, and creates a fresh detached
// worktree there. Returns the absolute worktree path.
func (m *Manager) CreateWorktree(ctx context.Context, sessionID string) (string, error) {
	if err := os.MkdirAll(m.worktreesRoot, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktrees root: %w", err)
	}

	worktreePath := filepath.Join(m.worktreesRoot, sessionID)

	if _, err := os.Stat(worktreePath); err == nil {
		if err := m.RemoveWorktreeAtPath(ctx, worktreePath, true); err != nil {
			return "", err
		}
	}

	if _, err := runGit(ctx, m.repoRoot, "worktree", "add", "--detach", worktreePath); err != nil {
		return "", fmt.Errorf("git worktree add failed: %w", err)
	}

	return worktreePath, nil
}

// RemoveWorktreeForSession is a convenience wrapper deriving the path from
// the session id and force-removing it.
func (m *Manager) RemoveWorktreeForSession(ctx context.Context, sessionID string) error {
	return m.RemoveWorktreeAtPath(ctx, filepath.Join(m.worktreesRoot, sessionID), true)
}

// RemoveWorktreeAtPath is a no-op if path does not exist, otherwise invokes
// `git worktree remove [--force] <path>`.
func (m *Manager) RemoveWorktreeAtPath(ctx context.Context, path string, force bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	if _, err := runGit(ctx, m.repoRoot, args...); err != nil {
		return fmt.Errorf("git worktree remove failed: %w", err)
	}
	return nil
}

// PruneWorktrees runs `git worktree prune`.
func (m *Manager) PruneWorktrees(ctx context.Context) error {
	if _, err := runGit(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("git worktree prune failed: %w", err)
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain` into entries.
func (m *Manager) ListWorktrees(ctx context.Context) ([]Entry, error) {
	out, err := runGit(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list failed: %w", err)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Entry {
	var entries []Entry
	var current *Entry

	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &Entry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "prunable"):
			if current != nil {
				current.Prunable = true
			}
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}

// DiscardNotice describes one orphaned worktree removed by
// ReconcileManagedWorktrees that still carried uncommitted changes, for a
// host to surface as a session-debug diagnostic.
type DiscardNotice struct {
	Path    string
	Summary string
}

// ReconcileManagedWorktrees keeps a managed-root worktree only if its path is
// in expected, not prunable, and exists on disk; everything else under the
// managed root is best-effort removed from the filesystem. Before removing a
// worktree that still has uncommitted changes, it captures a line-count
// summary of what is being discarded. Always ends with a prune, even if
// reconciliation finds nothing to remove.
func (m *Manager) ReconcileManagedWorktrees(ctx context.Context, expected []string) ([]DiscardNotice, error) {
	expectedSet := make(map[string]bool, len(expected))
	for _, p := range expected {
		expectedSet[p] = true
	}

	entries, err := m.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	var notices []DiscardNotice
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Path, m.worktreesRoot) {
			continue
		}

		_, statErr := os.Stat(entry.Path)
		exists := statErr == nil
		if expectedSet[entry.Path] && !entry.Prunable && exists {
			continue
		}

		if exists {
			if summary := m.uncommittedDiffSummary(ctx, entry.Path); summary != "" {
				notices = append(notices, DiscardNotice{Path: entry.Path, Summary: summary})
			}
			_ = os.RemoveAll(entry.Path)
		}
	}

	if err := m.PruneWorktrees(ctx); err != nil {
		return notices, err
	}
	return notices, nil
}

// uncommittedDiffSummary returns a readable line-insert/delete count for an
// orphaned worktree's uncommitted state, or "" if there is nothing to
// report (clean tree, or git/diff failed). `git diff HEAD` already produces
// a unified diff against the committed tree, so the +/- counts come
// straight from its per-line prefixes rather than from a second diff pass.
func (m *Manager) uncommittedDiffSummary(ctx context.Context, worktreePath string) string {
	out, err := runGit(ctx, worktreePath, "diff", "HEAD")
	if err != nil || strings.TrimSpace(out) == "" {
		return ""
	}

	added, removed := 0, 0
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			// file-header lines, not content changes
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return fmt.Sprintf("discarding uncommitted worktree changes: +%d/-%d lines", added, removed)
}

// GroupByRepoRoot resolves the repository root for each working directory
// and groups every corresponding worktree path by that root, so startup
// reconciliation can call ReconcileManagedWorktrees once per repository with
// the complete expected set (multiple sessions commonly share one working
// directory).
func GroupByRepoRoot(ctx context.Context, pathsByWorkingDir map[string][]string) map[string][]string {
	grouped := make(map[string][]string)
	resolved := make(map[string]string)

	for workingDir, worktreePaths := range pathsByWorkingDir {
		root, ok := resolved[workingDir]
		if !ok {
			mgr, err := FromWorkingDir(ctx, workingDir)
			if err != nil {
				continue
			}
			root = mgr.RepoRoot()
			resolved[workingDir] = root
		}
		grouped[root] = append(grouped[root], worktreePaths...)
	}

	return grouped
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}
