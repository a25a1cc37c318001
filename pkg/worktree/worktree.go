// Package worktree is the reference WorktreeTool implementation: it
// shells out to git, the same pattern package github uses for Discover,
// rather than linking a git library in.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// createTimeout bounds a single worktree add/remove invocation.
const createTimeout = 60 * time.Second

// Tool creates and removes git worktrees rooted under a configured
// directory, implementing the scheduler.WorktreeTool contract.
type Tool struct {
	WorktreesRoot string
}

// New returns a Tool rooted at worktreesRoot.
func New(worktreesRoot string) *Tool {
	return &Tool{WorktreesRoot: worktreesRoot}
}

// branchName is the fixed naming scheme named in §6:
// feature/<worker_name>.
func branchName(workerName string) string {
	return "feature/" + workerName
}

func (t *Tool) path(repo, workerName string) string {
	return filepath.Join(t.WorktreesRoot, repo, workerName)
}

// Create adds a new worktree at <worktrees_root>/<repo>/<worker_name>
// on a new branch feature/<worker_name>, created from baseRef (or the
// repo's current HEAD if baseRef is empty).
func (t *Tool) Create(repo, workerName, baseRef string) (string, string, error) {
	path := t.path(repo, workerName)
	branch := branchName(workerName)

	repoRoot, err := t.repoRoot(repo)
	if err != nil {
		return "", "", err
	}

	args := []string{"worktree", "add", "-b", branch, path}
	if baseRef != "" {
		args = append(args, baseRef)
	}

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add: %w: %s", err, out)
	}

	return path, branch, nil
}

// Remove deletes the worktree for repo/workerName and prunes its
// administrative files. A missing worktree is not an error: cleanup
// must be idempotent against a worktree removed by some other means.
func (t *Tool) Remove(repo, workerName string) error {
	path := t.path(repo, workerName)

	repoRoot, err := t.repoRoot(repo)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoRoot
		_ = prune.Run()
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, out)
	}
	return nil
}

// repoRoot resolves the bare/primary checkout for repo that new
// worktrees branch off of. The reference layout keeps one primary
// checkout per repo name directly under the worktrees root's parent,
// named <worktrees_root>/../repos/<repo>; deployments that lay
// checkouts out differently should provide their own WorktreeTool.
func (t *Tool) repoRoot(repo string) (string, error) {
	root := filepath.Join(filepath.Dir(t.WorktreesRoot), "repos", repo)
	if _, err := exec.LookPath("git"); err != nil {
		return "", fmt.Errorf("git binary not found: %w", err)
	}
	return root, nil
}
