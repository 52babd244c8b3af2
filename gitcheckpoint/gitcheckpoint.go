// Package gitcheckpoint implements the Git Checkpoint Layer (spec.md
// §4.7): branch-per-task isolation, one commit per state transition, and
// conflict-aware merge-to-mainline. Grounded on tools/git's runGit/
// isGitRepo subprocess pattern, generalized from single tool calls to the
// checkpoint lifecycle.
package gitcheckpoint

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Checkpointer drives git for a single repository working tree.
type Checkpointer struct {
	repoRoot string
}

// New returns a Checkpointer rooted at repoRoot.
func New(repoRoot string) *Checkpointer {
	return &Checkpointer{repoRoot: repoRoot}
}

// ErrDirtyWorkingTree is returned by CreateTaskBranch when uncommitted
// changes are present.
var ErrDirtyWorkingTree = fmt.Errorf("gitcheckpoint: working tree is dirty")

// ErrMergeConflict is returned by MergeToMain on a conflicting merge. The
// caller (the breaker) trips a halt rather than attempting resolution.
type ErrMergeConflict struct {
	TaskBranch string
	Target     string
	Output     string
}

func (e *ErrMergeConflict) Error() string {
	return fmt.Sprintf("gitcheckpoint: merge conflict merging %s into %s: %s", e.TaskBranch, e.Target, e.Output)
}

// TaskBranchName is the git branch name for taskID, per spec.md §4.7.
func TaskBranchName(taskID string) string {
	return "task/" + taskID
}

// CreateTaskBranch refuses if the working tree is dirty, then creates and
// checks out task/<taskID> from base, returning the resolved base commit
// SHA the contract should record.
func (c *Checkpointer) CreateTaskBranch(ctx context.Context, taskID, base string) (baseCommit string, err error) {
	dirty, err := c.isDirty(ctx)
	if err != nil {
		return "", err
	}
	if dirty {
		return "", ErrDirtyWorkingTree
	}

	if _, err := c.run(ctx, "checkout", base); err != nil {
		return "", fmt.Errorf("gitcheckpoint: checkout base %s: %w", base, err)
	}

	out, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitcheckpoint: resolve base commit: %w", err)
	}
	baseCommit = strings.TrimSpace(out)

	branch := TaskBranchName(taskID)
	if _, err := c.run(ctx, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("gitcheckpoint: create branch %s: %w", branch, err)
	}
	return baseCommit, nil
}

// Checkpoint stages changedFiles and commits them on the current task
// branch with the standard transition commit message, returning the new
// commit SHA.
func (c *Checkpointer) Checkpoint(ctx context.Context, taskID, status, event string, changedFiles []string) (sha string, err error) {
	if len(changedFiles) > 0 {
		args := append([]string{"add"}, changedFiles...)
		if _, err := c.run(ctx, args...); err != nil {
			return "", fmt.Errorf("gitcheckpoint: stage changed files: %w", err)
		}
	}

	msg := fmt.Sprintf("[TASK: %s] Transition: %s (Event: %s)", taskID, status, event)
	if _, err := c.run(ctx, "commit", "--allow-empty", "-m", msg); err != nil {
		return "", fmt.Errorf("gitcheckpoint: commit: %w", err)
	}

	out, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitcheckpoint: resolve checkpoint sha: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// MergeToMain checks out target and merges the task branch into it. A
// conflicting merge returns *ErrMergeConflict rather than attempting
// resolution — the caller trips a breaker halt.
func (c *Checkpointer) MergeToMain(ctx context.Context, taskID, target string) error {
	branch := TaskBranchName(taskID)

	if _, err := c.run(ctx, "checkout", target); err != nil {
		return fmt.Errorf("gitcheckpoint: checkout target %s: %w", target, err)
	}

	out, err := c.run(ctx, "merge", "--no-ff", "-m", fmt.Sprintf("[TASK: %s] Merge to %s", taskID, target), branch)
	if err != nil {
		_, _ = c.run(ctx, "merge", "--abort")
		return &ErrMergeConflict{TaskBranch: branch, Target: target, Output: out}
	}
	return nil
}

// Rollback aborts any in-flight merge and restores the working tree to
// base, used when a halt or cancellation needs to leave the repository
// clean.
func (c *Checkpointer) Rollback(ctx context.Context, base string) error {
	_, _ = c.run(ctx, "merge", "--abort")
	if _, err := c.run(ctx, "reset", "--hard", base); err != nil {
		return fmt.Errorf("gitcheckpoint: reset to %s: %w", base, err)
	}
	return nil
}

func (c *Checkpointer) isDirty(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("gitcheckpoint: status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (c *Checkpointer) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, string(out))
	}
	return string(out), nil
}
