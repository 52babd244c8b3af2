package gitcheckpoint

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, writeFile(readme, "hello\n"))
	run("add", "README.md")
	run("commit", "-m", "chore: initial commit")

	return dir
}

func writeFile(path, content string) error {
	return exec.Command("bash", "-c", "printf '%s' \"$1\" > \"$2\"", "_", content, path).Run()
}

func TestCreateTaskBranch_HappyPath(t *testing.T) {
	dir := initRepo(t)
	c := New(dir)
	ctx := context.Background()

	base, err := c.CreateTaskBranch(ctx, "VER-001-VERSION", "main")
	require.NoError(t, err)
	require.NotEmpty(t, base)

	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	require.Contains(t, out, "task/VER-001-VERSION")
}

func TestCheckpoint_CreatesCommitWithStandardMessage(t *testing.T) {
	dir := initRepo(t)
	c := New(dir)
	ctx := context.Background()

	_, err := c.CreateTaskBranch(ctx, "VER-001-VERSION", "main")
	require.NoError(t, err)

	sha, err := c.Checkpoint(ctx, "VER-001-VERSION", "implementation_in_progress", "impl_started", nil)
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	out, err := c.run(ctx, "log", "-1", "--pretty=%s")
	require.NoError(t, err)
	require.Contains(t, out, "[TASK: VER-001-VERSION] Transition: implementation_in_progress (Event: impl_started)")
}

func TestMergeToMain_HappyPath(t *testing.T) {
	dir := initRepo(t)
	c := New(dir)
	ctx := context.Background()

	_, err := c.CreateTaskBranch(ctx, "VER-001-VERSION", "main")
	require.NoError(t, err)
	_, err = c.Checkpoint(ctx, "VER-001-VERSION", "pending_local_review", "draft_accepted", nil)
	require.NoError(t, err)

	require.NoError(t, c.MergeToMain(ctx, "VER-001-VERSION", "main"))

	out, err := c.run(ctx, "log", "-1", "--pretty=%s", "main")
	require.NoError(t, err)
	require.Contains(t, out, "Merge to main")
}

func TestCreateTaskBranch_RefusesDirtyWorkingTree(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, writeFile(filepath.Join(dir, "README.md"), "dirty\n"))

	c := New(dir)
	_, err := c.CreateTaskBranch(context.Background(), "VER-001-VERSION", "main")
	require.ErrorIs(t, err, ErrDirtyWorkingTree)
}
