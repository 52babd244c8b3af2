package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/atomicstore"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "_handoff", "drafts")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return New(dir, atomicstore.New(nil)), root
}

func TestSanitizeTaskID(t *testing.T) {
	require.Equal(t, "VER001VERSION", SanitizeTaskID("VER-001-VERSION"))
	require.Equal(t, "abc123", SanitizeTaskID("../abc/123"))
}

func TestRequestDraft_HappyPath(t *testing.T) {
	s, root := newTestSandbox(t)
	target := filepath.Join(root, "watchdog.py")
	require.NoError(t, os.WriteFile(target, []byte("line1\nline2\n"), 0o644))

	info, err := s.RequestDraft(root, target, "VER-001-VERSION")
	require.NoError(t, err)
	require.FileExists(t, info.DraftPath)
	require.Equal(t, 2, info.LineCount)
}

func TestRequestDraft_RefusesOutsideWorkspace(t *testing.T) {
	s, root := newTestSandbox(t)
	outside := filepath.Join(t.TempDir(), "outside.py")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	_, err := s.RequestDraft(root, outside, "T")
	require.Error(t, err)
}

func TestValidateDraftPath_RejectsTraversal(t *testing.T) {
	s, _ := newTestSandbox(t)
	err := s.validateDraftPath(filepath.Join(s.dir, "..", "escape.draft"))
	require.Error(t, err)
}

func TestValidateDraftPath_RejectsNullByte(t *testing.T) {
	s, _ := newTestSandbox(t)
	err := s.validateDraftPath(s.dir + "/x\x00.draft")
	require.Error(t, err)
}

func TestValidateDraftPath_RejectsDisallowedExtension(t *testing.T) {
	s, _ := newTestSandbox(t)
	err := s.validateDraftPath(filepath.Join(s.dir, "file.exe"))
	require.Error(t, err)
}

func TestValidateDraftPath_RejectsSensitiveNames(t *testing.T) {
	s, _ := newTestSandbox(t)
	for _, name := range []string{".env.draft", "credentials.draft", "my.secret.draft", "id.pem.draft", "password.draft"} {
		err := s.validateDraftPath(filepath.Join(s.dir, name))
		require.Error(t, err, name)
	}
}

func TestValidateDraftPath_AcceptsWhitelistedExtensions(t *testing.T) {
	s, _ := newTestSandbox(t)
	require.NoError(t, s.validateDraftPath(filepath.Join(s.dir, "watchdog.py.T1.draft")))
	require.NoError(t, s.validateDraftPath(filepath.Join(s.dir, "T1.submission.json")))
}

func TestSubmitDraft_RoundTrip(t *testing.T) {
	s, root := newTestSandbox(t)
	target := filepath.Join(root, "watchdog.py")
	require.NoError(t, os.WriteFile(target, []byte("line1\n"), 0o644))

	info, err := s.RequestDraft(root, target, "VER-001-VERSION")
	require.NoError(t, err)
	_, err = s.WriteDraft(info.DraftPath, []byte("line1\nline2\n"))
	require.NoError(t, err)

	sub, err := s.SubmitDraft("VER-001-VERSION", info.DraftPath, target, "add line2")
	require.NoError(t, err)
	require.Equal(t, 1, sub.OriginalLines)
	require.Equal(t, 2, sub.DraftLines)

	loaded, err := s.LoadSubmission("VER-001-VERSION")
	require.NoError(t, err)
	require.Equal(t, sub.DraftHash, loaded.DraftHash)
}

func TestCleanupTask_RemovesDraftAndSubmission(t *testing.T) {
	s, root := newTestSandbox(t)
	target := filepath.Join(root, "watchdog.py")
	require.NoError(t, os.WriteFile(target, []byte("a\n"), 0o644))

	info, err := s.RequestDraft(root, target, "VER-001-VERSION")
	require.NoError(t, err)
	_, err = s.SubmitDraft("VER-001-VERSION", info.DraftPath, target, "summary")
	require.NoError(t, err)

	require.NoError(t, s.CleanupTask("VER-001-VERSION"))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
