package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/vocabulary"
)

type gateHarness struct {
	sandbox *Sandbox
	root    string
	store   *atomicstore.Store
	audit   []string
	notifs  []vocabulary.MessageType
}

func newGateHarness(t *testing.T) *gateHarness {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "_handoff", "drafts")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	store := atomicstore.New(nil)
	h := &gateHarness{sandbox: New(dir, store), root: root, store: store}
	return h
}

func (h *gateHarness) gate() *Gate {
	return NewGate(h.sandbox, func(event string) error {
		h.audit = append(h.audit, event)
		return nil
	}, func(msgType vocabulary.MessageType, to, reason string) error {
		h.notifs = append(h.notifs, msgType)
		return nil
	})
}

func (h *gateHarness) submit(t *testing.T, taskID, original, draft string) {
	t.Helper()
	target := filepath.Join(h.root, "watchdog.py")
	require.NoError(t, os.WriteFile(target, []byte(original), 0o644))

	info, err := h.sandbox.RequestDraft(h.root, target, taskID)
	require.NoError(t, err)
	_, err = h.sandbox.WriteDraft(info.DraftPath, []byte(draft))
	require.NoError(t, err)
	_, err = h.sandbox.SubmitDraft(taskID, info.DraftPath, target, "test change")
	require.NoError(t, err)
}

func TestGate_AcceptsCleanSmallDiff(t *testing.T) {
	h := newGateHarness(t)
	h.submit(t, "T1", "line1\nline2\n", "line1\nline2\nline3\n")

	result, err := h.gate().Handle("T1", "worker-1")
	require.NoError(t, err)
	require.Equal(t, DecisionAccept, result.Decision)
	require.Equal(t, []vocabulary.MessageType{vocabulary.MessageDraftAccepted}, h.notifs)

	applied, err := os.ReadFile(filepath.Join(h.root, "watchdog.py"))
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\nline3\n", string(applied))
}

func TestGate_RejectsSecret(t *testing.T) {
	h := newGateHarness(t)
	h.submit(t, "T2", "line1\n", "line1\napi_key = \"sk-abcdef1234567890abcdef\"\n")

	result, err := h.gate().Handle("T2", "worker-1")
	require.NoError(t, err)
	require.Equal(t, DecisionReject, result.Decision)
	require.Contains(t, strings.ToLower(result.Reason), "secret")
	require.Equal(t, []vocabulary.MessageType{vocabulary.MessageDraftRejected}, h.notifs)

	original, err := os.ReadFile(filepath.Join(h.root, "watchdog.py"))
	require.NoError(t, err)
	require.Equal(t, "line1\n", string(original), "rejected draft must never be applied")
}

func TestGate_RejectsHardcodedHomePath(t *testing.T) {
	h := newGateHarness(t)
	h.submit(t, "T3", "a\n", "a\npath = \"/Users/alice/secrets.txt\"\n")

	result, err := h.gate().Handle("T3", "worker-1")
	require.NoError(t, err)
	require.Equal(t, DecisionReject, result.Decision)
	require.Contains(t, strings.ToLower(result.Reason), "home path")
}

func TestGate_EscalatesDestructiveDiff(t *testing.T) {
	h := newGateHarness(t)
	original := strings.Repeat("line\n", 100)
	draft := strings.Repeat("line\n", 30)
	h.submit(t, "T4", original, draft)

	result, err := h.gate().Handle("T4", "worker-1")
	require.NoError(t, err)
	require.Equal(t, DecisionEscalate, result.Decision)
	require.Equal(t, []vocabulary.MessageType{vocabulary.MessageDraftEscalated}, h.notifs)
}

func TestGate_EscalatesOnConflictingOriginal(t *testing.T) {
	h := newGateHarness(t)
	h.submit(t, "T5", "line1\n", "line1\nline2\n")

	target := filepath.Join(h.root, "watchdog.py")
	require.NoError(t, os.WriteFile(target, []byte("changed underneath\n"), 0o644))

	result, err := h.gate().Handle("T5", "worker-1")
	require.NoError(t, err)
	require.Equal(t, DecisionEscalate, result.Decision)
	require.Contains(t, strings.ToLower(result.Reason), "conflict")
}

func TestGate_EscalationLeavesSandboxArtifactsForOperator(t *testing.T) {
	h := newGateHarness(t)
	original := strings.Repeat("line\n", 100)
	draft := strings.Repeat("line\n", 30)
	h.submit(t, "T6", original, draft)

	_, err := h.gate().Handle("T6", "worker-1")
	require.NoError(t, err)

	entries, err := os.ReadDir(h.sandbox.dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "escalated submission artifacts should remain for operator review")
}
