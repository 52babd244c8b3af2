package sandbox

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/floorline/assemblyline/vocabulary"
)

// Decision is the Gate's verdict on a submitted draft.
type Decision string

const (
	DecisionAccept   Decision = "ACCEPT"
	DecisionReject   Decision = "REJECT"
	DecisionEscalate Decision = "ESCALATE"
)

// Limits bound what the Gate will auto-accept, per spec.md §4.6 step 6.
// There is no maxChangedFiles limit here: a Submission is always one
// original/draft file pair (spec.md §4.6's Draft Submission is itself
// single-file), so a per-submission file-count ceiling has nothing to
// count against. The >20-files disjunct of trigger 8 (scope creep) is
// enforced instead across the whole task's lifetime by
// breaker.scope_file_count, fed by statemachine.ApplyParams.ChangedFiles.
const (
	maxDeletionRatio = 0.5
	maxChangedLines  = 500
)

// secretPatterns are regex shapes for common secret-like strings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*["']?[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`(?i)sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)password\s*[:=]\s*["']?\S+`),
	regexp.MustCompile(`(?i)-----BEGIN (RSA|EC|OPENSSH|PGP) PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]`),
}

// homePathPatterns catch hardcoded user home paths across platforms.
var homePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/Users/[A-Za-z0-9_.-]+`),
	regexp.MustCompile(`/home/[A-Za-z0-9_.-]+`),
	regexp.MustCompile(`C:\\Users\\[A-Za-z0-9_.-]+`),
}

// Notifier sends a message type to an agent, decoupling the Gate from the
// bus package. The Listener wires this to bus.Bus.Send.
type Notifier func(msgType vocabulary.MessageType, to string, reason string) error

// Gate is the Floor-Manager-owned decision procedure over sandboxed
// drafts.
type Gate struct {
	sandbox  *Sandbox
	auditLog func(event string) error
	notify   Notifier
}

// NewGate returns a Gate operating over sandbox, writing audit events via
// auditLog and notifications via notify.
func NewGate(sandbox *Sandbox, auditLog func(event string) error, notify Notifier) *Gate {
	return &Gate{sandbox: sandbox, auditLog: auditLog, notify: notify}
}

// Result is the full outcome of Handle, including the reason recorded in
// history and reported to the originating worker.
type Result struct {
	Decision Decision
	Reason   string
	Added    int
	Removed  int
	// Path is the original file the submission targeted, for callers that
	// need to feed it to the state machine as a changed file.
	Path string
}

// Handle runs the Gate's decision procedure over taskID's submission, per
// spec.md §4.6 steps 1-7.
func (g *Gate) Handle(taskID, originatingAgent string) (*Result, error) {
	sub, err := g.sandbox.LoadSubmission(taskID)
	if err != nil {
		return nil, fmt.Errorf("gate: load submission: %w", err)
	}

	if _, err := os.Stat(sub.OriginalPath); err != nil {
		return nil, fmt.Errorf("gate: original file missing: %w", err)
	}
	draftContent, err := g.sandbox.ReadDraft(sub.DraftPath)
	if err != nil {
		return nil, fmt.Errorf("gate: read draft: %w", err)
	}
	originalContent, err := os.ReadFile(sub.OriginalPath)
	if err != nil {
		return nil, fmt.Errorf("gate: read original: %w", err)
	}

	// Step 2: conflict detection — the real file moved under the worker.
	if currentHash := hashBytes(originalContent); currentHash != sub.OriginalHash {
		return g.finish(taskID, originatingAgent, sub.OriginalPath, DecisionEscalate, "conflict: original file changed since draft was requested", 0, 0)
	}

	// Step 3: unified diff, added/removed line counts.
	added, removed := diffCounts(string(originalContent), string(draftContent))

	// Step 4: safety analysis.
	draftText := string(draftContent)
	if reason := findSecret(draftText); reason != "" {
		return g.finish(taskID, originatingAgent, sub.OriginalPath, DecisionReject, "secret detected: "+reason, added, removed)
	}
	if reason := findHomePath(draftText); reason != "" {
		return g.finish(taskID, originatingAgent, sub.OriginalPath, DecisionReject, "hardcoded home path detected: "+reason, added, removed)
	}

	deletionRatio := 0.0
	if sub.OriginalLines > 0 {
		deletionRatio = float64(removed) / float64(sub.OriginalLines)
	}

	// Step 6: escalation thresholds.
	if deletionRatio > maxDeletionRatio {
		return g.finish(taskID, originatingAgent, sub.OriginalPath, DecisionEscalate, fmt.Sprintf("deletion_ratio %.2f exceeds %.2f", deletionRatio, maxDeletionRatio), added, removed)
	}
	if added+removed > maxChangedLines {
		return g.finish(taskID, originatingAgent, sub.OriginalPath, DecisionEscalate, fmt.Sprintf("%d changed lines exceeds %d", added+removed, maxChangedLines), added, removed)
	}

	// Step 7: accept — apply atomically over the original.
	if err := g.sandbox.store.Write(sub.OriginalPath, draftContent); err != nil {
		return nil, fmt.Errorf("gate: apply draft: %w", err)
	}
	return g.finish(taskID, originatingAgent, sub.OriginalPath, DecisionAccept, "draft applied", added, removed)
}

func (g *Gate) finish(taskID, originatingAgent, path string, decision Decision, reason string, added, removed int) (*Result, error) {
	event := fmt.Sprintf(`{"task_id":%q,"decision":%q,"reason":%q}`, taskID, decision, reason)
	if g.auditLog != nil {
		if err := g.auditLog(event); err != nil {
			return nil, fmt.Errorf("gate: write audit log: %w", err)
		}
	}

	var msgType vocabulary.MessageType
	switch decision {
	case DecisionAccept:
		msgType = vocabulary.MessageDraftAccepted
	case DecisionReject:
		msgType = vocabulary.MessageDraftRejected
	case DecisionEscalate:
		msgType = vocabulary.MessageDraftEscalated
	}
	if g.notify != nil && originatingAgent != "" {
		if err := g.notify(msgType, originatingAgent, reason); err != nil {
			return nil, fmt.Errorf("gate: notify: %w", err)
		}
	}

	if decision != DecisionEscalate {
		if err := g.sandbox.CleanupTask(taskID); err != nil {
			return nil, fmt.Errorf("gate: cleanup sandbox artifacts: %w", err)
		}
	}

	return &Result{Decision: decision, Reason: reason, Added: added, Removed: removed, Path: path}, nil
}

// diffCounts returns the number of added and removed lines between a and b
// via a unified diff, grounded on pmezard/go-difflib (already pulled in
// transitively by testify; promoted here to a direct dependency for the
// Gate's own diff computation rather than hand-rolling an LCS).
func diffCounts(a, b string) (added, removed int) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "original",
		ToFile:   "draft",
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

func findSecret(text string) string {
	for _, re := range secretPatterns {
		if m := re.FindString(text); m != "" {
			return re.String()
		}
	}
	return ""
}

func findHomePath(text string) string {
	for _, re := range homePathPatterns {
		if m := re.FindString(text); m != "" {
			return m
		}
	}
	return ""
}
