// Package sandbox implements the Sandbox & Draft Gate (spec.md §4.6): the
// single writable location for worker edits, the path and content safety
// checks guarding it, and the gate decision that accepts, rejects, or
// escalates a submitted draft.
//
// Path validation is grounded on tools/file's validatePath (repo-root
// containment via filepath.Abs + prefix check), extended with the
// symlink-escape, null-byte, and double-URL-encoded traversal checks and
// the extension/sensitive-file whitelist spec.md §4.6 calls out that the
// teacher's simpler version doesn't need.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/floorline/assemblyline/atomicstore"
)

// allowedExtensions is the draft-file whitelist; any other extension is
// refused outright.
var allowedExtensions = map[string]bool{
	".draft":          true,
	".submission.json": true,
}

// sensitivePatterns matches filenames that may never be drafted, even
// inside the sandbox.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.env(\.|$)`),
	regexp.MustCompile(`(?i)credentials`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)\.key(\.|$)`),
	regexp.MustCompile(`(?i)\.pem(\.|$)`),
	regexp.MustCompile(`(?i)password`),
}

// safeTaskIDPattern is the allowed alphabet for task ids embedded in
// sandbox filenames.
var safeTaskIDPattern = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeTaskID strips every character outside [A-Za-z0-9_] from taskID,
// for safe embedding in a sandbox filename.
func SanitizeTaskID(taskID string) string {
	return safeTaskIDPattern.ReplaceAllString(taskID, "")
}

// Sandbox is the single writable location for worker-produced drafts.
type Sandbox struct {
	dir   string
	store *atomicstore.Store
}

// New returns a Sandbox rooted at dir, which must be an absolute path.
func New(dir string, store *atomicstore.Store) *Sandbox {
	return &Sandbox{dir: dir, store: store}
}

// Dir returns the sandbox's root directory.
func (s *Sandbox) Dir() string { return s.dir }

// DraftInfo is returned by RequestDraft and WriteDraft.
type DraftInfo struct {
	DraftPath string `json:"draft_path"`
	Hash      string `json:"hash"`
	LineCount int    `json:"line_count"`
}

// Submission is the JSON document written by SubmitDraft and consumed by
// the Gate.
type Submission struct {
	TaskID         string    `json:"task_id"`
	DraftPath      string    `json:"draft_path"`
	OriginalPath   string    `json:"original_path"`
	ChangeSummary  string    `json:"change_summary"`
	SubmittedAt    time.Time `json:"submitted_at"`
	OriginalHash   string    `json:"original_hash"`
	DraftHash      string    `json:"draft_hash"`
	OriginalLines  int       `json:"original_lines"`
	DraftLines     int       `json:"draft_lines"`
}

// RequestDraft verifies source is inside the workspace, copies it
// atomically to "<dir>/<base>.<task>.draft", and returns its info.
func (s *Sandbox) RequestDraft(workspaceRoot, source, taskID string) (*DraftInfo, error) {
	absSource, err := validateWithinRoot(workspaceRoot, source)
	if err != nil {
		return nil, fmt.Errorf("sandbox: source %w", err)
	}
	content, err := os.ReadFile(absSource)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read source: %w", err)
	}

	base := filepath.Base(absSource)
	draftPath := filepath.Join(s.dir, fmt.Sprintf("%s.%s.draft", base, SanitizeTaskID(taskID)))
	if err := s.validateDraftPath(draftPath); err != nil {
		return nil, err
	}

	if err := s.store.Write(draftPath, content); err != nil {
		return nil, fmt.Errorf("sandbox: write draft: %w", err)
	}

	return &DraftInfo{
		DraftPath: draftPath,
		Hash:      hashBytes(content),
		LineCount: countLines(content),
	}, nil
}

// WriteDraft atomically overwrites draftPath's content. draftPath must
// already validate as a sandbox path.
func (s *Sandbox) WriteDraft(draftPath string, content []byte) (*DraftInfo, error) {
	if err := s.validateDraftPath(draftPath); err != nil {
		return nil, err
	}
	if err := s.store.Write(draftPath, content); err != nil {
		return nil, fmt.Errorf("sandbox: write draft: %w", err)
	}
	return &DraftInfo{DraftPath: draftPath, Hash: hashBytes(content), LineCount: countLines(content)}, nil
}

// ReadDraft reads back draftPath, enforcing sandbox membership.
func (s *Sandbox) ReadDraft(draftPath string) ([]byte, error) {
	if err := s.validateDraftPath(draftPath); err != nil {
		return nil, err
	}
	return s.store.Read(draftPath)
}

// SubmitDraft writes "<dir>/<safe_task>.submission.json" recording the
// hashes, line counts, and timestamp needed for the Gate.
func (s *Sandbox) SubmitDraft(taskID, draftPath, originalPath, changeSummary string) (*Submission, error) {
	if err := s.validateDraftPath(draftPath); err != nil {
		return nil, err
	}
	draftContent, err := s.store.Read(draftPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read draft: %w", err)
	}
	originalContent, err := os.ReadFile(originalPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read original: %w", err)
	}

	sub := &Submission{
		TaskID:        taskID,
		DraftPath:     draftPath,
		OriginalPath:  originalPath,
		ChangeSummary: changeSummary,
		SubmittedAt:   time.Now(),
		OriginalHash:  hashBytes(originalContent),
		DraftHash:     hashBytes(draftContent),
		OriginalLines: countLines(originalContent),
		DraftLines:    countLines(draftContent),
	}

	safeTask := SanitizeTaskID(taskID)
	subPath := filepath.Join(s.dir, safeTask+".submission.json")
	if err := s.validateDraftPath(subPath); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal submission: %w", err)
	}
	if err := s.store.Write(subPath, data); err != nil {
		return nil, fmt.Errorf("sandbox: write submission: %w", err)
	}
	return sub, nil
}

// LoadSubmission reads back a previously written submission for taskID.
func (s *Sandbox) LoadSubmission(taskID string) (*Submission, error) {
	subPath := filepath.Join(s.dir, SanitizeTaskID(taskID)+".submission.json")
	data, err := s.store.Read(subPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read submission: %w", err)
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("sandbox: corrupt submission %s: %w", subPath, err)
	}
	return &sub, nil
}

// CleanupTask removes the draft and submission artifacts for taskID after
// the gate has disposed of them, one way or another.
func (s *Sandbox) CleanupTask(taskID string) error {
	safeTask := SanitizeTaskID(taskID)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sandbox: list sandbox dir: %w", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), safeTask) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("sandbox: remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// validateDraftPath enforces every rule in spec.md §4.6 for a path inside
// the sandbox: absolute containment, no traversal, no symlink escape, no
// null bytes, no double-URL-encoded traversal, an allowed extension, and
// no sensitive filename.
func (s *Sandbox) validateDraftPath(path string) error {
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("sandbox: path contains a null byte")
	}
	if decoded, err := url.QueryUnescape(path); err == nil && decoded != path {
		if strings.Contains(decoded, "..") {
			return fmt.Errorf("sandbox: double-encoded path traversal detected")
		}
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("sandbox: path traversal (..) not allowed")
	}

	absSandbox, err := filepath.Abs(s.dir)
	if err != nil {
		return fmt.Errorf("sandbox: resolve sandbox root: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sandbox: resolve path: %w", err)
	}
	if absPath != absSandbox && !strings.HasPrefix(absPath, absSandbox+string(filepath.Separator)) {
		return fmt.Errorf("sandbox: %s is outside sandbox dir %s", path, s.dir)
	}

	if resolved, err := filepath.EvalSymlinks(filepath.Dir(absPath)); err == nil {
		resolvedSandbox, err2 := filepath.EvalSymlinks(absSandbox)
		if err2 == nil && resolved != resolvedSandbox && !strings.HasPrefix(resolved, resolvedSandbox+string(filepath.Separator)) {
			return fmt.Errorf("sandbox: %s escapes sandbox dir via symlink", path)
		}
	}

	if !hasAllowedExtension(absPath) {
		return fmt.Errorf("sandbox: %s has an extension outside {.draft, .submission.json}", path)
	}
	if isSensitiveName(filepath.Base(absPath)) {
		return fmt.Errorf("sandbox: %s matches a sensitive filename pattern", path)
	}
	return nil
}

func hasAllowedExtension(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".submission.json") {
		return true
	}
	return allowedExtensions[filepath.Ext(base)]
}

func isSensitiveName(name string) bool {
	for _, re := range sensitivePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// validateWithinRoot ensures source is inside workspaceRoot, grounded on
// tools/file.Executor.validatePath.
func validateWithinRoot(workspaceRoot, source string) (string, error) {
	var full string
	if filepath.IsAbs(source) {
		full = filepath.Clean(source)
	} else {
		full = filepath.Clean(filepath.Join(workspaceRoot, source))
	}
	absPath, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: %s is outside workspace root", source)
	}
	return absPath, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := strings.Count(string(b), "\n")
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}
