package contract

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/floorline/assemblyline/vocabulary"
)

// ParseProposal validates a decoded Proposal before it is allowed anywhere
// near CreateContract. It checks every required field rather than stopping
// at the first problem, so the caller can write a rejection artifact
// naming each missing or conflicting field — no guessing.
func ParseProposal(p *Proposal) (*Proposal, error) {
	verr := &ValidationError{}

	if p.Project == "" {
		verr.add("project", "is required")
	}
	if p.Slug == "" {
		verr.add("slug", "is required")
	}
	if !p.Complexity.IsValid() {
		verr.add("complexity", fmt.Sprintf("must be one of trivial|minor|major|critical, got %q", p.Complexity))
	}
	if p.TargetFile == "" {
		verr.add("target_file", "is required")
	} else if _, err := os.Stat(p.TargetFile); err != nil {
		verr.add("target_file", fmt.Sprintf("must exist at proposal time: %v", err))
	}
	if len(p.Requirements) == 0 {
		verr.add("requirements", "must be non-empty")
	}
	if overlap := pathOverlap(p.AllowedPaths, p.ForbiddenPaths); overlap != "" {
		verr.add("allowed_paths/forbidden_paths", fmt.Sprintf("must be disjoint, both match %q", overlap))
	}

	if !verr.empty() {
		return nil, verr
	}
	return p, nil
}

// CreateContract materializes a validated Proposal into a fresh Contract,
// assigning its deterministic task_id, complexity-derived limits, and
// initial pending_implementer status.
func CreateContract(p *Proposal, seq int, now time.Time) (*Contract, error) {
	if _, err := ParseProposal(p); err != nil {
		return nil, err
	}

	taskID := NewTaskID(p.Project, seq, p.Slug)
	c := &Contract{
		SchemaVersion: SchemaVersion,
		TaskID:        taskID,
		Project:       p.Project,
		Status:        vocabulary.StatusPendingImplementer,
		StatusReason:  "contract created from proposal",
		Complexity:    p.Complexity,
		Specification: Specification{
			SourceFiles:        p.SourceFiles,
			TargetFile:         p.TargetFile,
			Requirements:       p.Requirements,
			AcceptanceCriteria: p.AcceptanceCriteria,
		},
		Constraints: Constraints{
			AllowedPaths:   p.AllowedPaths,
			ForbiddenPaths: p.ForbiddenPaths,
			DeleteAllowed:  p.DeleteAllowed,
		},
		Limits: vocabulary.DefaultLimitsFor(p.Complexity),
		Breaker: BreakerState{
			Status: BreakerArmed,
		},
		History: []HistoryEntry{
			{
				Timestamp: now,
				OldStatus: "",
				NewStatus: vocabulary.StatusPendingImplementer,
				Event:     "contract_created",
				Actor:     "floor_manager",
				Reason:    "proposal accepted",
			},
		},
		Timestamps: Timestamps{CreatedAt: now, UpdatedAt: now},
	}

	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks a contract's schema_version, status, complexity,
// allowed/forbidden path disjointness (invariant 2), budget (invariant 3),
// rebuttal limit (invariant 4), and its target_file and requirements
// fields. Lock ownership (invariant 6), archival (invariant 7) and history
// are not checked here; statemachine.Apply enforces the first two. It
// returns a *ValidationError naming every violated field, or nil.
func Validate(c *Contract) error {
	verr := &ValidationError{}

	if c.SchemaVersion != SchemaVersion {
		verr.add("schema_version", fmt.Sprintf("expected %q, got %q", SchemaVersion, c.SchemaVersion))
	}
	if !c.Status.IsValid() {
		verr.add("status", fmt.Sprintf("not in VALID_STATUSES: %q", c.Status))
	}
	if !c.Complexity.IsValid() {
		verr.add("complexity", fmt.Sprintf("not one of trivial|minor|major|critical: %q", c.Complexity))
	}
	if overlap := pathOverlap(c.Constraints.AllowedPaths, c.Constraints.ForbiddenPaths); overlap != "" {
		verr.add("constraints", fmt.Sprintf("allowed_paths and forbidden_paths both match %q", overlap))
	}
	if c.Breaker.CostUSD > c.Limits.CostCeilingUSD && c.Status != vocabulary.StatusErikConsultation {
		verr.add("breaker.cost_usd", fmt.Sprintf("%.2f exceeds ceiling %.2f outside erik_consultation", c.Breaker.CostUSD, c.Limits.CostCeilingUSD))
	}
	if c.Breaker.RebuttalCount > c.Limits.MaxRebuttals {
		verr.add("breaker.rebuttal_count", fmt.Sprintf("%d exceeds max_rebuttals %d", c.Breaker.RebuttalCount, c.Limits.MaxRebuttals))
	}
	if c.Specification.TargetFile == "" {
		verr.add("specification.target_file", "is required")
	}
	if len(c.Specification.Requirements) == 0 {
		verr.add("specification.requirements", "must be non-empty")
	}

	if !verr.empty() {
		return verr
	}
	return nil
}

// pathOverlap returns the first glob pattern pair that match a common path
// under either list, or "" if allowed and forbidden are disjoint. Patterns
// are matched literally against each other first (exact duplicates), then
// as doublestar globs against one another's literal text so that e.g.
// "src/**" in forbidden_paths catches "src/main.go" in allowed_paths.
func pathOverlap(allowed, forbidden []string) string {
	for _, a := range allowed {
		for _, f := range forbidden {
			if a == f {
				return a
			}
			if ok, _ := doublestar.Match(f, a); ok {
				return a
			}
			if ok, _ := doublestar.Match(a, f); ok {
				return f
			}
		}
	}
	return ""
}

// MatchesAnyPath reports whether path matches any of the given doublestar
// glob patterns. Used by the breaker's scope-creep trigger (8) to decide
// whether a changed file falls outside constraints.allowed_paths.
func MatchesAnyPath(path string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, path); ok {
			return true
		}
		if strings.HasPrefix(path, strings.TrimSuffix(pat, "**")) && strings.HasSuffix(pat, "**") {
			return true
		}
	}
	return false
}
