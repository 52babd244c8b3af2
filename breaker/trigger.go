// Package breaker implements the Circuit Breaker Engine (spec.md §4.5):
// the ten halt triggers that guard budget, scope, progress, and sanity,
// plus halt-artifact emission and reset semantics.
package breaker

import (
	"fmt"
	"time"

	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/vocabulary"
)

// ReviewIssue is one issue reported by a review cycle, classified for
// trigger 5 (nitpicking).
type ReviewIssue struct {
	Category string // "style", "formatting", "whitespace", or "blocking"
	Blocking bool
}

// ReviewCycle summarizes one completed judge/local-review pass, the input
// trigger 5 needs that isn't itself persisted on the contract (only the
// running counter is).
type ReviewCycle struct {
	Issues []ReviewIssue
}

// allNitpick reports whether every issue in the cycle is style-level and
// none are blocking, or the cycle reported no issues at all — both count
// toward the nitpicking streak per the spec's open-question resolution
// (§9a: empty-over-3-cycles is itself a nitpicking signal).
func (c ReviewCycle) allNitpick() bool {
	for _, iss := range c.Issues {
		if iss.Blocking || (iss.Category != "style" && iss.Category != "formatting" && iss.Category != "whitespace") {
			return false
		}
	}
	return true
}

// Inputs carries the signals a trigger evaluation needs beyond what is
// already recorded on the Contract: nothing here is persisted by the
// State Machine itself, it is supplied fresh by the caller (C4) at each
// mutation.
type Inputs struct {
	// Stalled reports whether the currently active role has missed
	// heartbeats for 3x the interval (fed by C3).
	Stalled bool

	// RecentReviewCycles holds the last N judge/local-review cycles, most
	// recent last, for trigger 5's classification.
	RecentReviewCycles []ReviewCycle

	// LogicalParadox reports whether the verdict contradicts the local
	// reviewer with matching file hashes across the last two cycles
	// (trigger 3), and whether an external conflict-resolution tool was
	// available and already applied (in which case the trigger does not
	// fire — it was resolved, not halted).
	LogicalParadoxDetected  bool
	ConflictResolverApplied bool

	// CurrentContentHash is the hash of the content currently proposed;
	// trigger 4 fires when this equals a hash previously rejected by a
	// FAIL verdict (breaker.last_judge_hashes).
	CurrentContentHash string

	// ChangedFiles is the full set of files touched by the active cycle,
	// for trigger 8's scope-creep and out-of-allowed-path checks.
	ChangedFiles []string
}

// Evaluate runs every trigger against c and returns the first one that
// fires, or vocabulary.TriggerNone. Order follows spec.md §4.5's
// numbering, which is also the order operators expect in halt artifacts.
func Evaluate(c *contract.Contract, in Inputs) (vocabulary.BreakerTrigger, string) {
	if reason, ok := triggerRebuttalLimit(c); ok {
		return vocabulary.TriggerRebuttalLimit, reason
	}
	if reason, ok := triggerLogicalParadox(c, in); ok {
		return vocabulary.TriggerLogicalParadox, reason
	}
	if reason, ok := triggerHallucinationLoop(c, in); ok {
		return vocabulary.TriggerHallucinationLoop, reason
	}
	if reason, ok := triggerNitpicking(c, in); ok {
		return vocabulary.TriggerNitpicking, reason
	}
	if reason, ok := triggerInactivity(c, in); ok {
		return vocabulary.TriggerInactivity, reason
	}
	if reason, ok := triggerBudget(c); ok {
		return vocabulary.TriggerBudget, reason
	}
	if reason, ok := triggerScopeCreep(c, in); ok {
		return vocabulary.TriggerScopeCreep, reason
	}
	if reason, ok := triggerReviewCycleCap(c); ok {
		return vocabulary.TriggerReviewCycleCap, reason
	}
	return vocabulary.TriggerNone, ""
}

// EvaluateDestructiveDiff is trigger 2, evaluated by the Gate at accept
// time rather than on every contract mutation (the diff it needs is only
// available there); exposed separately so the Gate can call it directly.
func EvaluateDestructiveDiff(deletionRatio float64) (string, bool) {
	if deletionRatio > 0.5 {
		return fmt.Sprintf("%s (deletion_ratio=%.2f)", vocabulary.TriggerDestructiveDiff, deletionRatio), true
	}
	return "", false
}

// EvaluateGlobalTimeout is trigger 10, evaluated against wall-clock time
// independent of the mutation path (a task can time out with no pending
// event), so the Listener polls it on its own cadence.
func EvaluateGlobalTimeout(c *contract.Contract, now time.Time) (string, bool) {
	elapsed := now.Sub(c.Timestamps.CreatedAt)
	limit := time.Duration(c.Limits.GlobalTimeoutHours * float64(time.Hour))
	if elapsed > limit {
		return fmt.Sprintf("Trigger 10: Global Timeout (%.1fh elapsed, limit %.1fh)", elapsed.Hours(), c.Limits.GlobalTimeoutHours), true
	}
	return "", false
}

func triggerRebuttalLimit(c *contract.Contract) (string, bool) {
	if c.Breaker.RebuttalCount > c.Limits.MaxRebuttals {
		return "Trigger 1: Rebuttal Limit", true
	}
	return "", false
}

func triggerLogicalParadox(c *contract.Contract, in Inputs) (string, bool) {
	if in.LogicalParadoxDetected && !in.ConflictResolverApplied {
		return "Trigger 3: Logical Paradox", true
	}
	return "", false
}

func triggerHallucinationLoop(c *contract.Contract, in Inputs) (string, bool) {
	if in.CurrentContentHash == "" {
		return "", false
	}
	for _, h := range c.Breaker.LastJudgeHashes {
		if h == in.CurrentContentHash {
			return "Trigger 4: Hallucination Loop", true
		}
	}
	return "", false
}

func triggerNitpicking(c *contract.Contract, in Inputs) (string, bool) {
	if c.Breaker.ReviewCycleCount < 3 || len(in.RecentReviewCycles) < 3 {
		return "", false
	}
	recent := in.RecentReviewCycles
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	for _, cycle := range recent {
		if !cycle.allNitpick() {
			return "", false
		}
	}
	return "Trigger 5: GPT-Energy Nitpicking", true
}

func triggerInactivity(c *contract.Contract, in Inputs) (string, bool) {
	if in.Stalled {
		return "Trigger 6: Inactivity", true
	}
	return "", false
}

func triggerBudget(c *contract.Contract) (string, bool) {
	if c.Breaker.CostUSD >= c.Limits.CostCeilingUSD {
		return fmt.Sprintf("Trigger 7: Budget ($%.2f >= $%.2f)", c.Breaker.CostUSD, c.Limits.CostCeilingUSD), true
	}
	return "", false
}

func triggerScopeCreep(c *contract.Contract, in Inputs) (string, bool) {
	if c.Breaker.ScopeFileCount > 20 {
		return fmt.Sprintf("Trigger 8: Scope Creep (%d files > 20)", c.Breaker.ScopeFileCount), true
	}
	if len(c.Constraints.AllowedPaths) == 0 {
		return "", false
	}
	for _, f := range in.ChangedFiles {
		if !contract.MatchesAnyPath(f, c.Constraints.AllowedPaths) {
			return fmt.Sprintf("Trigger 8: Scope Creep (%s outside allowed_paths)", f), true
		}
	}
	return "", false
}

func triggerReviewCycleCap(c *contract.Contract) (string, bool) {
	if c.Breaker.ReviewCycleCount > c.Limits.MaxReviewCycles {
		return "Trigger 9: Review Cycle Cap", true
	}
	return "", false
}
