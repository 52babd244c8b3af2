package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/breaker"
	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/gitcheckpoint"
	"github.com/floorline/assemblyline/vocabulary"
)

// DefaultLeaseDuration is how long Apply's caller holds the contract lock
// before it becomes stealable by another actor (design note "Locking
// without a DB" — a lease, not a mutex).
const DefaultLeaseDuration = 2 * time.Minute

// Machine drives one contract through the transition table, persisting the
// contract and a git checkpoint on every move, and consulting the circuit
// breaker after each move.
type Machine struct {
	store         *atomicstore.Store
	breakerEng    *breaker.Engine
	checkpointer  *gitcheckpoint.Checkpointer
	handoffDir    string
	leaseDuration time.Duration
}

// New returns a Machine rooted at handoffDir. checkpointer may be nil for
// contracts that don't checkpoint to git (e.g. unit tests exercising pure
// transition logic).
func New(store *atomicstore.Store, breakerEng *breaker.Engine, checkpointer *gitcheckpoint.Checkpointer, handoffDir string) *Machine {
	return &Machine{
		store:         store,
		breakerEng:    breakerEng,
		checkpointer:  checkpointer,
		handoffDir:    handoffDir,
		leaseDuration: DefaultLeaseDuration,
	}
}

// ContractPath is the canonical on-disk location of a contract document.
func ContractPath(handoffDir, taskID string) string {
	return fmt.Sprintf("%s/%s.contract.json", handoffDir, taskID)
}

// ApplyParams bundles Apply's per-call inputs beyond the contract and
// event. It grew out of a flat parameter list once the breaker's rebuttal,
// review-cycle, and scope-file counters (spec.md §4.5 triggers 1, 5, 8, 9)
// needed their own deltas alongside cost/tokens — bundling keeps call sites
// readable and lets new counters grow here instead of in Apply's signature.
type ApplyParams struct {
	Actor  string
	Reason string

	CostDeltaUSD float64
	TokensDelta  int64

	// ChangedFiles is the set of files touched by this cycle. It replaces
	// handoff_data.changed_files outright (a per-cycle value) but
	// accumulates into handoff_data.all_changed_files, whose length is
	// breaker.scope_file_count (trigger 8 is a whole-task property).
	ChangedFiles []string

	// RebuttalDelta and ReviewCycleDelta bump breaker.rebuttal_count and
	// breaker.review_cycle_count (triggers 1, 5, 9). The caller decides
	// when a rebuttal round or review cycle actually occurred — Apply
	// itself has no opinion on which events constitute one.
	RebuttalDelta    int
	ReviewCycleDelta int

	Breaker breaker.Inputs
}

// Apply runs one (status, event) transition against c: acquires or steals
// the lock, looks up the destination status, runs the breaker, appends a
// history entry, checkpoints the change to git, and persists the contract.
func (m *Machine) Apply(ctx context.Context, c *contract.Contract, event Event, p ApplyParams, now time.Time) error {
	if c.Status.Terminal() {
		return ErrArchived
	}
	if c.Lock != nil && !c.Lock.Expired(now) && c.Lock.HeldBy != p.Actor {
		return ErrLockHeld
	}

	oldStatus := c.Status
	newStatus, err := Transition(oldStatus, event)
	if err != nil {
		return err
	}

	// The lock is held for the duration of this call only — Apply is the
	// entire critical section, so it is acquired and released within the
	// same invocation rather than held across separate calls.
	c.Lock = &contract.Lock{HeldBy: p.Actor, AcquiredAt: now, ExpiresAt: now.Add(m.leaseDuration)}

	c.Breaker.CostUSD += p.CostDeltaUSD
	c.Breaker.TokensUsed += p.TokensDelta
	c.Breaker.RebuttalCount += p.RebuttalDelta
	c.Breaker.ReviewCycleCount += p.ReviewCycleDelta
	if len(p.ChangedFiles) > 0 {
		c.HandoffData.ChangedFiles = p.ChangedFiles
		c.HandoffData.AllChangedFiles = unionStrings(c.HandoffData.AllChangedFiles, p.ChangedFiles)
		c.Breaker.ScopeFileCount = len(c.HandoffData.AllChangedFiles)
	}

	c.Status = newStatus
	c.StatusReason = p.Reason
	c.Timestamps.UpdatedAt = now

	entry := contract.HistoryEntry{
		Timestamp:    now,
		OldStatus:    oldStatus,
		NewStatus:    newStatus,
		Event:        string(event),
		Actor:        p.Actor,
		Reason:       p.Reason,
		CostDeltaUSD: p.CostDeltaUSD,
	}

	if m.checkpointer != nil {
		sha, err := m.checkpointer.Checkpoint(ctx, c.TaskID, string(newStatus), string(event), p.ChangedFiles)
		if err != nil {
			return fmt.Errorf("statemachine: checkpoint: %w", err)
		}
		entry.CommitSHA = sha
		c.Git.CheckpointSHAs = append(c.Git.CheckpointSHAs, sha)
	}

	c.History = append(c.History, entry)
	c.Lock = nil

	if trigger, tripReason := breaker.Evaluate(c, p.Breaker); trigger != vocabulary.TriggerNone {
		if err := m.trip(c, trigger, tripReason, now); err != nil {
			return err
		}
	}

	return m.persist(c)
}

// unionStrings returns the deduplicated union of existing and added,
// preserving existing's order and appending added's new entries in order.
func unionStrings(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(added))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range added {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Create materializes a brand-new contract from a proposal and opens its
// task branch, persisting both before returning (spec.md §2: "The Listener
// asks the Contract layer to materialize a Task Contract, asks Git to open
// a task branch, and sets state to pending_implementer"). This is the only
// entrypoint that creates a contract; Apply only transitions one that
// already exists.
func (m *Machine) Create(ctx context.Context, p *contract.Proposal, seq int, baseBranch string, now time.Time) (*contract.Contract, error) {
	c, err := contract.CreateContract(p, seq, now)
	if err != nil {
		return nil, fmt.Errorf("statemachine: create contract: %w", err)
	}

	if m.checkpointer != nil {
		baseCommit, err := m.checkpointer.CreateTaskBranch(ctx, c.TaskID, baseBranch)
		if err != nil {
			return nil, fmt.Errorf("statemachine: create task branch: %w", err)
		}
		c.Git.BaseBranch = baseBranch
		c.Git.BaseCommit = baseCommit
		c.Git.TaskBranch = gitcheckpoint.TaskBranchName(c.TaskID)
	}

	if err := m.persist(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Merge runs the Git merge for a contract in review_complete (spec.md §2:
// "the state advances to merged and Git merges") and applies the resulting
// merge_ok/merge_conflict transition. A conflicting merge is not a Merge
// error — it is a legitimate outcome that Apply records and that the
// breaker lets trip erik_consultation for, per gitcheckpoint.MergeToMain's
// contract.
func (m *Machine) Merge(ctx context.Context, c *contract.Contract, actor string, now time.Time) error {
	if m.checkpointer == nil {
		return fmt.Errorf("statemachine: merge: no checkpointer configured")
	}

	mergeErr := m.checkpointer.MergeToMain(ctx, c.TaskID, c.Git.BaseBranch)
	event := EventMergeOK
	reason := fmt.Sprintf("merged task branch into %s", c.Git.BaseBranch)

	var conflict *gitcheckpoint.ErrMergeConflict
	if mergeErr != nil {
		if !errors.As(mergeErr, &conflict) {
			return fmt.Errorf("statemachine: merge: %w", mergeErr)
		}
		event = EventMergeConflict
		reason = mergeErr.Error()
	}

	return m.Apply(ctx, c, event, ApplyParams{Actor: actor, Reason: reason}, now)
}

// CheckGlobalTimeout polls trigger 10 independently of any pending event —
// a task can time out with nothing else happening. The Listener calls this
// on its own cadence.
func (m *Machine) CheckGlobalTimeout(c *contract.Contract, now time.Time) error {
	if c.Status.Terminal() || c.Breaker.Status == contract.BreakerTripped {
		return nil
	}
	reason, fired := breaker.EvaluateGlobalTimeout(c, now)
	if !fired {
		return nil
	}
	if err := m.trip(c, vocabulary.TriggerGlobalTimeout, reason, now); err != nil {
		return err
	}
	return m.persist(c)
}

func (m *Machine) trip(c *contract.Contract, trigger vocabulary.BreakerTrigger, reason string, now time.Time) error {
	if m.breakerEng != nil {
		if err := m.breakerEng.Trip(c, trigger, reason); err != nil {
			return fmt.Errorf("statemachine: trip breaker: %w", err)
		}
	} else {
		c.Breaker.Status = contract.BreakerTripped
		c.Breaker.TriggeredBy = trigger.String()
	}

	if c.Status == vocabulary.StatusErikConsultation {
		return nil
	}
	oldStatus := c.Status
	c.Status = vocabulary.StatusErikConsultation
	c.StatusReason = reason
	c.Timestamps.UpdatedAt = now
	c.History = append(c.History, contract.HistoryEntry{
		Timestamp: now,
		OldStatus: oldStatus,
		NewStatus: vocabulary.StatusErikConsultation,
		Event:     string(EventBreakerTripped),
		Actor:     "breaker",
		Reason:    reason,
	})
	return nil
}

func (m *Machine) persist(c *contract.Contract) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("statemachine: marshal contract: %w", err)
	}
	path := ContractPath(m.handoffDir, c.TaskID)
	if err := m.store.Write(path, data); err != nil {
		return fmt.Errorf("statemachine: persist contract: %w", err)
	}
	return nil
}
