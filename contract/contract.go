// Package contract defines the Task Contract — the single persistent
// document that is the source of truth for one in-flight task — along with
// the proposal format it is materialized from and the validation that
// guards both.
package contract

import (
	"time"

	"github.com/floorline/assemblyline/vocabulary"
)

// SchemaVersion is the only contract schema this module accepts. Contracts
// carrying any other value are rejected outright.
const SchemaVersion = "2.0"

// Contract is the schema v2 Task Contract (spec.md §3).
type Contract struct {
	SchemaVersion string                `json:"schema_version"`
	TaskID        string                `json:"task_id"`
	Project       string                `json:"project"`
	Status        vocabulary.Status     `json:"status"`
	StatusReason  string                `json:"status_reason"`
	Complexity    vocabulary.Complexity `json:"complexity"`

	Specification Specification `json:"specification"`
	Constraints   Constraints   `json:"constraints"`
	Limits        Limits        `json:"limits"`
	Breaker       BreakerState  `json:"breaker"`
	Lock          *Lock         `json:"lock,omitempty"`
	Git           GitState      `json:"git"`
	HandoffData   HandoffData   `json:"handoff_data"`
	History       []HistoryEntry `json:"history"`
	Timestamps    Timestamps    `json:"timestamps"`
}

// Specification describes the work the task must perform.
type Specification struct {
	SourceFiles        []string `json:"source_files"`
	TargetFile         string   `json:"target_file"`
	Requirements       []string `json:"requirements"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// Constraints bounds which files the task may touch.
type Constraints struct {
	AllowedPaths  []string `json:"allowed_paths"`
	ForbiddenPaths []string `json:"forbidden_paths"`
	DeleteAllowed bool     `json:"delete_allowed"`
}

// Limits is an alias of vocabulary.Limits kept local to the contract
// package so callers of this package don't need to import vocabulary just
// to read limits off a contract.
type Limits = vocabulary.Limits

// BreakerStatus is the armed/tripped state of a contract's breaker.
type BreakerStatus string

const (
	BreakerArmed   BreakerStatus = "armed"
	BreakerTripped BreakerStatus = "tripped"
)

// BreakerState is the circuit breaker's per-contract counters and state.
// The Circuit Breaker Engine (package breaker) reads and mutates this
// through the State Machine; Contract itself only defines the shape.
type BreakerState struct {
	Status           BreakerStatus `json:"status"`
	TriggeredBy      string        `json:"triggered_by,omitempty"`
	RebuttalCount    int           `json:"rebuttal_count"`
	ReviewCycleCount int           `json:"review_cycle_count"`
	TokensUsed       int64         `json:"tokens_used"`
	CostUSD          float64       `json:"cost_usd"`
	ScopeFileCount   int           `json:"scope_file_count"`
	LastJudgeHashes  []string      `json:"last_judge_hashes,omitempty"`
}

// Lock is the file-backed lease protecting a contract from concurrent
// mutation (design note "Locking without a DB"). Absent means unlocked.
type Lock struct {
	HeldBy     string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock's lease has lapsed as of now, making it
// stealable by a different actor.
func (l *Lock) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// GitState records the task's branch-per-task checkpoint history.
type GitState struct {
	BaseBranch     string   `json:"base_branch"`
	BaseCommit     string   `json:"base_commit"`
	TaskBranch     string   `json:"task_branch"`
	CheckpointSHAs []string `json:"checkpoint_shas,omitempty"`
}

// HandoffData tracks the sandbox/draft-gate handoff for the active cycle.
type HandoffData struct {
	ChangedFiles       []string `json:"changed_files,omitempty"`
	// AllChangedFiles is the union of every changed_files set this task has
	// ever reported, across every cycle. breaker.scope_file_count (trigger
	// 8) is its length, not len(ChangedFiles), since scope creep is a
	// whole-task property, not a per-cycle one.
	AllChangedFiles     []string `json:"all_changed_files,omitempty"`
	JudgeReportPath    string   `json:"judge_report_path,omitempty"`
	RebuttalPath       string   `json:"rebuttal_path,omitempty"`
	LastImplementerHash string  `json:"last_implementer_hash,omitempty"`
}

// HistoryEntry is one append-only record of a state transition.
// Invariant 5: every state change appends exactly one entry.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	OldStatus    vocabulary.Status `json:"old_status"`
	NewStatus    vocabulary.Status `json:"new_status"`
	Event        string    `json:"event"`
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason,omitempty"`
	CostDeltaUSD float64   `json:"cost_delta_usd,omitempty"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
}

// Timestamps records contract creation and last-update instants.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Proposal is the human-authored input converted into a Contract by
// CreateContract. It deliberately mirrors Specification/Constraints so
// parsing a proposal and validating a contract share the same field names.
type Proposal struct {
	Project            string   `json:"project"`
	Slug               string   `json:"slug"`
	Complexity         vocabulary.Complexity `json:"complexity"`
	SourceFiles        []string `json:"source_files"`
	TargetFile         string   `json:"target_file"`
	Requirements       []string `json:"requirements"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	AllowedPaths       []string `json:"allowed_paths"`
	ForbiddenPaths     []string `json:"forbidden_paths"`
	DeleteAllowed      bool     `json:"delete_allowed"`
}
