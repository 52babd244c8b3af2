// Package broker defines the Worker Broker Contracts (spec.md §4.9): the
// five operations the Listener dispatches to whatever agent runtime is
// actually doing the work — run_implementer, run_local_review, run_judge,
// validate_proposal, resolve_conflict — as interfaces the orchestrator
// depends on without caring how a given deployment implements them (a
// subprocess, an HTTP call to an agent harness, an in-process stub for
// tests).
package broker

import (
	"context"

	"github.com/floorline/assemblyline/breaker"
	"github.com/floorline/assemblyline/contract"
)

// ImplementerRequest carries everything an implementer needs to produce a
// draft for one cycle: the contract (for specification/constraints) plus
// any rebuttal or stall context from a prior cycle.
type ImplementerRequest struct {
	Contract     *contract.Contract
	RebuttalNote string
}

// ImplementerResult is what RunImplementer hands back: the path to the
// draft it wrote in the sandbox (package sandbox owns the actual file) and
// the token usage to feed into UpdateCost.
type ImplementerResult struct {
	DraftPath    string
	ContentHash  string
	ChangedFiles []string
	TokensIn     int64
	TokensOut    int64
	Model        string
}

// LocalReviewRequest carries the draft a local reviewer must pass or fail
// before it goes to the judge.
type LocalReviewRequest struct {
	Contract  *contract.Contract
	DraftPath string
}

// LocalReviewResult is a pass/fail verdict plus the issues found, which
// feed breaker trigger 5's nitpicking classification via
// breaker.ReviewCycle.
type LocalReviewResult struct {
	Pass      bool
	Issues    []breaker.ReviewIssue
	TokensIn  int64
	TokensOut int64
	Model     string
}

// JudgeRequest carries the draft and the full review history for one
// judge pass.
type JudgeRequest struct {
	Contract      *contract.Contract
	DraftPath     string
	ReviewHistory []LocalReviewResult
}

// Verdict is the judge's decision on one review cycle.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFailWithCycles Verdict = "fail_with_cycles_left"
	VerdictCriticalHalt  Verdict = "critical_halt"
)

// JudgeResult is the judge's verdict plus the issues found (again feeding
// trigger 5) and the content hash of what was judged (feeding trigger 4,
// the hallucination-loop check).
type JudgeResult struct {
	Verdict     Verdict
	Issues      []breaker.ReviewIssue
	ContentHash string
	Report      string
	TokensIn    int64
	TokensOut   int64
	Model       string
}

// Resolution is what a ConflictResolver returns when it reconciles a
// judge/local-review disagreement instead of letting trigger 3 fire.
type Resolution struct {
	Applied bool
	Note    string
}

// Implementer runs the implementer role for one cycle.
type Implementer interface {
	RunImplementer(ctx context.Context, req ImplementerRequest) (ImplementerResult, error)
}

// LocalReviewer runs the local-review role for one cycle.
type LocalReviewer interface {
	RunLocalReview(ctx context.Context, req LocalReviewRequest) (LocalReviewResult, error)
}

// Judge runs the judge role for one cycle.
type Judge interface {
	RunJudge(ctx context.Context, req JudgeRequest) (JudgeResult, error)
}

// ProposalValidator turns an operator-authored raw proposal document into
// a *contract.Proposal, or reports why it cannot (malformed JSON, an
// unreachable target file, an ambiguous complexity tier) — the semantic
// half of validation that contract.ParseProposal's structural checks don't
// cover.
type ProposalValidator interface {
	ValidateProposal(ctx context.Context, raw []byte) (*contract.Proposal, error)
}

// ConflictResolver attempts to reconcile a judge verdict that contradicts
// the local reviewer on the same content hash (the precondition for
// breaker trigger 3). Returning Resolution.Applied == false (or
// ErrConflictUnresolved) lets the caller trip the breaker instead.
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, judge JudgeResult, local LocalReviewResult) (Resolution, error)
}

// Broker wires one implementation of each worker contract together behind
// retrying, backed-off calls (package retry.go), so the Listener calls one
// Broker rather than five separate interfaces with their own retry logic.
type Broker struct {
	Implementer       Implementer
	LocalReviewer     LocalReviewer
	Judge             Judge
	ProposalValidator ProposalValidator
	ConflictResolver  ConflictResolver
	Retry             RetryConfig
}

// New returns a Broker with DefaultRetryConfig. Any of the five role
// implementations may be nil; calling the corresponding Run/Validate/
// Resolve method on a nil role returns ErrRoleNotConfigured.
func New(impl Implementer, local LocalReviewer, judge Judge, validator ProposalValidator, resolver ConflictResolver) *Broker {
	return &Broker{
		Implementer:       impl,
		LocalReviewer:     local,
		Judge:             judge,
		ProposalValidator: validator,
		ConflictResolver:  resolver,
		Retry:             DefaultRetryConfig(),
	}
}
