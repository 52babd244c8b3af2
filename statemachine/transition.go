// Package statemachine implements the State Machine (spec.md §4.4): the
// transition table, lock discipline, history ledger, and cost accounting
// that make the Task Contract's lifecycle pure and auditable.
package statemachine

import "github.com/floorline/assemblyline/vocabulary"

// Event is the closed-enough set of names accepted by Transition. Unlike
// MessageType this is not exhaustively validated at the API boundary —
// illegal (status, event) pairs already fail loudly via ErrIllegalTransition
// — but naming it as a type keeps call sites self-documenting.
type Event string

const (
	EventImplStarted         Event = "impl_started"
	EventImplementerTimeout  Event = "implementer_timeout"
	EventDraftAccepted       Event = "draft_accepted"
	EventDraftRejected       Event = "draft_rejected"
	EventDraftEscalated      Event = "draft_escalated"
	EventLocalPass           Event = "local_pass"
	EventLocalFail           Event = "local_fail"
	EventReviewStarted       Event = "review_started"
	EventVerdictPass         Event = "verdict_pass"
	EventFailWithCyclesLeft  Event = "fail_with_cycles_left"
	EventVerdictCriticalHalt Event = "verdict_critical_halt"
	EventMergeOK             Event = "merge_ok"
	EventMergeConflict       Event = "merge_conflict"
	EventRebuttalResolved    Event = "rebuttal_resolved"
	EventRetry               Event = "retry"
	EventSecondStrike        Event = "second_strike"
	EventBreakerTripped      Event = "breaker_tripped"
	EventJudgeTimeout        Event = "judge_timeout"
)

type edge struct {
	from vocabulary.Status
	event Event
}

// transitions is the full table; spec.md §4.4 gives the representative
// edges verbatim, this fills in the remaining edges a complete pipeline
// needs (local review failure loops back to implementation, judge timeout
// mirrors implementer timeout) in the same style.
var transitions = map[edge]vocabulary.Status{
	{vocabulary.StatusPendingImplementer, EventImplStarted}: vocabulary.StatusImplementationInProgress,
	{vocabulary.StatusPendingImplementer, EventImplementerTimeout}: vocabulary.StatusTimeoutImplementer,

	{vocabulary.StatusImplementationInProgress, EventDraftAccepted}: vocabulary.StatusPendingLocalReview,
	{vocabulary.StatusImplementationInProgress, EventDraftRejected}: vocabulary.StatusImplementationInProgress,
	{vocabulary.StatusImplementationInProgress, EventImplementerTimeout}: vocabulary.StatusTimeoutImplementer,
	{vocabulary.StatusImplementationInProgress, EventDraftEscalated}: vocabulary.StatusErikConsultation,

	{vocabulary.StatusPendingLocalReview, EventLocalPass}: vocabulary.StatusPendingJudgeReview,
	{vocabulary.StatusPendingLocalReview, EventLocalFail}: vocabulary.StatusImplementationInProgress,

	{vocabulary.StatusPendingJudgeReview, EventReviewStarted}: vocabulary.StatusJudgeReviewInProgress,
	{vocabulary.StatusPendingJudgeReview, EventFailWithCyclesLeft}: vocabulary.StatusPendingRebuttal,

	{vocabulary.StatusJudgeReviewInProgress, EventVerdictPass}: vocabulary.StatusReviewComplete,
	{vocabulary.StatusJudgeReviewInProgress, EventFailWithCyclesLeft}: vocabulary.StatusPendingRebuttal,
	{vocabulary.StatusJudgeReviewInProgress, EventVerdictCriticalHalt}: vocabulary.StatusErikConsultation,
	{vocabulary.StatusJudgeReviewInProgress, EventJudgeTimeout}: vocabulary.StatusTimeoutJudge,

	{vocabulary.StatusReviewComplete, EventMergeOK}: vocabulary.StatusMerged,
	{vocabulary.StatusReviewComplete, EventMergeConflict}: vocabulary.StatusErikConsultation,

	{vocabulary.StatusPendingRebuttal, EventRebuttalResolved}: vocabulary.StatusPendingImplementer,

	{vocabulary.StatusTimeoutImplementer, EventRetry}: vocabulary.StatusImplementationInProgress,
	{vocabulary.StatusTimeoutImplementer, EventSecondStrike}: vocabulary.StatusErikConsultation,

	{vocabulary.StatusTimeoutJudge, EventRetry}: vocabulary.StatusJudgeReviewInProgress,
	{vocabulary.StatusTimeoutJudge, EventSecondStrike}: vocabulary.StatusErikConsultation,
}

// Transition is the pure function transition(status, event, contract) ->
// (new_status, reason) from spec.md §4.4, minus the contract argument
// (the caller, Machine.Apply, supplies the reason text — Transition only
// decides legality and destination). breaker_tripped is accepted from any
// status, matching the "any -> erik_consultation" wildcard edge.
func Transition(status vocabulary.Status, event Event) (vocabulary.Status, error) {
	if event == EventBreakerTripped {
		return vocabulary.StatusErikConsultation, nil
	}
	to, ok := transitions[edge{status, event}]
	if !ok {
		return "", &ErrIllegalTransition{From: status, Event: event}
	}
	return to, nil
}
