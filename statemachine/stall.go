package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/vocabulary"
)

// StallReport records why the second-strike erik_consultation transition
// fired, so an operator reading the halt artifact sees the stall history
// rather than just the current timestamp.
type StallReport struct {
	Role            string    `json:"role"`
	FirstStalledAt  time.Time `json:"first_stalled_at"`
	SecondStalledAt time.Time `json:"second_stalled_at"`
}

// HandleStall implements the two-strike stall recovery spec.md §4.4
// describes: the first stall moves the contract into the matching
// timeout_* status (a retry opportunity for the Listener to re-dispatch the
// role); a second stall observed while still in that status escalates to
// erik_consultation rather than retrying a third time.
//
// role is "implementer" or "judge". now is the instant the stall was
// observed (the heartbeat gap already exceeded 3x the interval, per
// bus.IsStalled). firstStalledAt, when the caller already knows it (the
// timestamp of the first strike), is recorded in the escalation's history
// entry; pass the zero time if unknown.
func (m *Machine) HandleStall(ctx context.Context, c *contract.Contract, role string, firstStalledAt, now time.Time) error {
	var timeoutStatus vocabulary.Status
	var firstEvent Event
	switch role {
	case "implementer":
		timeoutStatus = vocabulary.StatusTimeoutImplementer
		firstEvent = EventImplementerTimeout
	case "judge":
		timeoutStatus = vocabulary.StatusTimeoutJudge
		firstEvent = EventJudgeTimeout
	default:
		return fmt.Errorf("statemachine: unknown stall role %q", role)
	}

	if c.Status == timeoutStatus {
		reason := fmt.Sprintf("second stall as %s (first at %s), escalating", role, firstStalledAt.Format(time.RFC3339))
		return m.Apply(ctx, c, EventSecondStrike, ApplyParams{Actor: "listener", Reason: reason}, now)
	}

	reason := fmt.Sprintf("%s stalled (no heartbeat within 3x interval)", role)
	return m.Apply(ctx, c, firstEvent, ApplyParams{Actor: "listener", Reason: reason}, now)
}
