package vocabulary

// BreakerTrigger enumerates the ten circuit-breaker halt conditions (§4.5).
// Represented as a tagged variant so the breaker engine cannot report a
// trigger that isn't one of the ten.
type BreakerTrigger int

const (
	TriggerNone BreakerTrigger = iota
	TriggerRebuttalLimit
	TriggerDestructiveDiff
	TriggerLogicalParadox
	TriggerHallucinationLoop
	TriggerNitpicking
	TriggerInactivity
	TriggerBudget
	TriggerScopeCreep
	TriggerReviewCycleCap
	TriggerGlobalTimeout
)

// triggerLabels mirrors the "Trigger N: Name" strings the spec's scenario 2
// expects to see verbatim in breaker.triggered_by.
var triggerLabels = map[BreakerTrigger]string{
	TriggerRebuttalLimit:     "Trigger 1: Rebuttal Limit",
	TriggerDestructiveDiff:   "Trigger 2: Destructive Diff",
	TriggerLogicalParadox:    "Trigger 3: Logical Paradox",
	TriggerHallucinationLoop: "Trigger 4: Hallucination Loop",
	TriggerNitpicking:        "Trigger 5: GPT-Energy Nitpicking",
	TriggerInactivity:        "Trigger 6: Inactivity",
	TriggerBudget:            "Trigger 7: Budget",
	TriggerScopeCreep:        "Trigger 8: Scope Creep",
	TriggerReviewCycleCap:    "Trigger 9: Review Cycle Cap",
	TriggerGlobalTimeout:     "Trigger 10: Global Timeout",
}

// String renders the trigger the way it is persisted in
// breaker.triggered_by and ERIK_HALT.md.
func (t BreakerTrigger) String() string {
	if label, ok := triggerLabels[t]; ok {
		return label
	}
	return "none"
}
