package contract

import "errors"

// Sentinel errors naming the contract failure conditions. Validate and
// CreateContract do not return these sentinels: they report every
// violation as a field entry of a *ValidationError (below), which unwraps
// to ErrMalformedProposal. No function in this package returns the other
// sentinels.
var (
	// ErrSchemaVersion names the case where a contract's schema_version is
	// not the one this module understands.
	ErrSchemaVersion = errors.New("contract: unsupported schema_version")

	// ErrInvalidStatus names the case where status is outside the closed
	// set.
	ErrInvalidStatus = errors.New("contract: invalid status")

	// ErrInvalidComplexity names the case where complexity is outside the
	// closed set of tiers.
	ErrInvalidComplexity = errors.New("contract: invalid complexity")

	// ErrPathOverlap names the case where allowed_paths and
	// forbidden_paths are not disjoint (invariant 2).
	ErrPathOverlap = errors.New("contract: allowed_paths and forbidden_paths overlap")

	// ErrOverBudget names the case where breaker.cost_usd exceeds
	// limits.cost_ceiling_usd while status is not erik_consultation
	// (invariant 3).
	ErrOverBudget = errors.New("contract: cost_usd exceeds cost_ceiling_usd outside erik_consultation")

	// ErrOverRebuttalLimit names the case where breaker.rebuttal_count
	// exceeds limits.max_rebuttals (invariant 4).
	ErrOverRebuttalLimit = errors.New("contract: rebuttal_count exceeds max_rebuttals")

	// ErrLocked names the case where a mutation is attempted by an actor
	// other than the current non-expired lock holder (invariant 6).
	ErrLocked = errors.New("contract: held by a different actor")

	// ErrArchived names the case where a mutation is attempted on a
	// merged, archived contract (invariant 7).
	ErrArchived = errors.New("contract: merged contracts are archived")

	// ErrMalformedProposal is returned by ParseProposal when required
	// fields are missing or malformed; Validate()-style callers should
	// prefer the *ValidationError it wraps for field-level detail.
	ErrMalformedProposal = errors.New("contract: malformed proposal")
)

// ValidationError reports one or more field-level problems found by
// Validate or ParseProposal. It names every offending field rather than
// failing on the first one, so a rejection artifact can list them all.
type ValidationError struct {
	Fields []FieldError
}

// FieldError names one invalid or conflicting field and why.
type FieldError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "contract: validation failed"
	}
	msg := "contract: validation failed: "
	for i, f := range e.Fields {
		if i > 0 {
			msg += "; "
		}
		msg += f.Field + ": " + f.Reason
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return ErrMalformedProposal
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}
