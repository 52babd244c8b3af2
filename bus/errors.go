package bus

import "errors"

// Sentinel errors returned by Send. Each names the specific validation
// spec.md §4.3 calls out, so callers can distinguish "unknown type" from
// "malformed question" from "dangling answer".
var (
	ErrUnknownMessageType  = errors.New("bus: unknown message type")
	ErrInvalidQuestion     = errors.New("bus: question must have 2-4 options")
	ErrQuestionNotFound    = errors.New("bus: answer references unknown question_id")
	ErrOptionOutOfRange    = errors.New("bus: selected_option out of range for referenced question")
	ErrMissingRecipient    = errors.New("bus: message must have a non-empty to")
	ErrMissingSender       = errors.New("bus: message must have a non-empty from")
)
