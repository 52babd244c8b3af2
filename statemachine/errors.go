package statemachine

import (
	"errors"
	"fmt"

	"github.com/floorline/assemblyline/vocabulary"
)

// ErrIllegalTransition is returned when (status, event) has no edge in the
// transition table.
type ErrIllegalTransition struct {
	From  vocabulary.Status
	Event Event
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("statemachine: no transition for status=%s event=%s", e.From, e.Event)
}

// ErrLockHeld is returned when Apply is called by an actor that does not
// hold the contract's lock and the existing lock has not expired.
var ErrLockHeld = errors.New("statemachine: lock held by another actor")

// ErrArchived is returned when Apply is called against a contract already
// in a terminal status (merged).
var ErrArchived = errors.New("statemachine: contract is archived")
