package store

import "errors"

var (
	// ErrNotFound is returned when a referenced agent or check does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when registering an agent under a name
	// that is already taken.
	ErrDuplicateName = errors.New("agent name already in use")

	// ErrAlreadyTerminal is returned when a result arrives for a check that
	// is already finished or failed. Callers treat it as a harmless race:
	// the result is logged and discarded, counters stay frozen.
	ErrAlreadyTerminal = errors.New("check already terminal")
)
