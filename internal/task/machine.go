package task

import "fmt"

// ValidateTransition checks a status change against the state machine:
//
//	working -> {completed, failed, cancelled}
//
// Every terminal status is absorbing. Backends call this inside their write
// paths so no caller can bypass enforcement by using the Store interface
// directly.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if !to.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
