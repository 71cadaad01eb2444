package task

import (
	"errors"
	"fmt"
)

// Common errors returned by task stores and the runtime. Backends wrap these
// with fmt.Errorf("%w", ...) so callers can classify with errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrTaskNotFound indicates that the requested task does not exist
	// (or has expired) in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrOutcomeNotFound indicates that no outcome has been stored for the
	// task, which is always the case while it is still working.
	ErrOutcomeNotFound = fmt.Errorf("%w: outcome", ErrNotFound)

	// ErrInvalidTransition is returned when a status update would violate
	// the state machine. The stored status is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyTerminal is returned when a terminal outcome is stored
	// against a record that already holds one. The first outcome is never
	// overwritten.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrAwaitTimeout is returned when AwaitTerminal exhausts its bound
	// before the task reaches a terminal status.
	ErrAwaitTimeout = errors.New("await terminal timed out")

	// ErrBackendUnavailable is returned when the storage backend cannot be
	// reached. Stores never retry; callers decide.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

// IsNotFound reports whether err is any kind of "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTerminalConflict reports whether err means the task had already reached
// a terminal state when the write was attempted. Cancellation treats this as
// success: the race was lost to another terminal writer, which is the
// accepted outcome.
func IsTerminalConflict(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrInvalidTransition)
}
