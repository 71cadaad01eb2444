package task

import (
	"context"
	"time"
)

// Store defines the backend-agnostic persistence contract for task records.
//
// All implementations enforce the status state machine on their write paths
// and share one pagination contract: listing order is (created_at, id)
// ascending, a cursor is the id of the last record of the previous page and
// means "resume strictly after this record", and a cursor whose record has
// been deleted restarts from the beginning of the remaining result set
// rather than erroring.
//
// Every implementation must pass the black-box parity suite in
// internal/task/storetest.
type Store interface {
	// CreateTask persists a new record. The caller supplies the id; id
	// uniqueness is the generation strategy's job, not the store's.
	CreateTask(ctx context.Context, rec *Record) error

	// GetTask retrieves a record by id.
	// Returns ErrTaskNotFound if it does not exist or has expired.
	GetTask(ctx context.Context, id string) (*Record, error)

	// UpdateStatus transitions a task's status. Illegal transitions return
	// ErrInvalidTransition and leave the stored status unchanged.
	// Returns ErrTaskNotFound if the task does not exist.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// StoreOutcome atomically transitions the task to the outcome's
	// terminal status and records the outcome. A second store attempt
	// against an already-terminal record returns ErrAlreadyTerminal and
	// never overwrites the first outcome.
	StoreOutcome(ctx context.Context, id string, out Outcome) error

	// GetOutcome retrieves the stored outcome.
	// Returns ErrOutcomeNotFound while the task is not terminal and
	// ErrTaskNotFound if the task does not exist.
	GetOutcome(ctx context.Context, id string) (*Outcome, error)

	// ListTasks pages through all tasks. On a partition-oriented backend
	// this is best effort only; order is guaranteed for session-scoped
	// listing, not here.
	ListTasks(ctx context.Context, cursor string, limit int) (*Page, error)

	// ListSessionTasks pages through one session's tasks in deterministic
	// (created_at, id) order across every backend.
	ListSessionTasks(ctx context.Context, sessionID, cursor string, limit int) (*Page, error)

	// RecoverStuck force-fails tasks still working whose updated_at is
	// older than the threshold, returning how many were transitioned.
	// Routine maintenance, not an error condition for the records touched.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)

	// Touch refreshes a working task's updated_at so long-running work can
	// stay ahead of the recovery threshold.
	// Returns ErrTaskNotFound if the task does not exist.
	Touch(ctx context.Context, id string) error

	// DeleteTask removes a record and its outcome.
	// Returns ErrTaskNotFound if the task does not exist.
	DeleteTask(ctx context.Context, id string) error

	// DeleteExpired removes records whose time-to-live has passed,
	// returning how many were removed. Backends with native expiry may
	// also reclaim records outside this call.
	DeleteExpired(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable, returning
	// ErrBackendUnavailable when it is not.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// Kind identifies the backend ("memory", "sqlite", "postgres",
	// "dynamo") for logging and diagnostics.
	Kind() string
}

// Listing page size bounds. Callers passing a non-positive limit get the
// default; anything above the maximum is clamped so backend-native limits
// (for example a 32-bit query limit) can never overflow.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// NormalizeLimit clamps a caller-supplied page size to [1, MaxPageSize].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
