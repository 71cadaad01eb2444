package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current lifecycle state of a task.
type Status string

// Possible task status values. A task starts in StatusWorking and moves to
// exactly one of the terminal statuses.
const (
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status. No transition is legal
// out of a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	return s == StatusWorking || s.Terminal()
}

// Record is the durable representation of one tracked unit of work.
type Record struct {
	// ID uniquely identifies the task within a storage instance. IDs are
	// generated with NewID; storage does not enforce uniqueness because a
	// collision is a caller bug, not an expected error.
	ID string `json:"id"`

	// SessionID is a weak back-reference to the owning session. It scopes
	// listing; it never implies ownership or lifetime.
	SessionID string `json:"session_id"`

	// Status is the task's current lifecycle state.
	Status Status `json:"status"`

	// Meta carries opaque correlation metadata supplied at registration.
	Meta json.RawMessage `json:"meta,omitempty"`

	// CreatedAt and UpdatedAt order records. Listing order is always
	// (CreatedAt, ID) ascending; ID breaks timestamp ties.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt, when non-nil, marks the record for time-to-live cleanup.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record's time-to-live has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Clone returns a deep copy of the record so callers can hold it without
// racing the store's internal state.
func (r *Record) Clone() *Record {
	out := *r
	if r.Meta != nil {
		out.Meta = append(json.RawMessage(nil), r.Meta...)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// Outcome is the immutable terminal result of a task: the terminal status it
// carries plus either a success value or an error message. An outcome is
// written exactly once, when the record becomes terminal.
type Outcome struct {
	Status Status          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CompletedOutcome returns an Outcome carrying a success value.
func CompletedOutcome(value json.RawMessage) Outcome {
	return Outcome{Status: StatusCompleted, Value: value}
}

// FailedOutcome returns an Outcome carrying an error message.
func FailedOutcome(msg string) Outcome {
	return Outcome{Status: StatusFailed, Error: msg}
}

// CancelledOutcome returns an Outcome recording cooperative cancellation.
func CancelledOutcome(reason string) Outcome {
	if reason == "" {
		reason = "cancelled"
	}
	return Outcome{Status: StatusCancelled, Error: reason}
}

// Page is one ordered slice of a task listing plus the continuation cursor.
// NextCursor is the last record's id when more records exist and empty at
// the end of the result set.
type Page struct {
	Tasks      []*Record `json:"tasks"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// NewID returns a new globally unique task id.
func NewID() string {
	return uuid.NewString()
}

// Less reports whether record a sorts strictly before record b in the
// canonical listing order (created_at, id) ascending.
func Less(a, b *Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// After reports whether the record sorts strictly after the position
// (createdAt, id). Backends use it to apply the "resume strictly after the
// cursor" pagination contract.
func (r *Record) After(createdAt time.Time, id string) bool {
	if !r.CreatedAt.Equal(createdAt) {
		return r.CreatedAt.After(createdAt)
	}
	return r.ID > id
}
