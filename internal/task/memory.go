package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store implementation: a map guarded by one
// reader/writer lock. It is the zero-configuration default and the reference
// against which the other backends are held by the storetest parity suite.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	outcomes map[string]Outcome
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		outcomes: make(map[string]Outcome),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateTask stores a copy of the record.
func (s *MemoryStore) CreateTask(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

// GetTask returns a copy of the record, treating expired records as absent.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec.Clone(), nil
}

// UpdateStatus transitions the record's status under the state machine.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Expired(s.now()) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := ValidateTransition(rec.Status, status); err != nil {
		return err
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	return nil
}

// StoreOutcome transitions to the outcome's terminal status and records the
// outcome atomically under the write lock.
func (s *MemoryStore) StoreOutcome(ctx context.Context, id string, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Expired(s.now()) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, rec.Status)
	}
	if err := ValidateTransition(rec.Status, out.Status); err != nil {
		return err
	}
	rec.Status = out.Status
	rec.UpdatedAt = s.now()
	s.outcomes[id] = out
	return nil
}

// GetOutcome returns the stored outcome, if any.
func (s *MemoryStore) GetOutcome(ctx context.Context, id string) (*Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	out, ok := s.outcomes[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s is %s", ErrOutcomeNotFound, id, rec.Status)
	}
	cp := out
	return &cp, nil
}

// ListTasks pages through every live record in (created_at, id) order.
func (s *MemoryStore) ListTasks(ctx context.Context, cursor string, limit int) (*Page, error) {
	return s.list(ctx, "", cursor, limit)
}

// ListSessionTasks pages through one session's live records.
func (s *MemoryStore) ListSessionTasks(ctx context.Context, sessionID, cursor string, limit int) (*Page, error) {
	return s.list(ctx, sessionID, cursor, limit)
}

func (s *MemoryStore) list(_ context.Context, sessionID, cursor string, limit int) (*Page, error) {
	limit = NormalizeLimit(limit)
	now := s.now()

	// Copy the candidates while still holding the lock; concurrent writers
	// mutate the stored structs in place.
	s.mu.RLock()
	candidates := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Expired(now) {
			continue
		}
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		candidates = append(candidates, rec.Clone())
	}
	// Resolve the cursor to its sort-key tuple while still holding the
	// lock. A cursor whose record was deleted resolves to nothing and the
	// page restarts from the beginning of the remaining set.
	var afterAt time.Time
	var afterID string
	haveCursor := false
	if cursor != "" {
		if cur, ok := s.records[cursor]; ok && !cur.Expired(now) {
			afterAt, afterID = cur.CreatedAt, cur.ID
			haveCursor = true
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return Less(candidates[i], candidates[j]) })

	page := &Page{Tasks: make([]*Record, 0, limit)}
	for _, rec := range candidates {
		if haveCursor && !rec.After(afterAt, afterID) {
			continue
		}
		if len(page.Tasks) == limit {
			page.NextCursor = page.Tasks[limit-1].ID
			return page, nil
		}
		page.Tasks = append(page.Tasks, rec)
	}
	return page, nil
}

// RecoverStuck force-fails working records older than the threshold.
func (s *MemoryStore) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-olderThan)
	count := 0
	for id, rec := range s.records {
		if rec.Expired(now) || rec.Status != StatusWorking || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		rec.Status = StatusFailed
		rec.UpdatedAt = now
		s.outcomes[id] = FailedOutcome("task exceeded recovery threshold")
		count++
	}
	return count, nil
}

// Touch refreshes a record's updated_at.
func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Expired(s.now()) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	rec.UpdatedAt = s.now()
	return nil
}

// DeleteTask removes the record and its outcome.
func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.records, id)
	delete(s.outcomes, id)
	return nil
}

// DeleteExpired reclaims records whose time-to-live has passed.
func (s *MemoryStore) DeleteExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	count := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			delete(s.outcomes, id)
			count++
		}
	}
	return count, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Kind identifies this backend.
func (s *MemoryStore) Kind() string { return "memory" }
