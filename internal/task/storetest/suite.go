// Package storetest provides the black-box parity suite that every task
// storage backend must pass. Backend test files construct a fresh store per
// subtest and hand it to Run; the suite asserts the externally observable
// contract: state-machine enforcement, write-once outcomes, deterministic
// session-scoped cursor pagination, cursor resilience against deleted rows,
// time-to-live expiry, and stuck-task recovery.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskhorn/internal/task"
)

// Factory returns a fresh, empty store. It is called once per subtest;
// implementations register cleanup with t.Cleanup.
type Factory func(t *testing.T) task.Store

// Run executes the full parity suite against the backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("GetTaskNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("StateMachine", func(t *testing.T) { testStateMachine(t, newStore(t)) })
	t.Run("OutcomeWrittenOnce", func(t *testing.T) { testOutcomeOnce(t, newStore(t)) })
	t.Run("OutcomeNotReady", func(t *testing.T) { testOutcomeNotReady(t, newStore(t)) })
	t.Run("SessionPaginationDeterminism", func(t *testing.T) { testSessionPagination(t, newStore(t)) })
	t.Run("SessionScoping", func(t *testing.T) { testSessionScoping(t, newStore(t)) })
	t.Run("CursorResilience", func(t *testing.T) { testCursorResilience(t, newStore(t)) })
	t.Run("ListAllComplete", func(t *testing.T) { testListAllComplete(t, newStore(t)) })
	t.Run("Recovery", func(t *testing.T) { testRecovery(t, newStore(t)) })
	t.Run("TouchKeepsAlive", func(t *testing.T) { testTouch(t, newStore(t)) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTLExpiry(t, newStore(t)) })
	t.Run("DeleteTask", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { testPing(t, newStore(t)) })
}

func newRecord(id, sessionID string, createdAt time.Time) *task.Record {
	return &task.Record{
		ID:        id,
		SessionID: sessionID,
		Status:    task.StatusWorking,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func create(t *testing.T, s task.Store, rec *task.Record) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), rec))
}

func testRoundTrip(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := newRecord(task.NewID(), "s1", now)
	rec.Meta = json.RawMessage(`{"tool":"export","request_id":42}`)
	create(t, s, rec)

	got, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, task.StatusWorking, got.Status)
	assert.JSONEq(t, string(rec.Meta), string(got.Meta))
	// Backends store timestamps at differing precision; equality within a
	// millisecond is the contract.
	assert.WithinDuration(t, now, got.CreatedAt, time.Millisecond)
}

func testGetNotFound(t *testing.T, s task.Store) {
	ctx := context.Background()
	_, err := s.GetTask(ctx, "no-such-task")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "no-such-task", task.StatusCompleted), task.ErrTaskNotFound)
	assert.ErrorIs(t, s.StoreOutcome(ctx, "no-such-task", task.CompletedOutcome(nil)), task.ErrTaskNotFound)
	_, err = s.GetOutcome(ctx, "no-such-task")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.ErrorIs(t, s.Touch(ctx, "no-such-task"), task.ErrTaskNotFound)
	assert.ErrorIs(t, s.DeleteTask(ctx, "no-such-task"), task.ErrTaskNotFound)
}

func testStateMachine(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	for _, terminal := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
		rec := newRecord(task.NewID(), "s1", now)
		create(t, s, rec)

		require.NoError(t, s.UpdateStatus(ctx, rec.ID, terminal))

		// Every transition out of a terminal status is illegal and leaves
		// the stored status unchanged.
		for _, next := range []task.Status{task.StatusWorking, task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
			err := s.UpdateStatus(ctx, rec.ID, next)
			assert.ErrorIs(t, err, task.ErrInvalidTransition,
				"transition %s -> %s must be rejected", terminal, next)
		}

		got, err := s.GetTask(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, terminal, got.Status)
	}

	// working -> working is not a legal transition either.
	rec := newRecord(task.NewID(), "s1", now)
	create(t, s, rec)
	assert.ErrorIs(t, s.UpdateStatus(ctx, rec.ID, task.StatusWorking), task.ErrInvalidTransition)
}

func testOutcomeOnce(t *testing.T, s task.Store) {
	ctx := context.Background()
	rec := newRecord(task.NewID(), "s1", time.Now().UTC())
	create(t, s, rec)

	first := task.CompletedOutcome(json.RawMessage(`{"rows":10}`))
	require.NoError(t, s.StoreOutcome(ctx, rec.ID, first))

	// A second terminal write fails loudly and never overwrites the first.
	err := s.StoreOutcome(ctx, rec.ID, task.FailedOutcome("late failure"))
	assert.ErrorIs(t, err, task.ErrAlreadyTerminal)

	got, err := s.GetOutcome(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"rows":10}`, string(got.Value))
	assert.Empty(t, got.Error)

	recGot, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, recGot.Status)
}

func testOutcomeNotReady(t *testing.T, s task.Store) {
	ctx := context.Background()
	rec := newRecord(task.NewID(), "s1", time.Now().UTC())
	create(t, s, rec)

	_, err := s.GetOutcome(ctx, rec.ID)
	assert.ErrorIs(t, err, task.ErrOutcomeNotFound)

	// A non-terminal outcome must be rejected before any write happens.
	err = s.StoreOutcome(ctx, rec.ID, task.Outcome{Status: task.StatusWorking})
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

// testSessionPagination is the determinism fixture: records sharing one
// created_at, distinguished only by id. Paging with a small page size must
// yield every id exactly once in ascending id order on every backend.
func testSessionPagination(t *testing.T, s task.Store) {
	ctx := context.Background()
	createdAt := time.Now().UTC().Truncate(time.Second)

	const n = 7
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("tie-%02d-%s", i, task.NewID())
		want = append(want, id)
		create(t, s, newRecord(id, "s-page", createdAt))
	}

	var got []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, n+1, "pagination must terminate")
		page, err := s.ListSessionTasks(ctx, "s-page", cursor, 3)
		require.NoError(t, err)
		for _, rec := range page.Tasks {
			got = append(got, rec.ID)
		}
		if page.NextCursor == "" {
			break
		}
		assert.Equal(t, page.Tasks[len(page.Tasks)-1].ID, page.NextCursor,
			"next cursor is the last record's id")
		cursor = page.NextCursor
	}

	assert.Equal(t, want, got, "ids must arrive exactly once, ascending")
}

func testSessionScoping(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	create(t, s, newRecord("scope-a-"+task.NewID(), "s-a", now))
	create(t, s, newRecord("scope-b-"+task.NewID(), "s-b", now))

	page, err := s.ListSessionTasks(ctx, "s-a", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, "s-a", page.Tasks[0].SessionID)

	page, err = s.ListSessionTasks(ctx, "s-none", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Tasks)
	assert.Empty(t, page.NextCursor)
}

func testCursorResilience(t *testing.T, s task.Store) {
	ctx := context.Background()
	createdAt := time.Now().UTC().Truncate(time.Second)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("cr-%02d-%s", i, task.NewID())
		ids = append(ids, id)
		create(t, s, newRecord(id, "s-cr", createdAt))
	}

	page, err := s.ListSessionTasks(ctx, "s-cr", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 2)
	cursor := page.NextCursor
	require.Equal(t, ids[1], cursor)

	// Delete the record the cursor points at. Paging must not error; it
	// restarts from the beginning of the remaining result set.
	require.NoError(t, s.DeleteTask(ctx, cursor))

	page, err = s.ListSessionTasks(ctx, "s-cr", cursor, 10)
	require.NoError(t, err)
	got := make([]string, 0, len(page.Tasks))
	for _, rec := range page.Tasks {
		got = append(got, rec.ID)
	}
	assert.Equal(t, []string{ids[0], ids[2], ids[3], ids[4]}, got)
}

// testListAllComplete asserts completeness of the unscoped listing: every
// live record appears exactly once. Strict global ordering is not asserted;
// the partition-store backend trades it away deliberately.
func testListAllComplete(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	want := map[string]bool{}
	for i := 0; i < 6; i++ {
		id := task.NewID()
		want[id] = true
		create(t, s, newRecord(id, fmt.Sprintf("s-%d", i%3), now.Add(time.Duration(i)*time.Millisecond)))
	}

	seen := map[string]int{}
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination must terminate")
		page, err := s.ListTasks(ctx, cursor, 2)
		require.NoError(t, err)
		for _, rec := range page.Tasks {
			seen[rec.ID]++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	require.Len(t, seen, len(want))
	for id := range want {
		assert.Equal(t, 1, seen[id], "task %s must appear exactly once", id)
	}
}

func testRecovery(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	stuck := newRecord("stuck-"+task.NewID(), "s1", now)
	create(t, s, stuck)
	fresh := newRecord("fresh-"+task.NewID(), "s1", now)
	create(t, s, fresh)
	settled := newRecord("settled-"+task.NewID(), "s1", now)
	create(t, s, settled)
	require.NoError(t, s.StoreOutcome(ctx, settled.ID, task.CompletedOutcome(nil)))

	// Let the stuck candidates age past a very small threshold, then
	// refresh the fresh one so only the stuck record crosses it.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.Touch(ctx, fresh.ID))

	n, err := s.RecoverStuck(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWorking, got.Status, "younger than threshold must be untouched")

	got, err = s.GetTask(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status, "terminal records are never swept")
}

func testTouch(t *testing.T, s task.Store) {
	ctx := context.Background()
	rec := newRecord(task.NewID(), "s1", time.Now().UTC())
	create(t, s, rec)

	before, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Touch(ctx, rec.ID))

	after, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt),
		"touch must advance updated_at")
	assert.True(t, after.CreatedAt.Equal(before.CreatedAt),
		"touch must not move created_at")
}

func testTTLExpiry(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newRecord("exp-"+task.NewID(), "s-ttl", now.Add(-time.Hour))
	past := now.Add(-time.Minute)
	expired.ExpiresAt = &past
	create(t, s, expired)

	live := newRecord("live-"+task.NewID(), "s-ttl", now)
	future := now.Add(time.Hour)
	live.ExpiresAt = &future
	create(t, s, live)

	// Expired records are invisible to reads even before cleanup runs.
	_, err := s.GetTask(ctx, expired.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	page, err := s.ListSessionTasks(ctx, "s-ttl", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, live.ID, page.Tasks[0].ID)

	n, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = s.GetTask(ctx, live.ID)
	assert.NoError(t, err)
}

func testDelete(t *testing.T, s task.Store) {
	ctx := context.Background()
	rec := newRecord(task.NewID(), "s1", time.Now().UTC())
	create(t, s, rec)
	require.NoError(t, s.StoreOutcome(ctx, rec.ID, task.CompletedOutcome(nil)))

	require.NoError(t, s.DeleteTask(ctx, rec.ID))
	_, err := s.GetTask(ctx, rec.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = s.GetOutcome(ctx, rec.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func testPing(t *testing.T, s task.Store) {
	assert.NoError(t, s.Ping(context.Background()))
	assert.NotEmpty(t, s.Kind())
}
