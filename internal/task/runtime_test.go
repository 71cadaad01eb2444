package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeZeroConfig(t *testing.T) {
	// No options at all: in-memory storage, default executor.
	rt := NewRuntime()
	ctx := context.Background()

	rec, err := rt.Submit(ctx, "s1", json.RawMessage(`{"tool":"sleep"}`), func(ctx context.Context, signal *CancelSignal) Outcome {
		time.Sleep(100 * time.Millisecond)
		return CompletedOutcome(json.RawMessage(`{"slept_ms":100}`))
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusWorking, rec.Status)

	started := time.Now()
	final, err := rt.AwaitTerminal(ctx, rec.ID)
	require.NoError(t, err)
	elapsed := time.Since(started)

	assert.Equal(t, StatusCompleted, final.Status)
	// The executor fast path resolves the wait as the work finishes, not on
	// the next poll tick.
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)

	out, err := rt.GetOutcome(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.JSONEq(t, `{"slept_ms":100}`, string(out.Value))
}

func TestRuntimeRegisterBeforeStart(t *testing.T) {
	rt := NewRuntime()
	ctx := context.Background()

	rec, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)

	// The record is readable before any work has been scheduled.
	got, err := rt.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, got.Status)

	require.NoError(t, rt.Start(rec.ID, func(ctx context.Context, signal *CancelSignal) Outcome {
		return CompletedOutcome(nil)
	}))

	final, err := rt.AwaitTerminal(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestRuntimeCancelLongRunning(t *testing.T) {
	rt := NewRuntime()
	ctx := context.Background()

	rec, err := rt.Submit(ctx, "s1", nil, func(ctx context.Context, signal *CancelSignal) Outcome {
		for i := 0; i < 1000; i++ {
			if signal.Raised() {
				return CancelledOutcome(signal.Reason())
			}
			time.Sleep(5 * time.Millisecond)
		}
		return CompletedOutcome(nil)
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rt.Cancel(ctx, rec.ID, "user navigated away"))

	final, err := rt.AwaitTerminal(ctx, rec.ID)
	require.NoError(t, err)
	// Cancellation is cooperative: the task settles either cancelled or, if
	// it crossed the finish line first, completed. Never stuck working.
	assert.True(t, final.Status.Terminal(), "status %s is not terminal", final.Status)
	assert.NotEqual(t, StatusWorking, final.Status)
}

func TestRuntimeCancelAfterCompletion(t *testing.T) {
	rt := NewRuntime()
	ctx := context.Background()

	rec, err := rt.Submit(ctx, "s1", nil, func(ctx context.Context, signal *CancelSignal) Outcome {
		return CompletedOutcome(json.RawMessage(`"ok"`))
	})
	require.NoError(t, err)

	_, err = rt.AwaitTerminal(ctx, rec.ID)
	require.NoError(t, err)

	// Cancelling a finished task is a successful no-op.
	require.NoError(t, rt.Cancel(ctx, rec.ID, "too late"))

	out, err := rt.GetOutcome(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.JSONEq(t, `"ok"`, string(out.Value))
}

func TestRuntimeCancelUntracked(t *testing.T) {
	// Register without starting: the executor has no signal to raise, so
	// cancellation writes the terminal outcome straight to storage.
	rt := NewRuntime()
	ctx := context.Background()

	rec, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)

	require.NoError(t, rt.Cancel(ctx, rec.ID, "abandoned"))

	got, err := rt.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	out, err := rt.GetOutcome(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "abandoned", out.Error)
}

func TestRuntimeCancelUnknownTask(t *testing.T) {
	rt := NewRuntime()
	err := rt.Cancel(context.Background(), "no-such-task", "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRuntimeAwaitTimeout(t *testing.T) {
	rt := NewRuntime(
		WithAwaitTimeout(100*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
	)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)

	rec, err := rt.Submit(ctx, "s1", nil, func(ctx context.Context, signal *CancelSignal) Outcome {
		select {
		case <-release:
		case <-signal.Done():
		}
		return CancelledOutcome("released")
	})
	require.NoError(t, err)

	_, err = rt.AwaitTerminal(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrAwaitTimeout)

	// The task is still alive and cancellable after the wait gave up.
	require.NoError(t, rt.Cancel(ctx, rec.ID, "cleanup"))
	final, err := rt.AwaitTerminal(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestRuntimeAwaitCallerCancelled(t *testing.T) {
	rt := NewRuntime(WithPollInterval(10 * time.Millisecond))

	rec, err := rt.Register(context.Background(), "s1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = rt.AwaitTerminal(ctx, rec.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAwaitTimeout)
}

func TestRuntimeAwaitPollFallback(t *testing.T) {
	// The task was never started in this process, so the executor is not
	// tracking it and the wait falls back to storage polling.
	store := NewMemoryStore()
	rt := NewRuntime(
		WithStore(store),
		WithPollInterval(10*time.Millisecond),
		WithAwaitTimeout(5*time.Second),
	)
	ctx := context.Background()

	rec, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.StoreOutcome(ctx, rec.ID, CompletedOutcome(json.RawMessage(`"external"`)))
	}()

	final, err := rt.AwaitTerminal(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestRuntimeSettleTaskConflict(t *testing.T) {
	store := NewMemoryStore()
	rt := NewRuntime(WithStore(store))
	ctx := context.Background()

	rec, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)
	require.NoError(t, store.StoreOutcome(ctx, rec.ID, CompletedOutcome(nil)))

	// A losing terminal write reports the status that actually stuck.
	got := rt.SettleTask(ctx, rec.ID, FailedOutcome("lost the race"))
	assert.Equal(t, StatusCompleted, got)

	out, err := store.GetOutcome(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
}

func TestRuntimeRecoverStuck(t *testing.T) {
	store := NewMemoryStore()
	rt := NewRuntime(WithStore(store), WithStuckAge(50*time.Millisecond))
	ctx := context.Background()

	stale, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	fresh, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)

	n, err := rt.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := rt.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	got, err = rt.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, got.Status)
}

func TestRuntimeTTLStamping(t *testing.T) {
	rt := NewRuntime(WithTTL(time.Hour))
	ctx := context.Background()

	rec, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *rec.ExpiresAt, time.Minute)

	noTTL := NewRuntime()
	rec, err = noTTL.Register(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Nil(t, rec.ExpiresAt)
}

func TestRuntimeListPassthrough(t *testing.T) {
	rt := NewRuntime()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rt.Register(ctx, "s1", nil)
		require.NoError(t, err)
	}
	_, err := rt.Register(ctx, "s2", nil)
	require.NoError(t, err)

	page, err := rt.ListSessionTasks(ctx, "s1", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 3)
	assert.Empty(t, page.NextCursor)

	page, err = rt.ListTasks(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 4)
}
