package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// terminalRecorder captures the outcomes the executor settles, standing in
// for the runtime's storage write.
type terminalRecorder struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
}

func newTerminalRecorder() *terminalRecorder {
	return &terminalRecorder{outcomes: make(map[string]Outcome)}
}

func (r *terminalRecorder) settle(_ context.Context, taskID string, out Outcome) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[taskID] = out
	return out.Status
}

func (r *terminalRecorder) get(taskID string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outcomes[taskID]
	return out, ok
}

func TestExecutorCompletes(t *testing.T) {
	rec := newTerminalRecorder()
	e := NewDefaultExecutor(rec.settle, nil)

	id := NewID()
	started := time.Now()
	require.NoError(t, e.Start(id, func(ctx context.Context, signal *CancelSignal) Outcome {
		time.Sleep(50 * time.Millisecond)
		return CompletedOutcome(json.RawMessage(`"done"`))
	}))
	// Start must return before the work does.
	assert.Less(t, time.Since(started), 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, tracked, err := e.AwaitTerminal(ctx, id)
	require.NoError(t, err)
	if tracked {
		assert.Equal(t, StatusCompleted, status)
	}

	out, ok := rec.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.JSONEq(t, `"done"`, string(out.Value))

	// The entry is dropped once settled; late waiters go to storage.
	assert.Eventually(t, func() bool { return e.InflightCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestExecutorCancelResolvesCancelled(t *testing.T) {
	rec := newTerminalRecorder()
	e := NewDefaultExecutor(rec.settle, nil)

	id := NewID()
	require.NoError(t, e.Start(id, func(ctx context.Context, signal *CancelSignal) Outcome {
		// Cooperative work: block until asked to stop.
		<-signal.Done()
		return CancelledOutcome(signal.Reason())
	}))

	assert.True(t, e.Cancel(id, "operator abort"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := e.AwaitTerminal(ctx, id)
	require.NoError(t, err)

	out, ok := rec.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, "operator abort", out.Error)
}

func TestExecutorCancelIgnoringWork(t *testing.T) {
	// Work that never checks the signal: the executor's race still resolves
	// the task to cancelled instead of leaving it working forever.
	rec := newTerminalRecorder()
	e := NewDefaultExecutor(rec.settle, nil)

	release := make(chan struct{})
	defer close(release)

	id := NewID()
	require.NoError(t, e.Start(id, func(ctx context.Context, signal *CancelSignal) Outcome {
		<-release
		return CompletedOutcome(nil)
	}))

	assert.True(t, e.Cancel(id, "stuck work"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := e.AwaitTerminal(ctx, id)
	require.NoError(t, err)

	out, ok := rec.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, out.Status)
}

func TestExecutorPanicBecomesFailed(t *testing.T) {
	rec := newTerminalRecorder()
	e := NewDefaultExecutor(rec.settle, nil)

	id := NewID()
	require.NoError(t, e.Start(id, func(ctx context.Context, signal *CancelSignal) Outcome {
		panic("tool exploded")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := e.AwaitTerminal(ctx, id)
	require.NoError(t, err)

	out, ok := rec.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error, "panic")
	assert.Contains(t, out.Error, "tool exploded")
}

func TestExecutorNonTerminalOutcomeBecomesFailed(t *testing.T) {
	rec := newTerminalRecorder()
	e := NewDefaultExecutor(rec.settle, nil)

	id := NewID()
	require.NoError(t, e.Start(id, func(ctx context.Context, signal *CancelSignal) Outcome {
		return Outcome{Status: StatusWorking}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := e.AwaitTerminal(ctx, id)
	require.NoError(t, err)

	out, ok := rec.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, out.Status)
}

func TestExecutorStartTwice(t *testing.T) {
	e := NewDefaultExecutor(nil, nil)

	block := make(chan struct{})
	defer close(block)

	id := NewID()
	work := func(ctx context.Context, signal *CancelSignal) Outcome {
		<-block
		return CompletedOutcome(nil)
	}
	require.NoError(t, e.Start(id, work))
	assert.Error(t, e.Start(id, work))
}

func TestExecutorUntrackedTask(t *testing.T) {
	e := NewDefaultExecutor(nil, nil)

	assert.False(t, e.Cancel("unknown", "nope"))

	_, tracked, err := e.AwaitTerminal(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestExecutorAwaitContextCancelled(t *testing.T) {
	e := NewDefaultExecutor(nil, nil)

	block := make(chan struct{})
	defer close(block)

	id := NewID()
	require.NoError(t, e.Start(id, func(ctx context.Context, signal *CancelSignal) Outcome {
		<-block
		return CompletedOutcome(nil)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, tracked, err := e.AwaitTerminal(ctx, id)
	assert.True(t, tracked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Unblock and let the task settle so the goroutine does not outlive
	// the test.
	e.Cancel(id, "test teardown")
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	_, _, _ = e.AwaitTerminal(waitCtx, id)
}
