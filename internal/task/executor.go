package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Work is a one-shot unit of work tracked by a task. It must observe the
// cancellation signal at its own suspension points and return the outcome it
// produced. The returned outcome's status must be terminal.
type Work func(ctx context.Context, signal *CancelSignal) Outcome

// TerminalFunc persists the terminal outcome for a task and returns the
// authoritative final status after storage arbitration. When a concurrent
// terminal write already won, the implementation returns the status that
// actually stuck.
type TerminalFunc func(ctx context.Context, taskID string, out Outcome) Status

// Executor abstracts "run this work, race it against cancellation, signal
// completion". Implementations must never block Start on the work itself.
type Executor interface {
	// Start schedules the work on an independently running goroutine and
	// returns immediately.
	Start(taskID string, work Work) error

	// Cancel raises the cooperative cancellation signal for the task. It
	// reports whether this executor is tracking the task; cancelling work
	// that already finished is not an error.
	Cancel(taskID, reason string) bool

	// AwaitTerminal blocks until the task reaches a terminal status or ctx
	// is done. tracked is false when this executor has no record of the
	// task (for example, a different process started it); callers then
	// fall back to storage polling.
	AwaitTerminal(ctx context.Context, taskID string) (status Status, tracked bool, err error)
}

// inflight is the executor's in-memory entry for one running task: the
// shared cancellation signal plus a completion latch. final is valid only
// after done is closed.
type inflight struct {
	signal *CancelSignal
	done   chan struct{}
	final  Status
}

// DefaultExecutor runs each unit of work on its own goroutine and races it
// against the task's cancellation signal. A panic inside the work is caught
// at this boundary and converted into a failed outcome; one task's failure
// never crashes the host process.
type DefaultExecutor struct {
	mu       sync.RWMutex
	inflight map[string]*inflight
	terminal TerminalFunc
	logger   *slog.Logger
}

var _ Executor = (*DefaultExecutor)(nil)

// NewDefaultExecutor creates a DefaultExecutor. terminal is invoked exactly
// once per started task, when its race resolves; it may be nil in tests that
// only exercise scheduling.
func NewDefaultExecutor(terminal TerminalFunc, logger *slog.Logger) *DefaultExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultExecutor{
		inflight: make(map[string]*inflight),
		terminal: terminal,
		logger:   logger,
	}
}

// Start schedules work for the given task id and returns immediately.
func (e *DefaultExecutor) Start(taskID string, work Work) error {
	e.mu.Lock()
	if _, exists := e.inflight[taskID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("task %s already started", taskID)
	}
	entry := &inflight{signal: NewCancelSignal(), done: make(chan struct{})}
	e.inflight[taskID] = entry
	e.mu.Unlock()

	go e.run(taskID, entry, work)
	return nil
}

// Cancel raises the cooperative signal for the task.
func (e *DefaultExecutor) Cancel(taskID, reason string) bool {
	e.mu.RLock()
	entry, ok := e.inflight[taskID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	entry.signal.Raise(reason)
	return true
}

// AwaitTerminal waits for the task's in-memory completion latch.
func (e *DefaultExecutor) AwaitTerminal(ctx context.Context, taskID string) (Status, bool, error) {
	e.mu.RLock()
	entry, ok := e.inflight[taskID]
	e.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	select {
	case <-entry.done:
		return entry.final, true, nil
	case <-ctx.Done():
		return "", true, ctx.Err()
	}
}

// InflightCount returns how many tasks this executor is currently tracking.
func (e *DefaultExecutor) InflightCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.inflight)
}

// run executes the work, races it against cancellation, persists the
// terminal outcome, and signals waiters. The entry is removed from the
// in-flight map once its terminal state has been recorded; late waiters fall
// back to storage, which already holds the result.
func (e *DefaultExecutor) run(taskID string, entry *inflight, work Work) {
	ctx := context.Background()

	resultCh := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task work panicked",
					"task_id", taskID,
					"panic", r)
				resultCh <- FailedOutcome(fmt.Sprintf("panic: %v", r))
			}
		}()
		resultCh <- work(ctx, entry.signal)
	}()

	var out Outcome
	select {
	case out = <-resultCh:
		if !out.Status.Terminal() {
			// Work returned a non-terminal outcome; treat as a failure
			// rather than corrupting the state machine.
			out = FailedOutcome(fmt.Sprintf("work returned non-terminal status %q", out.Status))
		}
	case <-entry.signal.Done():
		// Cancellation won the race. The work goroutine is abandoned
		// cooperatively; its eventual result is discarded.
		out = CancelledOutcome(entry.signal.Reason())
	}

	final := out.Status
	if e.terminal != nil {
		final = e.terminal(ctx, taskID, out)
	}

	entry.final = final
	close(entry.done)

	e.mu.Lock()
	delete(e.inflight, taskID)
	e.mu.Unlock()

	e.logger.Debug("task settled", "task_id", taskID, "status", final)
}
