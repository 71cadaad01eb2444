package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runtime defaults. Await polling is deliberately coarse; the executor fast
// path covers the common same-process case with sub-millisecond signaling.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultAwaitTimeout = 5 * time.Minute
	DefaultStuckAge     = 30 * time.Minute
)

// Runtime owns exactly one Store and one Executor and provides the unified
// task lifecycle API consumed by request dispatchers. It sequences "durably
// register, then begin execution" as two ordered steps so a concurrent
// status read never observes a task that storage has not yet recorded.
type Runtime struct {
	store        Store
	exec         Executor
	logger       *slog.Logger
	pollInterval time.Duration
	awaitTimeout time.Duration
	stuckAge     time.Duration
	ttl          time.Duration
}

// Option customizes runtime construction.
type Option func(*Runtime)

// WithStore supplies the storage backend. Defaults to an in-memory store.
func WithStore(s Store) Option {
	return func(r *Runtime) { r.store = s }
}

// WithExecutor supplies the executor. Defaults to a DefaultExecutor wired to
// this runtime's SettleTask. Custom executors should persist outcomes
// through SettleTask themselves.
func WithExecutor(e Executor) Option {
	return func(r *Runtime) { r.exec = e }
}

// WithLogger supplies the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithPollInterval sets the storage-polling cadence of the AwaitTerminal
// fallback path.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) { r.pollInterval = d }
}

// WithAwaitTimeout bounds how long AwaitTerminal waits before reporting
// ErrAwaitTimeout.
func WithAwaitTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.awaitTimeout = d }
}

// WithStuckAge sets the recovery threshold: working tasks whose updated_at
// is older than this are force-failed by RecoverStuck.
func WithStuckAge(d time.Duration) Option {
	return func(r *Runtime) { r.stuckAge = d }
}

// WithTTL sets a time-to-live stamped on every registered record. Zero
// means records never expire.
func WithTTL(d time.Duration) Option {
	return func(r *Runtime) { r.ttl = d }
}

// NewRuntime builds a runtime. With no options both collaborators default:
// in-memory storage and the default executor. Callers may supply either or
// both.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		pollInterval: DefaultPollInterval,
		awaitTimeout: DefaultAwaitTimeout,
		stuckAge:     DefaultStuckAge,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.exec == nil {
		r.exec = NewDefaultExecutor(r.SettleTask, r.logger)
	}
	return r
}

// Store exposes the underlying storage backend for read-side collaborators.
func (r *Runtime) Store() Store {
	return r.store
}

// Register durably creates a task record under the session with status
// working and returns it. Execution has not begun yet; callers follow up
// with Start.
func (r *Runtime) Register(ctx context.Context, sessionID string, meta json.RawMessage) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		ID:        NewID(),
		SessionID: sessionID,
		Status:    StatusWorking,
		Meta:      meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.ttl > 0 {
		exp := now.Add(r.ttl)
		rec.ExpiresAt = &exp
	}
	if err := r.store.CreateTask(ctx, rec); err != nil {
		return nil, fmt.Errorf("register task: %w", err)
	}
	r.logger.Debug("task registered", "task_id", rec.ID, "session_id", sessionID)
	return rec, nil
}

// Start hands the work to the executor. It returns as soon as the work is
// scheduled; completion is observed through AwaitTerminal or storage.
func (r *Runtime) Start(taskID string, work Work) error {
	return r.exec.Start(taskID, work)
}

// Submit registers a task and starts its work: the two-step sequencing in
// one call. The record is durable before the work is scheduled.
func (r *Runtime) Submit(ctx context.Context, sessionID string, meta json.RawMessage, work Work) (*Record, error) {
	rec, err := r.Register(ctx, sessionID, meta)
	if err != nil {
		return nil, err
	}
	if err := r.Start(rec.ID, work); err != nil {
		return nil, fmt.Errorf("start task %s: %w", rec.ID, err)
	}
	return rec, nil
}

// SettleTask persists a terminal outcome and returns the status that
// actually stuck. When a concurrent terminal write already won the
// state-machine race, the stored outcome is left untouched and its status is
// returned instead.
func (r *Runtime) SettleTask(ctx context.Context, taskID string, out Outcome) Status {
	err := r.store.StoreOutcome(ctx, taskID, out)
	if err == nil {
		return out.Status
	}
	if IsTerminalConflict(err) {
		if rec, gerr := r.store.GetTask(ctx, taskID); gerr == nil {
			return rec.Status
		}
		return out.Status
	}
	// Best effort: the terminal write failed (backend down, record
	// expired). The recovery sweep will force-fail the record later.
	r.logger.Error("failed to persist terminal outcome",
		"task_id", taskID,
		"status", out.Status,
		"error", err)
	return out.Status
}

// Cancel requests cooperative cancellation of a task. Cancelling a task that
// has already reached a terminal status succeeds and leaves the stored
// outcome unchanged.
func (r *Runtime) Cancel(ctx context.Context, taskID, reason string) error {
	rec, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	if r.exec.Cancel(taskID, reason) {
		// The executor tracks the task; it persists the cancelled outcome
		// when the race resolves.
		return nil
	}
	// Cross-process case: no in-memory signal to raise. Write the terminal
	// outcome directly and let the state machine arbitrate; losing to a
	// concurrent terminal writer is success.
	err = r.store.StoreOutcome(ctx, taskID, CancelledOutcome(reason))
	if err != nil && IsTerminalConflict(err) {
		return nil
	}
	return err
}

// AwaitTerminal blocks until the task reaches a terminal status and returns
// its record. The executor's in-memory latch is tried first; when this
// process has no record of the task, it falls back to bounded storage
// polling. Returns ErrAwaitTimeout when the bound is exhausted.
func (r *Runtime) AwaitTerminal(ctx context.Context, taskID string) (*Record, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.awaitTimeout)
	defer cancel()

	if _, tracked, err := r.exec.AwaitTerminal(waitCtx, taskID); tracked {
		if err != nil {
			return nil, r.awaitErr(ctx, err)
		}
		// The executor settled storage before signaling, so the record is
		// already terminal here.
		return r.store.GetTask(ctx, taskID)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		rec, err := r.store.GetTask(waitCtx, taskID)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, r.awaitErr(ctx, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// awaitErr distinguishes the runtime's own await bound from cancellation of
// the caller's context.
func (r *Runtime) awaitErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrAwaitTimeout, r.awaitTimeout)
	}
	return err
}

// GetTask fetches a task record by id.
func (r *Runtime) GetTask(ctx context.Context, taskID string) (*Record, error) {
	return r.store.GetTask(ctx, taskID)
}

// GetOutcome fetches a task's stored terminal outcome.
func (r *Runtime) GetOutcome(ctx context.Context, taskID string) (*Outcome, error) {
	return r.store.GetOutcome(ctx, taskID)
}

// ListTasks pages through all tasks.
func (r *Runtime) ListTasks(ctx context.Context, cursor string, limit int) (*Page, error) {
	return r.store.ListTasks(ctx, cursor, limit)
}

// ListSessionTasks pages through one session's tasks.
func (r *Runtime) ListSessionTasks(ctx context.Context, sessionID, cursor string, limit int) (*Page, error) {
	return r.store.ListSessionTasks(ctx, sessionID, cursor, limit)
}

// RecoverStuck force-fails working tasks older than the configured stuck
// age. Run once per process start, then periodically.
func (r *Runtime) RecoverStuck(ctx context.Context) (int, error) {
	n, err := r.store.RecoverStuck(ctx, r.stuckAge)
	if err != nil {
		return 0, fmt.Errorf("recover stuck tasks: %w", err)
	}
	if n > 0 {
		r.logger.Info("recovered stuck tasks", "count", n, "threshold", r.stuckAge.String())
	}
	return n, nil
}
