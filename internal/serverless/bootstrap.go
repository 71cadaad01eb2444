// Package serverless adapts the task runtime to platforms where the process
// may be frozen or discarded between invocations. Executor state does not
// survive a cold start, so every invocation first reconciles storage: tasks
// left in the working state longer than the stuck threshold are failed
// before new work is accepted.
package serverless

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/taskhorn/internal/task"
)

// Bootstrap wraps a runtime with once-per-cold-start recovery.
type Bootstrap struct {
	runtime *task.Runtime
	logger  *slog.Logger

	once    sync.Once
	onceErr error
}

// New creates a Bootstrap around the given runtime.
func New(runtime *task.Runtime, logger *slog.Logger) *Bootstrap {
	return &Bootstrap{runtime: runtime, logger: logger}
}

// Runtime returns the wrapped runtime.
func (b *Bootstrap) Runtime() *task.Runtime { return b.runtime }

// EnsureRecovered runs the stuck-task sweep exactly once for the lifetime of
// this process. Subsequent calls return the result of the first sweep.
func (b *Bootstrap) EnsureRecovered(ctx context.Context) error {
	b.once.Do(func() {
		n, err := b.runtime.RecoverStuck(ctx)
		if err != nil {
			b.onceErr = err
			b.logger.Error("cold-start recovery failed", "error", err)
			return
		}
		if n > 0 {
			b.logger.Warn("cold-start recovery failed stuck tasks", "count", n)
		}
	})
	return b.onceErr
}

// Dispatch runs fn after cold-start recovery has completed. It is the entry
// point invocation handlers should route through.
func (b *Bootstrap) Dispatch(ctx context.Context, fn func(context.Context, *task.Runtime) error) error {
	if err := b.EnsureRecovered(ctx); err != nil {
		return err
	}
	return fn(ctx, b.runtime)
}
