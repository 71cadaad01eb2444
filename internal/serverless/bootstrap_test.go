package serverless_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskhorn/internal/serverless"
	"github.com/phrazzld/taskhorn/internal/task"
)

func TestEnsureRecoveredRunsOnce(t *testing.T) {
	store := task.NewMemoryStore()
	rt := task.NewRuntime(
		task.WithStore(store),
		task.WithStuckAge(10*time.Millisecond),
	)
	ctx := context.Background()

	// A task left working by a previous incarnation of the process.
	orphan, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	boot := serverless.New(rt, slog.Default())
	require.NoError(t, boot.EnsureRecovered(ctx))

	got, err := rt.GetTask(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)

	// A second stale task appearing later is not touched by repeat calls;
	// the sweep ran once for this process lifetime.
	second, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, boot.EnsureRecovered(ctx))
	got, err = rt.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWorking, got.Status)
}

func TestDispatchRecoversFirst(t *testing.T) {
	rt := task.NewRuntime(task.WithStuckAge(10 * time.Millisecond))
	ctx := context.Background()

	orphan, err := rt.Register(ctx, "s1", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	boot := serverless.New(rt, slog.Default())
	err = boot.Dispatch(ctx, func(ctx context.Context, rt *task.Runtime) error {
		// By the time the handler runs, the orphan is already settled.
		rec, err := rt.GetTask(ctx, orphan.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, task.StatusFailed, rec.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, rt, boot.Runtime())
}
