package task_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskhorn/internal/task"
	"github.com/phrazzld/taskhorn/internal/task/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) task.Store {
		return task.NewMemoryStore()
	})
}

// TestMemoryStoreConcurrentListAndWrite hammers the listing path while
// writers mutate the same records. Listing must hand out private copies;
// run with -race to verify no stored struct is read outside the lock.
func TestMemoryStoreConcurrentListAndWrite(t *testing.T) {
	s := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := task.NewID()
		ids = append(ids, id)
		require.NoError(t, s.CreateTask(ctx, &task.Record{
			ID:        id,
			SessionID: "s1",
			Status:    task.StatusWorking,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, id := range ids {
				_ = s.Touch(ctx, id)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			_ = s.StoreOutcome(ctx, id, task.CompletedOutcome(nil))
		}
	}()

	for i := 0; i < 200; i++ {
		page, err := s.ListTasks(ctx, "", 50)
		require.NoError(t, err)
		assert.Len(t, page.Tasks, 20)

		page, err = s.ListSessionTasks(ctx, "s1", "", 7)
		require.NoError(t, err)
		assert.Len(t, page.Tasks, 7)
	}

	close(done)
	wg.Wait()
}
