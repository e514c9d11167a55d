package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerManager_Run(t *testing.T) {
	t.Run("handles every job", func(t *testing.T) {
		w := NewWorkerManager(0, 3)
		var mu sync.Mutex
		seen := map[int]bool{}
		w.SetWorker(func(ctx context.Context, idx int, job interface{}) {
			mu.Lock()
			seen[job.(int)] = true
			mu.Unlock()
		})

		jobs := []interface{}{1, 2, 3, 4, 5, 6, 7}
		n := w.Run(context.Background(), jobs)

		assert.Equal(t, 7, n)
		assert.Len(t, seen, 7)
	})

	t.Run("single worker keeps order", func(t *testing.T) {
		w := NewWorkerManager(0, 1)
		var order []int
		w.SetWorker(func(ctx context.Context, idx int, job interface{}) {
			order = append(order, job.(int))
		})

		w.Run(context.Background(), []interface{}{3, 1, 2})
		assert.Equal(t, []int{3, 1, 2}, order)
	})

	t.Run("stops after cancellation", func(t *testing.T) {
		w := NewWorkerManager(0, 1)
		ctx, cancel := context.WithCancel(context.Background())
		var handled atomic.Int32
		w.SetWorker(func(ctx context.Context, idx int, job interface{}) {
			if handled.Add(1) == 2 {
				cancel()
			}
		})

		jobs := make([]interface{}, 10)
		for i := range jobs {
			jobs[i] = i
		}
		n := w.Run(ctx, jobs)

		assert.Equal(t, 2, n)
		assert.Equal(t, int32(2), handled.Load())
	})

	t.Run("no handler is a no-op", func(t *testing.T) {
		w := NewWorkerManager(0, 2)
		assert.Equal(t, 0, w.Run(context.Background(), []interface{}{1}))
	})

	t.Run("worker count has a floor of one", func(t *testing.T) {
		assert.Equal(t, 1, NewWorkerManager(0, 0).Workers())
	})
}
