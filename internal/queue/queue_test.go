package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/testutil"
)

func TestMemoryQueue(t *testing.T) {
	runQueueSuite(t, func(t *testing.T) Queue { return NewMemory() })
}

func TestRedisQueue(t *testing.T) {
	runQueueSuite(t, func(t *testing.T) Queue { return NewRedis(testutil.NewRedis(t), "test:ride_queue") })
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func runQueueSuite(t *testing.T, newQueue func(t *testing.T) Queue) {
	ctx := context.Background()

	t.Run("fifo with id tie-break", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, "b", base))
		require.NoError(t, q.Enqueue(ctx, "c", base.Add(time.Second)))
		require.NoError(t, q.Enqueue(ctx, "a", base))
		require.NoError(t, q.Enqueue(ctx, "z", base.Add(-time.Second)))

		for want, id := range []string{"z", "a", "b", "c"} {
			pos, ok, err := q.Position(ctx, id)
			require.NoError(t, err)
			require.True(t, ok, id)
			assert.Equal(t, want+1, pos, id)
		}
		head, err := q.Head(ctx, 2)
		require.NoError(t, err)
		require.Len(t, head, 2)
		assert.Equal(t, "z", head[0].RideID)
		assert.True(t, head[0].At.Equal(base.Add(-time.Second)))
		assert.Equal(t, "a", head[1].RideID)
	})

	t.Run("enqueue is idempotent", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, "a", base))
		require.NoError(t, q.Enqueue(ctx, "a", base.Add(time.Hour)))
		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("remove and unknown ids", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, "a", base))
		require.NoError(t, q.Enqueue(ctx, "b", base.Add(time.Second)))
		require.NoError(t, q.Remove(ctx, "a"))
		require.NoError(t, q.Remove(ctx, "never-queued"))

		_, ok, err := q.Position(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
		pos, ok, err := q.Position(ctx, "b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, pos)
	})

	t.Run("position counts earlier entries and never grows", func(t *testing.T) {
		q := newQueue(t)
		rng := rand.New(rand.NewSource(42))
		live := map[string]time.Time{}
		for i := 0; i < 60; i++ {
			id := fmt.Sprintf("ride-%02d", i)
			at := base.Add(time.Duration(rng.Intn(20)) * time.Second)
			require.NoError(t, q.Enqueue(ctx, id, at))
			live[id] = at
		}

		const tracked = "ride-59"
		last := len(live) + 1
		for len(live) > 1 {
			for id, at := range live {
				earlier := 0
				for other, oat := range live {
					if oat.Before(at) || (oat.Equal(at) && other < id) {
						earlier++
					}
				}
				pos, ok, err := q.Position(ctx, id)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, earlier+1, pos, id)
			}

			pos, _, err := q.Position(ctx, tracked)
			require.NoError(t, err)
			assert.LessOrEqual(t, pos, last)
			last = pos

			var victim string
			for id := range live {
				if id != tracked {
					victim = id
					break
				}
			}
			require.NoError(t, q.Remove(ctx, victim))
			delete(live, victim)
		}
	})

	t.Run("concurrent enqueue and remove", func(t *testing.T) {
		q := newQueue(t)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("c-%02d", i)
				assert.NoError(t, q.Enqueue(ctx, id, base.Add(time.Duration(i)*time.Millisecond)))
				if i%2 == 0 {
					assert.NoError(t, q.Remove(ctx, id))
				}
			}(i)
		}
		wg.Wait()

		head, err := q.Head(ctx, 0)
		require.NoError(t, err)
		require.Len(t, head, 25)
		assert.True(t, sort.SliceIsSorted(head, func(i, j int) bool { return head[i].less(head[j]) }))
	})
}
