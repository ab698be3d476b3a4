package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue(t *testing.T) {
	t.Run("fifo order", func(t *testing.T) {
		q := newTaskQueue()
		q.push(Task{Kind: PathStart, CommitID: "a"})
		q.push(Task{Kind: BranchStart, CommitID: "b"})

		first, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, "a", first.CommitID)

		second, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, "b", second.CommitID)
	})

	t.Run("pop returns false once drained", func(t *testing.T) {
		q := newTaskQueue()
		q.push(Task{CommitID: "a"})

		_, ok := q.pop()
		require.True(t, ok)
		q.done()

		_, ok = q.pop()
		assert.False(t, ok)
	})

	t.Run("in-flight task can feed the queue before finishing", func(t *testing.T) {
		q := newTaskQueue()
		q.push(Task{CommitID: "head"})

		var got []string
		var wg sync.WaitGroup
		var mu sync.Mutex
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, ok := q.pop()
					if !ok {
						return
					}
					mu.Lock()
					got = append(got, task.CommitID)
					mu.Unlock()
					if task.CommitID == "head" {
						q.push(Task{CommitID: "branch-1"})
						q.push(Task{CommitID: "branch-2"})
					}
					q.done()
				}
			}()
		}
		wg.Wait()

		assert.ElementsMatch(t, []string{"head", "branch-1", "branch-2"}, got)
	})

	t.Run("close releases blocked consumers", func(t *testing.T) {
		q := newTaskQueue()
		q.push(Task{CommitID: "a"})

		_, ok := q.pop()
		require.True(t, ok)

		released := make(chan struct{})
		go func() {
			_, ok := q.pop()
			assert.False(t, ok)
			close(released)
		}()

		q.close()
		<-released
	})
}
