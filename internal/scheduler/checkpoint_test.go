package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	cp, err := OpenCheckpoint(path)
	require.NoError(t, err)
	defer cp.Close()

	t.Run("load before save reports not found", func(t *testing.T) {
		_, found, err := cp.Load(1)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("save and load round-trip per vcs system", func(t *testing.T) {
		tasks := []Task{
			{Kind: PathStart, CommitID: "a"},
			{Kind: BranchStart, CommitID: "b"},
		}
		require.NoError(t, cp.Save(1, tasks))
		require.NoError(t, cp.Save(2, []Task{{Kind: PathStart, CommitID: "x"}}))

		loaded, found, err := cp.Load(1)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, tasks, loaded)
	})

	t.Run("clear removes only the targeted vcs system", func(t *testing.T) {
		require.NoError(t, cp.Clear(1))
		_, found, err := cp.Load(1)
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = cp.Load(2)
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestSchedulerResumesFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	cp, err := OpenCheckpoint(path)
	require.NoError(t, err)
	defer cp.Close()

	// An empty saved task set means a previous run was interrupted right at
	// the end; the scheduler must trust it and not rescan for heads.
	require.NoError(t, cp.Save(1, []Task{}))

	queue := newTaskQueue()
	s := New(nil, nil, 1, Options{Checkpoint: cp})
	seeded := s.seed(queue)
	assert.Equal(t, 0, seeded)
}
