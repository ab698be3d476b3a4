package merge

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srknzl/ces-compact/internal/models"
	"github.com/srknzl/ces-compact/internal/store/memstore"
)

func fixtureCommit(id string, minute int, parents ...string) models.Commit {
	return models.Commit{
		ID:           id,
		VCSSystemID:  1,
		RevisionHash: "h-" + id,
		ParentHashes: parents,
		AuthorDate:   time.Date(2021, 3, 1, 10, minute, 0, 0, time.UTC),
	}
}

func fixtureCES(commitID, longName string, extra map[string]interface{}) models.CES {
	attrs := map[string]interface{}{
		"long_name": longName,
		"file_id":   int64(1),
		"type":      "method",
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return models.CES{ID: uuid.NewString(), CommitID: commitID, Attributes: attrs}
}

func refIDs(t *testing.T, st *memstore.Store, commitID string) []string {
	t.Helper()
	refs, err := st.CommitReferences(context.Background(), commitID)
	require.NoError(t, err)
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}

func TestProcessCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("root commit keeps everything as new", func(t *testing.T) {
		st := memstore.New()
		a := fixtureCES("a", "pkg.Foo", nil)
		st.AddProject("p", models.VCSSystem{ID: 1}, []models.Commit{fixtureCommit("a", 0)},
			map[string][]models.CES{"a": {a}})

		result, err := NewMerger(st, nil).ProcessCommit(ctx, "a", State{}, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Deleted)
		assert.Equal(t, 1, result.Seen)
		assert.Equal(t, a.ID, result.Rewrites[a.ID])
		assert.Equal(t, []string{a.ID}, refIDs(t, st, "a"))
	})

	t.Run("duplicate collapses to the inherited record", func(t *testing.T) {
		st := memstore.New()
		a := fixtureCES("a", "pkg.Foo", nil)
		b := fixtureCES("b", "pkg.Foo", nil)
		st.AddProject("p", models.VCSSystem{ID: 1},
			[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "h-a")},
			map[string][]models.CES{"a": {a}, "b": {b}})

		m := NewMerger(st, nil)
		first, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
		require.NoError(t, err)

		result, err := m.ProcessCommit(ctx, "b", first.State, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID}, result.Deleted)
		assert.Equal(t, a.ID, result.Rewrites[b.ID])
		assert.Equal(t, []string{a.ID}, refIDs(t, st, "b"))

		// The duplicate is gone from the store entirely.
		remaining, err := st.CESRecordedAt(ctx, "b")
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("changed attribute keeps the commit's own record", func(t *testing.T) {
		st := memstore.New()
		a := fixtureCES("a", "pkg.Foo", map[string]interface{}{"loc": int64(10)})
		b := fixtureCES("b", "pkg.Foo", map[string]interface{}{"loc": int64(12)})
		st.AddProject("p", models.VCSSystem{ID: 1},
			[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "h-a")},
			map[string][]models.CES{"a": {a}, "b": {b}})

		m := NewMerger(st, nil)
		first, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
		require.NoError(t, err)

		result, err := m.ProcessCommit(ctx, "b", first.State, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Deleted)
		assert.Equal(t, []string{b.ID}, refIDs(t, st, "b"))
	})

	t.Run("children of a changed parent stay anchored", func(t *testing.T) {
		// p changes at b; c's own attributes did not, but deleting c would
		// leave its ce_parent_id pointing at a record b no longer references.
		st := memstore.New()
		pa := fixtureCES("a", "pkg.Class", map[string]interface{}{"loc": int64(100)})
		ca := fixtureCES("a", "pkg.Class.m", nil)
		ca.CEParentID = pa.ID
		pb := fixtureCES("b", "pkg.Class", map[string]interface{}{"loc": int64(120)})
		cb := fixtureCES("b", "pkg.Class.m", nil)
		cb.CEParentID = pb.ID

		st.AddProject("p", models.VCSSystem{ID: 1},
			[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "h-a")},
			map[string][]models.CES{"a": {pa, ca}, "b": {pb, cb}})

		m := NewMerger(st, nil)
		first, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
		require.NoError(t, err)

		result, err := m.ProcessCommit(ctx, "b", first.State, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Deleted)
		assert.ElementsMatch(t, []string{pb.ID, cb.ID}, refIDs(t, st, "b"))
	})

	t.Run("kept record pointing at a deleted parent is repaired", func(t *testing.T) {
		// p is a duplicate at b and gets deleted; c changed, so its parent
		// link must be rewritten to a's surviving record before deletion.
		st := memstore.New()
		pa := fixtureCES("a", "pkg.Class", nil)
		ca := fixtureCES("a", "pkg.Class.m", map[string]interface{}{"loc": int64(5)})
		ca.CEParentID = pa.ID
		pb := fixtureCES("b", "pkg.Class", nil)
		cb := fixtureCES("b", "pkg.Class.m", map[string]interface{}{"loc": int64(9)})
		cb.CEParentID = pb.ID

		st.AddProject("p", models.VCSSystem{ID: 1},
			[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "h-a")},
			map[string][]models.CES{"a": {pa, ca}, "b": {pb, cb}})

		m := NewMerger(st, nil)
		first, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
		require.NoError(t, err)

		result, err := m.ProcessCommit(ctx, "b", first.State, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{pb.ID}, result.Deleted)
		assert.ElementsMatch(t, []string{pa.ID, cb.ID}, refIDs(t, st, "b"))

		refs, err := st.CommitReferences(ctx, "b")
		require.NoError(t, err)
		for _, ref := range refs {
			if ref.ID == cb.ID {
				assert.Equal(t, pa.ID, ref.CEParentID)
			}
		}
	})

	t.Run("entity absent at the commit is dropped from state", func(t *testing.T) {
		st := memstore.New()
		a1 := fixtureCES("a", "pkg.Foo", nil)
		a2 := fixtureCES("a", "pkg.Bar", nil)
		b1 := fixtureCES("b", "pkg.Foo", nil)
		st.AddProject("p", models.VCSSystem{ID: 1},
			[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "h-a")},
			map[string][]models.CES{"a": {a1, a2}, "b": {b1}})

		m := NewMerger(st, nil)
		first, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
		require.NoError(t, err)

		result, err := m.ProcessCommit(ctx, "b", first.State, nil)
		require.NoError(t, err)
		assert.Len(t, result.State, 1)
		assert.Equal(t, []string{a1.ID}, refIDs(t, st, "b"))
	})

	t.Run("record without an entity key stays referenced", func(t *testing.T) {
		st := memstore.New()
		broken := models.CES{ID: uuid.NewString(), CommitID: "a",
			Attributes: map[string]interface{}{"type": "method"}}
		st.AddProject("p", models.VCSSystem{ID: 1}, []models.Commit{fixtureCommit("a", 0)},
			map[string][]models.CES{"a": {broken}})

		result, err := NewMerger(st, nil).ProcessCommit(ctx, "a", State{}, nil)
		require.NoError(t, err)
		assert.Empty(t, result.State)
		assert.Equal(t, []string{broken.ID}, refIDs(t, st, "a"))
	})
}

func TestIdempotenceProbe(t *testing.T) {
	ctx := context.Background()

	st := memstore.New()
	a := fixtureCES("a", "pkg.Foo", nil)
	b := fixtureCES("b", "pkg.Foo", nil)
	st.AddProject("p", models.VCSSystem{ID: 1},
		[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "h-a")},
		map[string][]models.CES{"a": {a}, "b": {b}})

	m := NewMerger(st, nil)
	_, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
	require.NoError(t, err)

	t.Run("propagates read-only while a successor is pending", func(t *testing.T) {
		result, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
		require.NoError(t, err)
		assert.True(t, result.Reused)
		assert.False(t, result.Skipped)
		require.Contains(t, result.State, mustKey(t, a))
		assert.Equal(t, a.ID, result.State[mustKey(t, a)].ID)
	})

	t.Run("skips once all successors are processed", func(t *testing.T) {
		first, err := m.InheritedState(ctx, "a")
		require.NoError(t, err)
		_, err = m.ProcessCommit(ctx, "b", first, nil)
		require.NoError(t, err)

		result, err := m.ProcessCommit(ctx, "a", State{}, []string{"b"})
		require.NoError(t, err)
		assert.True(t, result.Skipped)
		assert.Empty(t, result.State)
	})
}

func mustKey(t *testing.T, rec models.CES) string {
	t.Helper()
	key, ok := models.EntityKey(rec)
	require.True(t, ok)
	return key
}
