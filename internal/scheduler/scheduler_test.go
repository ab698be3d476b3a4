package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srknzl/ces-compact/internal/dagbuild"
	"github.com/srknzl/ces-compact/internal/merge"
	"github.com/srknzl/ces-compact/internal/models"
	"github.com/srknzl/ces-compact/internal/store/memstore"
)

func fixtureCommit(id string, minute int, parents ...string) models.Commit {
	hashes := make([]string, len(parents))
	for i, p := range parents {
		hashes[i] = "h-" + p
	}
	return models.Commit{
		ID:           id,
		VCSSystemID:  1,
		RevisionHash: "h-" + id,
		ParentHashes: hashes,
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

func runOnce(t *testing.T, st *memstore.Store, workers int) models.RunStats {
	t.Helper()
	graph, err := dagbuild.NewBuilder(st).Build(context.Background(), 1)
	require.NoError(t, err)

	sched := New(merge.NewMerger(st, nil), graph, 1, Options{Workers: workers})
	stats, err := sched.Run(context.Background())
	require.NoError(t, err)
	return stats
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

func totalCES(t *testing.T, st *memstore.Store) int64 {
	t.Helper()
	n, err := st.CountCES(context.Background(), 1)
	require.NoError(t, err)
	return n
}

// snapshot captures the externally visible store state: each commit's
// reference list with the full records behind it.
func snapshot(t *testing.T, st *memstore.Store, commitIDs ...string) map[string][]models.CES {
	t.Helper()
	out := make(map[string][]models.CES)
	for _, id := range commitIDs {
		refs, err := st.CommitReferences(context.Background(), id)
		require.NoError(t, err)
		out[id] = refs
	}
	return out
}

func TestLinearChainNoChanges(t *testing.T) {
	st := memstore.New()
	a := fixtureCES("a", "foo", nil)
	b := fixtureCES("b", "foo", nil)
	c := fixtureCES("c", "foo", nil)
	st.AddProject("p", models.VCSSystem{ID: 1},
		[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "a"), fixtureCommit("c", 2, "b")},
		map[string][]models.CES{"a": {a}, "b": {b}, "c": {c}})

	stats := runOnce(t, st, 1)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, []string{a.ID}, refIDs(t, st, id))
	}
	assert.Equal(t, int64(1), totalCES(t, st))
	assert.Equal(t, int64(3), stats.CESSeen)
	assert.Equal(t, int64(2), stats.CESDeleted)
}

func TestLinearChainWithOneChange(t *testing.T) {
	// foo changes at b and returns to a's attributes at c; c still keeps its
	// own record because its predecessor on the path is b, not a.
	st := memstore.New()
	a := fixtureCES("a", "foo", map[string]interface{}{"loc": int64(10)})
	b := fixtureCES("b", "foo", map[string]interface{}{"loc": int64(11)})
	c := fixtureCES("c", "foo", map[string]interface{}{"loc": int64(10)})
	st.AddProject("p", models.VCSSystem{ID: 1},
		[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "a"), fixtureCommit("c", 2, "b")},
		map[string][]models.CES{"a": {a}, "b": {b}, "c": {c}})

	runOnce(t, st, 1)

	assert.Equal(t, []string{a.ID}, refIDs(t, st, "a"))
	assert.Equal(t, []string{b.ID}, refIDs(t, st, "b"))
	assert.Equal(t, []string{c.ID}, refIDs(t, st, "c"))
	assert.Equal(t, int64(3), totalCES(t, st))
}

func TestParentCascade(t *testing.T) {
	st := memstore.New()
	pa := fixtureCES("a", "Class", map[string]interface{}{"loc": int64(100)})
	ca := fixtureCES("a", "Class.m", nil)
	ca.CEParentID = pa.ID
	pb := fixtureCES("b", "Class", map[string]interface{}{"loc": int64(150)})
	cb := fixtureCES("b", "Class.m", nil)
	cb.CEParentID = pb.ID
	st.AddProject("p", models.VCSSystem{ID: 1},
		[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "a")},
		map[string][]models.CES{"a": {pa, ca}, "b": {pb, cb}})

	runOnce(t, st, 1)

	assert.ElementsMatch(t, []string{pb.ID, cb.ID}, refIDs(t, st, "b"))
	assert.Equal(t, int64(4), totalCES(t, st))
}

func TestBranch(t *testing.T) {
	st := memstore.New()
	a := fixtureCES("a", "foo", nil)
	b := fixtureCES("b", "foo", nil)
	c := fixtureCES("c", "foo", nil)
	st.AddProject("p", models.VCSSystem{ID: 1},
		[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "a"), fixtureCommit("c", 2, "a")},
		map[string][]models.CES{"a": {a}, "b": {b}, "c": {c}})

	runOnce(t, st, 2)

	assert.Equal(t, []string{a.ID}, refIDs(t, st, "b"))
	assert.Equal(t, []string{a.ID}, refIDs(t, st, "c"))
	assert.Equal(t, int64(1), totalCES(t, st))
}

func TestMergePointSeeding(t *testing.T) {
	// A merge point starts its own path with an empty seed, so its records
	// are never deduplicated against either parent.
	st := memstore.New()
	a := fixtureCES("a", "foo", nil)
	b := fixtureCES("b", "foo", nil)
	m := fixtureCES("m", "foo", nil)
	st.AddProject("p", models.VCSSystem{ID: 1},
		[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1), fixtureCommit("m", 2, "a", "b")},
		map[string][]models.CES{"a": {a}, "b": {b}, "m": {m}})

	runOnce(t, st, 2)

	assert.Equal(t, []string{a.ID}, refIDs(t, st, "a"))
	assert.Equal(t, []string{b.ID}, refIDs(t, st, "b"))
	assert.Equal(t, []string{m.ID}, refIDs(t, st, "m"))
	assert.Equal(t, int64(3), totalCES(t, st))
}

func TestIdempotentRerun(t *testing.T) {
	st := memstore.New()
	a := fixtureCES("a", "foo", nil)
	b := fixtureCES("b", "foo", nil)
	c := fixtureCES("c", "foo", nil)
	st.AddProject("p", models.VCSSystem{ID: 1},
		[]models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1, "a"), fixtureCommit("c", 2, "b")},
		map[string][]models.CES{"a": {a}, "b": {b}, "c": {c}})

	runOnce(t, st, 1)
	before := snapshot(t, st, "a", "b", "c")

	stats := runOnce(t, st, 1)
	after := snapshot(t, st, "a", "b", "c")

	assert.Equal(t, before, after)
	assert.Equal(t, int64(0), stats.CESDeleted)
}

// TestRandomDAGProperties drives the full scheduler over generated DAGs and
// asserts the structural invariants that must hold after any run: one
// reference per observed entity key per commit, parent closure, no dangling
// references, and a rerun changing nothing.
func TestRandomDAGProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 5; round++ {
		st := memstore.New()
		numCommits := 20 + rng.Intn(30)
		entityNames := []string{"A", "A.m1", "A.m2", "B", "B.run"}

		var commits []models.Commit
		ces := make(map[string][]models.CES)
		verboseKeys := make(map[string]int) // commit id -> distinct keys observed

		for i := 0; i < numCommits; i++ {
			id := fmt.Sprintf("c%d", i)
			var parents []string
			if i > 0 {
				parents = append(parents, fmt.Sprintf("c%d", rng.Intn(i)))
				if rng.Float64() < 0.15 && i > 1 {
					second := fmt.Sprintf("c%d", rng.Intn(i))
					if second != parents[0] {
						parents = append(parents, second)
					}
				}
			}
			commits = append(commits, fixtureCommit(id, i, parents...))

			var records []models.CES
			for _, name := range entityNames {
				if rng.Float64() < 0.1 {
					continue // entity absent at this commit
				}
				loc := int64(10)
				if rng.Float64() < 0.2 {
					loc = int64(rng.Intn(1000))
				}
				records = append(records, fixtureCES(id, name, map[string]interface{}{"loc": loc}))
			}
			ces[id] = records
			verboseKeys[id] = len(records)
		}
		st.AddProject("p", models.VCSSystem{ID: 1}, commits, ces)

		runOnce(t, st, 4)

		ids := make([]string, len(commits))
		for i, c := range commits {
			ids[i] = c.ID
		}
		first := snapshot(t, st, ids...)

		for _, c := range commits {
			refs := first[c.ID]
			// One reference per entity key observed at the commit.
			require.Len(t, refs, verboseKeys[c.ID], "commit %s round %d", c.ID, round)

			// Every reference resolves and its parent link stays
			// within the commit's own reference list.
			present := make(map[string]struct{}, len(refs))
			for _, ref := range refs {
				present[ref.ID] = struct{}{}
			}
			for _, ref := range refs {
				if ref.CEParentID != "" {
					_, ok := present[ref.CEParentID]
					require.True(t, ok, "dangling ce_parent_id on %s at %s", ref.ID, c.ID)
				}
			}
		}

		// A second run leaves the store byte-identical.
		stats := runOnce(t, st, 4)
		require.Equal(t, first, snapshot(t, st, ids...), "round %d", round)
		require.Equal(t, int64(0), stats.CESDeleted)
	}
}

func TestConcurrentWorkersMatchSequential(t *testing.T) {
	build := func() *memstore.Store {
		st := memstore.New()
		var commits []models.Commit
		ces := make(map[string][]models.CES)
		prev := ""
		for i := 0; i < 40; i++ {
			id := fmt.Sprintf("c%d", i)
			if prev == "" {
				commits = append(commits, fixtureCommit(id, i))
			} else {
				commits = append(commits, fixtureCommit(id, i, prev))
			}
			loc := int64(1)
			if i%7 == 0 {
				loc = int64(i)
			}
			ces[id] = []models.CES{fixtureCES(id, "foo", map[string]interface{}{"loc": loc})}
			prev = id
		}
		st.AddProject("p", models.VCSSystem{ID: 1}, commits, ces)
		return st
	}

	sequential := build()
	runOnce(t, sequential, 1)
	parallel := build()
	runOnce(t, parallel, 8)

	assert.Equal(t, totalCES(t, sequential), totalCES(t, parallel))
}
