package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srknzl/ces-compact/internal/models"
	"github.com/srknzl/ces-compact/internal/store/memstore"
)

func fixtureCommit(id string, minute int) models.Commit {
	return models.Commit{
		ID:           id,
		VCSSystemID:  1,
		RevisionHash: "h-" + id,
		AuthorDate:   time.Date(2021, 3, 1, 10, minute, 0, 0, time.UTC),
	}
}

func fixtureCES(id, commitID string, loc int64) models.CES {
	return models.CES{ID: id, CommitID: commitID, Attributes: map[string]interface{}{
		"long_name": "foo",
		"file_id":   int64(1),
		"loc":       loc,
	}}
}

func TestVerifyVCSSystem(t *testing.T) {
	ctx := context.Background()
	commits := []models.Commit{fixtureCommit("a", 0), fixtureCommit("b", 1)}

	verbose := memstore.New()
	verbose.AddProject("p", models.VCSSystem{ID: 1}, commits, map[string][]models.CES{
		"a": {fixtureCES("ces-a", "a", 10)},
		"b": {fixtureCES("ces-b", "b", 10)},
	})

	t.Run("compressed store with shared records is consistent", func(t *testing.T) {
		compressed := memstore.New()
		compressed.AddProject("p", models.VCSSystem{ID: 1}, commits, map[string][]models.CES{
			"a": {fixtureCES("ces-a", "a", 10)},
		})
		require.NoError(t, compressed.SetCommitCES(ctx, "a", []string{"ces-a"}))
		require.NoError(t, compressed.SetCommitCES(ctx, "b", []string{"ces-a"}))

		report, err := NewVerifier(verbose, compressed, 2).VerifyVCSSystem(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), report.CommitsChecked)
		assert.Equal(t, int64(2), report.VerboseCES)
		assert.Equal(t, int64(0), report.Mismatches())
	})

	t.Run("missing equivalent is counted", func(t *testing.T) {
		compressed := memstore.New()
		compressed.AddProject("p", models.VCSSystem{ID: 1}, commits, map[string][]models.CES{
			"a": {fixtureCES("ces-a", "a", 99)}, // attribute diverged
		})
		require.NoError(t, compressed.SetCommitCES(ctx, "a", []string{"ces-a"}))
		require.NoError(t, compressed.SetCommitCES(ctx, "b", []string{"ces-a"}))

		report, err := NewVerifier(verbose, compressed, 1).VerifyVCSSystem(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), report.MissingEquivalents)
	})

	t.Run("parent link outside the reference list is counted", func(t *testing.T) {
		dangling := fixtureCES("ces-a", "a", 10)
		dangling.CEParentID = "gone"

		compressed := memstore.New()
		compressed.AddProject("p", models.VCSSystem{ID: 1}, commits, map[string][]models.CES{
			"a": {dangling},
		})
		require.NoError(t, compressed.SetCommitCES(ctx, "a", []string{"ces-a"}))
		require.NoError(t, compressed.SetCommitCES(ctx, "b", []string{"ces-a"}))

		report, err := NewVerifier(verbose, compressed, 1).VerifyVCSSystem(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), report.DanglingParents)
	})
}
