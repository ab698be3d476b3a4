// Package validation cross-checks a compressed store against the verbose
// store it was produced from: every verbose entity state must have an
// equivalent record referenced by the same commit in the compressed store,
// and every referenced record's lexical-parent link must resolve within the
// same commit's reference list.
package validation

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/srknzl/ces-compact/internal/equivalence"
	"github.com/srknzl/ces-compact/internal/models"
	"github.com/srknzl/ces-compact/internal/store"
)

// Report aggregates what the verifier found across one VCS system.
type Report struct {
	VCSSystemID        int64 `yaml:"vcs_system_id"`
	CommitsChecked     int64 `yaml:"commits_checked"`
	VerboseCES         int64 `yaml:"verbose_ces"`
	MissingEquivalents int64 `yaml:"missing_equivalents"`
	DanglingParents    int64 `yaml:"dangling_parents"`
	FailedCommits      int64 `yaml:"failed_commits"`
}

// Mismatches returns the total defect count the report carries.
func (r *Report) Mismatches() int64 {
	return r.MissingEquivalents + r.DanglingParents
}

// Verifier compares two stores commit by commit.
type Verifier struct {
	verbose     store.Gateway
	compressed  store.Gateway
	concurrency int
	logger      *slog.Logger
}

// NewVerifier creates a verifier. concurrency bounds how many commits are
// compared in parallel; values below 1 mean sequential.
func NewVerifier(verbose, compressed store.Gateway, concurrency int) *Verifier {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Verifier{
		verbose:     verbose,
		compressed:  compressed,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "validation"),
	}
}

// VerifyVCSSystem streams every commit of the verbose store and checks it
// against the compressed store. Per-commit failures are counted, not fatal:
// the point of the verifier is a complete defect census, not an early exit.
func (v *Verifier) VerifyVCSSystem(ctx context.Context, vcsSystemID int64) (*Report, error) {
	report := &Report{VCSSystemID: vcsSystemID}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(v.concurrency)

	commits, errc := v.verbose.StreamCommits(groupCtx, vcsSystemID)
	for c := range commits {
		commit := c
		group.Go(func() error {
			missing, dangling, verboseCount, err := v.verifyCommit(groupCtx, commit.ID)

			mu.Lock()
			defer mu.Unlock()
			report.CommitsChecked++
			if err != nil {
				report.FailedCommits++
				v.logger.Warn("commit verification failed",
					"commit_id", commit.ID, "error", err)
				return nil
			}
			report.VerboseCES += verboseCount
			report.MissingEquivalents += missing
			report.DanglingParents += dangling
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}
	if err := <-errc; err != nil {
		return report, err
	}
	return report, nil
}

// verifyCommit checks one commit both ways: verbose -> compressed for
// equivalence coverage, compressed -> itself for parent closure.
func (v *Verifier) verifyCommit(ctx context.Context, commitID string) (missing, dangling, verboseCount int64, err error) {
	verboseCES, err := v.verbose.CESRecordedAt(ctx, commitID)
	if err != nil {
		return 0, 0, 0, err
	}
	refs, err := v.compressed.CommitReferences(ctx, commitID)
	if err != nil {
		return 0, 0, 0, err
	}

	refIDs := make(map[string]struct{}, len(refs))
	byKey := make(map[string]models.CES, len(refs))
	for _, ref := range refs {
		refIDs[ref.ID] = struct{}{}
		if key, ok := models.EntityKey(ref); ok {
			byKey[key] = ref
		}
	}

	verboseCount = int64(len(verboseCES))
	for _, rec := range verboseCES {
		key, ok := models.EntityKey(rec)
		if !ok {
			continue
		}
		ref, found := byKey[key]
		if !found || !equivalence.Equal(rec, ref) {
			missing++
			v.logger.Debug("verbose ces has no equivalent in compressed commit",
				"commit_id", commitID, "ces_id", rec.ID)
		}
	}

	for _, ref := range refs {
		if ref.CEParentID == "" {
			continue
		}
		if _, ok := refIDs[ref.CEParentID]; !ok {
			dangling++
			v.logger.Debug("ce_parent_id does not resolve within commit",
				"commit_id", commitID, "ces_id", ref.ID, "ce_parent_id", ref.CEParentID)
		}
	}
	return missing, dangling, verboseCount, nil
}

// LogResults emits the report summary.
func LogResults(r *Report) {
	logger := slog.Default()
	logger.Info("consistency check finished",
		"vcs_system_id", r.VCSSystemID,
		"commits_checked", r.CommitsChecked,
		"verbose_ces", r.VerboseCES,
		"missing_equivalents", r.MissingEquivalents,
		"dangling_parents", r.DanglingParents,
		"failed_commits", r.FailedCommits)
	if r.Mismatches() == 0 {
		logger.Info("stores are consistent")
	} else {
		logger.Warn("stores diverge", "mismatches", r.Mismatches())
	}
}
