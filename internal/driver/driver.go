// Package driver ties one deduplication run together: it resolves the
// project to its VCS systems, builds each commit graph, hands it to the
// scheduler, retries commits parked in the dead letter queue, and
// aggregates the run's statistics.
package driver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/srknzl/ces-compact/internal/cache"
	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/config"
	"github.com/srknzl/ces-compact/internal/dagbuild"
	"github.com/srknzl/ces-compact/internal/dlq"
	"github.com/srknzl/ces-compact/internal/logging"
	"github.com/srknzl/ces-compact/internal/merge"
	"github.com/srknzl/ces-compact/internal/models"
	"github.com/srknzl/ces-compact/internal/scheduler"
	"github.com/srknzl/ces-compact/internal/store"
)

// maxDLQRetries bounds how often a failed commit is retried across runs
// before it needs operator attention.
const maxDLQRetries = 3

// Driver runs the deduplication engine for one project.
type Driver struct {
	registry   store.Registry
	gateway    store.Gateway
	failed     *dlq.Queue            // nil when no control-plane DB is configured
	checkpoint *scheduler.Checkpoint // nil when checkpointing is disabled
	cfg        *config.Config
	logger     *logging.Logger
}

// New creates a driver. failed and checkpoint are optional.
func New(registry store.Registry, gateway store.Gateway, failed *dlq.Queue, checkpoint *scheduler.Checkpoint, cfg *config.Config) *Driver {
	return &Driver{
		registry:   registry,
		gateway:    gateway,
		failed:     failed,
		checkpoint: checkpoint,
		cfg:        cfg,
		logger:     logging.With("component", "driver", "run_id", uuid.NewString()),
	}
}

// Run executes the full pipeline for the configured project and returns the
// aggregated counters. ProjectMissing and StoreUnavailable abort the run;
// per-commit failures are parked in the dead letter queue and retried once
// at the end.
func (d *Driver) Run(ctx context.Context) (models.RunStats, error) {
	var total models.RunStats
	start := time.Now()

	project, systems, err := d.registry.ResolveProject(ctx, d.cfg.ProjectName)
	if err != nil {
		return total, err
	}
	d.logger.Info("project resolved",
		"project", project.Name,
		"project_id", project.ID,
		"vcs_systems", len(systems))

	for _, vcs := range systems {
		stats, err := d.runVCSSystem(ctx, vcs)
		total.Add(stats)
		if err != nil {
			return total, err
		}
	}

	d.logger.Info("run completed",
		"project", project.Name,
		"duration_seconds", time.Since(start).Seconds(),
		"tasks_completed", total.TasksCompleted,
		"ces_seen", total.CESSeen,
		"ces_deleted", total.CESDeleted)
	return total, nil
}

func (d *Driver) runVCSSystem(ctx context.Context, vcs models.VCSSystem) (models.RunStats, error) {
	logger := d.logger.With("vcs_system_id", vcs.ID, "url", vcs.URL)
	logger.Info("building commit graph")

	graph, err := dagbuild.NewBuilder(d.gateway).Build(ctx, vcs.ID)
	if err != nil {
		return models.RunStats{}, err
	}

	merger := merge.NewMerger(d.gateway, cache.NewManager(5*time.Minute))
	sched := scheduler.New(merger, graph, vcs.ID, scheduler.Options{
		Workers:    d.cfg.Processes,
		TaskRate:   d.cfg.TaskRate,
		Checkpoint: d.checkpoint,
		OnError:    d.errorSink(ctx, vcs.ID),
	})

	stats, err := sched.Run(ctx)
	if err != nil {
		return stats, err
	}

	retryStats, err := d.retryFailed(ctx, sched, vcs.ID)
	stats.Add(retryStats)
	return stats, err
}

// errorSink parks a failed commit in the dead letter queue so the retry
// pass (or a later run) can pick it up.
func (d *Driver) errorSink(ctx context.Context, vcsSystemID int64) func(commitID, revisionHash string, err error) {
	if d.failed == nil {
		return nil
	}
	return func(commitID, revisionHash string, cause error) {
		err := d.failed.Enqueue(ctx, vcsSystemID, revisionHash, cause, map[string]interface{}{
			"commit_id": commitID,
		})
		if err != nil {
			d.logger.Error("failed to park commit in dlq",
				"commit_id", commitID, "error", err)
		}
	}
}

// retryFailed re-walks the segments of commits parked in the dead letter
// queue during this or earlier runs. Each success removes the entry; each
// failure bumps its retry count via the sink the scheduler already holds.
func (d *Driver) retryFailed(ctx context.Context, sched *scheduler.Scheduler, vcsSystemID int64) (models.RunStats, error) {
	var total models.RunStats
	if d.failed == nil {
		return total, nil
	}

	entries, err := d.failed.PendingRetries(ctx, vcsSystemID, maxDLQRetries)
	if err != nil {
		d.logger.Warn("failed to read dlq, skipping retry pass", "error", err)
		return total, nil
	}
	if len(entries) == 0 {
		return total, nil
	}
	d.logger.Info("retrying failed commits", "count", len(entries))

	for _, entry := range entries {
		commitID, err := d.gateway.CommitLookup(ctx, vcsSystemID, entry.RevisionHash)
		if err != nil {
			if cerrors.IsFatal(err) {
				return total, err
			}
			d.logger.Warn("dlq entry does not resolve to a commit",
				"revision_hash", entry.RevisionHash, "error", err)
			continue
		}

		stats, err := sched.ProcessOne(ctx, commitID)
		total.Add(stats)
		if err != nil {
			if cerrors.IsFatal(err) {
				return total, err
			}
			continue
		}
		// A walk can finish while still abandoning its head commit on a
		// non-fatal error; only a persisted reference list proves success.
		refs, err := d.gateway.CommitReferences(ctx, commitID)
		if err != nil || len(refs) == 0 {
			continue
		}
		if err := d.failed.MarkResolved(ctx, vcsSystemID, entry.RevisionHash); err != nil {
			d.logger.Warn("failed to resolve dlq entry",
				"revision_hash", entry.RevisionHash, "error", err)
		}
	}
	return total, nil
}
