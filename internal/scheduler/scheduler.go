// Package scheduler decomposes the commit DAG into linear segments and
// dispatches them to a pool of workers. A task names the head of a segment;
// the worker walks forward from it, carrying the merged state in memory,
// until it hits a branch point, a merge point, or the end of the history.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/dagbuild"
	"github.com/srknzl/ces-compact/internal/merge"
	"github.com/srknzl/ces-compact/internal/models"
)

// TaskKind discriminates the two ways a segment head gets its seed state.
type TaskKind int

const (
	// PathStart seeds an empty inherited state: the node is a root or a
	// merge point, where no unique parent exists to inherit from.
	PathStart TaskKind = iota
	// BranchStart seeds from the already-persisted state of the node's
	// unique parent.
	BranchStart
)

// Task is one unit of scheduling: a segment head and how to seed it.
type Task struct {
	Kind     TaskKind `json:"kind"`
	CommitID string   `json:"commit_id"`
}

// Options tunes a scheduler run.
type Options struct {
	// Workers is the number of concurrent segment walkers. Minimum 1.
	Workers int
	// TaskRate caps task starts per second across all workers, 0 for
	// unlimited. Keeps a large graph from opening store sessions faster
	// than the pool can recycle them.
	TaskRate float64
	// Checkpoint, when non-nil, persists the pending task set so an
	// interrupted run can resume without rescanning the graph for heads.
	Checkpoint *Checkpoint
	// OnError is invoked for every commit abandoned on a non-fatal error,
	// after the error has been logged. May be nil.
	OnError func(commitID, revisionHash string, err error)
}

// Scheduler coordinates one run over one VCS system's commit graph.
type Scheduler struct {
	merger      *merge.Merger
	graph       *dagbuild.Graph
	vcsSystemID int64
	opts        Options
	logger      *slog.Logger
}

// New creates a scheduler for a built graph.
func New(merger *merge.Merger, graph *dagbuild.Graph, vcsSystemID int64, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Scheduler{
		merger:      merger,
		graph:       graph,
		vcsSystemID: vcsSystemID,
		opts:        opts,
		logger:      slog.Default().With("component", "scheduler", "vcs_system_id", vcsSystemID),
	}
}

// Run enqueues one PathStart per root and merge point, then lets the worker
// pool drain the queue, feeding branch heads back in as walks discover them.
// Counters travel over a channel to a single aggregator goroutine so workers
// share no mutable state beyond the queue itself.
func (s *Scheduler) Run(ctx context.Context) (models.RunStats, error) {
	queue := newTaskQueue()
	seeded := s.seed(queue)

	statc := make(chan models.RunStats, s.opts.Workers)
	var total models.RunStats
	var aggregated sync.WaitGroup
	aggregated.Add(1)
	go func() {
		defer aggregated.Done()
		for delta := range statc {
			total.Add(delta)
		}
	}()

	var limiter *rate.Limiter
	if s.opts.TaskRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.TaskRate), s.opts.Workers)
	}

	stop := make(chan struct{})
	if s.opts.Checkpoint != nil {
		go s.snapshotLoop(queue, stop)
	}

	var fatalOnce sync.Once
	var fatalErr error

	var workers sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		workers.Add(1)
		go func(worker int) {
			defer workers.Done()
			for {
				task, ok := queue.pop()
				if !ok {
					return
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						queue.done()
						queue.close()
						return
					}
				}
				stats, branches, err := s.walk(ctx, task)
				statc <- stats
				if err != nil {
					fatalOnce.Do(func() { fatalErr = err })
					queue.done()
					queue.close()
					return
				}
				for _, branch := range branches {
					queue.push(branch)
				}
				queue.done()
			}
		}(i)
	}

	workers.Wait()
	close(stop)
	close(statc)
	aggregated.Wait()

	if fatalErr != nil {
		return total, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return total, cerrors.Wrap(err, cerrors.ErrorTypeInternal, cerrors.SeverityHigh, "run cancelled")
	}
	if s.opts.Checkpoint != nil {
		if err := s.opts.Checkpoint.Clear(s.vcsSystemID); err != nil {
			s.logger.Warn("failed to clear checkpoint", "error", err)
		}
	}
	s.logger.Info("queue drained",
		"seeded_tasks", seeded,
		"tasks_completed", total.TasksCompleted,
		"ces_seen", total.CESSeen,
		"ces_deleted", total.CESDeleted)
	return total, nil
}

// ProcessOne walks the segment starting at a single commit, used by the
// failed-commit retry pass after the main run. The commit's task kind is
// derived from its in-degree the same way the initial seed derives it.
func (s *Scheduler) ProcessOne(ctx context.Context, commitID string) (models.RunStats, error) {
	kind := PathStart
	if s.graph.ParentCount(commitID) == 1 {
		kind = BranchStart
	}
	stats, branches, err := s.walk(ctx, Task{Kind: kind, CommitID: commitID})
	if err != nil {
		return stats, err
	}
	for len(branches) > 0 {
		next := branches[0]
		branches = branches[1:]
		delta, more, err := s.walk(ctx, next)
		stats.Add(delta)
		if err != nil {
			return stats, err
		}
		branches = append(branches, more...)
	}
	return stats, nil
}

// seed loads the pending task set from the checkpoint when one exists,
// otherwise scans the graph for path heads. Returns the number enqueued.
func (s *Scheduler) seed(queue *taskQueue) int {
	if s.opts.Checkpoint != nil {
		tasks, found, err := s.opts.Checkpoint.Load(s.vcsSystemID)
		if err != nil {
			s.logger.Warn("failed to load checkpoint, falling back to graph scan", "error", err)
		} else if found {
			s.logger.Info("resuming from checkpoint", "pending_tasks", len(tasks))
			for _, t := range tasks {
				queue.push(t)
			}
			return len(tasks)
		}
	}

	heads := s.graph.PathHeads()
	for _, head := range heads {
		queue.push(Task{Kind: PathStart, CommitID: head})
	}
	return len(heads)
}

func (s *Scheduler) snapshotLoop(queue *taskQueue, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.opts.Checkpoint.Save(s.vcsSystemID, queue.snapshot()); err != nil {
				s.logger.Warn("failed to save checkpoint", "error", err)
			}
		}
	}
}

// walk processes a linear segment starting at the task's head. It returns the
// counters for the segment and the BranchStart tasks for successors that
// continue on their own segments. A non-fatal per-commit error abandons the
// rest of the segment (the retry pass picks the commit up later); a fatal
// error is returned to stop the run.
func (s *Scheduler) walk(ctx context.Context, task Task) (models.RunStats, []Task, error) {
	var stats models.RunStats
	node := task.CommitID

	sIn := merge.State{}
	if task.Kind == BranchStart {
		parents := s.graph.Predecessors(node)
		if len(parents) == 1 {
			inherited, err := s.merger.InheritedState(ctx, parents[0])
			if err != nil {
				return stats, nil, s.reportCommitError(node, err)
			}
			sIn = inherited
		} else {
			// A BranchStart for a node that is no longer single-parent can
			// only come from a stale checkpoint; seed empty like a PathStart.
			s.logger.Warn("branch task head is not single-parent, seeding empty",
				"commit_id", node, "parents", len(parents))
		}
	}

	for {
		successors := s.graph.Successors(node)
		result, err := s.merger.ProcessCommit(ctx, node, sIn, successors)
		if err != nil {
			return stats, nil, s.reportCommitError(node, err)
		}
		stats.CESSeen += int64(result.Seen)
		stats.CESDeleted += int64(len(result.Deleted))
		if result.Skipped {
			break
		}

		if len(successors) == 1 && s.graph.ParentCount(successors[0]) == 1 {
			node = successors[0]
			sIn = result.State
			continue
		}

		var branches []Task
		for _, succ := range successors {
			if s.graph.ParentCount(succ) == 1 {
				branches = append(branches, Task{Kind: BranchStart, CommitID: succ})
			}
		}
		stats.TasksCompleted++
		return stats, branches, nil
	}

	stats.TasksCompleted++
	return stats, nil, nil
}

// reportCommitError funnels a per-commit failure to the log and the error
// sink, returning nil unless the error is fatal for the whole run.
func (s *Scheduler) reportCommitError(commitID string, err error) error {
	if cerrors.IsFatal(err) {
		return err
	}
	s.logger.Error("commit processing failed, continuing",
		"commit_id", commitID, "error", err)
	if s.opts.OnError != nil {
		s.opts.OnError(commitID, s.graph.RevisionHash(commitID), err)
	}
	return nil
}
