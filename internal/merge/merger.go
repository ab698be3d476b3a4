// Package merge implements the per-commit deduplication step: given a commit
// and the entity state inherited from its unique parent, it decides which of
// the commit's CES records are duplicates of the parent's, rewrites the
// commit's reference list, repairs lexical-parent links, and deletes the
// confirmed duplicates.
package merge

import (
	"context"
	"log/slog"
	"sort"

	"github.com/srknzl/ces-compact/internal/cache"
	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/equivalence"
	"github.com/srknzl/ces-compact/internal/models"
	"github.com/srknzl/ces-compact/internal/store"
)

// State is the post-merge entity snapshot of a commit: one CES record per
// (long_name, file_id) key, carried forward along a linear segment as the
// inherited state of the next commit.
type State map[string]models.CES

// Result reports what processing one commit did.
type Result struct {
	// State is the commit's post-merge snapshot, the inherited state of its
	// child on a linear walk. Empty when Skipped.
	State State
	// Rewrites maps each CES id recorded at this commit to the id that now
	// stands for it: itself when kept, the inherited record's id when deduped.
	Rewrites map[string]string
	// Deleted lists the CES ids removed as duplicates.
	Deleted []string
	// Seen counts the CES records examined at this commit.
	Seen int
	// Skipped is set when the commit and all its successors were already
	// processed, so nothing downstream needs this node's state.
	Skipped bool
	// Reused is set when the commit was already processed but a successor
	// still needs its state; State was rebuilt read-only from the store.
	Reused bool
}

// Merger runs the deduplication step against a store gateway. Safe for
// concurrent use by multiple workers; all state is per-call.
type Merger struct {
	gateway store.Gateway
	cache   *cache.Manager
	logger  *slog.Logger
}

// NewMerger creates a merger. cacheManager may be nil to disable the
// commit-reference lookup cache.
func NewMerger(gateway store.Gateway, cacheManager *cache.Manager) *Merger {
	return &Merger{
		gateway: gateway,
		cache:   cacheManager,
		logger:  slog.Default().With("component", "merge"),
	}
}

// InheritedState loads a commit's already-persisted reference list and keys
// it by entity, the seed a branch task takes from its parent commit.
func (m *Merger) InheritedState(ctx context.Context, commitID string) (State, error) {
	refs, err := m.commitReferences(ctx, commitID)
	if err != nil {
		return nil, err
	}
	return m.keyByEntity(commitID, refs), nil
}

// ProcessCommit deduplicates one commit against the inherited state sIn.
// successorIDs are the commit's children in the graph, consulted only by the
// idempotence probe. The returned Result's State is always safe to carry
// forward; the store is mutated only when the commit had not been processed.
func (m *Merger) ProcessCommit(ctx context.Context, commitID string, sIn State, successorIDs []string) (*Result, error) {
	// Idempotence probe: a non-empty reference list means a previous run or
	// a concurrent worker already persisted this commit. Never mutate; either
	// skip outright or rebuild state for onward propagation.
	refs, err := m.commitReferences(ctx, commitID)
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		allDone := true
		for _, succ := range successorIDs {
			processed, err := m.isProcessed(ctx, succ)
			if err != nil {
				return nil, err
			}
			if !processed {
				allDone = false
				break
			}
		}
		if allDone {
			m.logger.Debug("commit and successors already processed, skipping", "commit_id", commitID)
			return &Result{Skipped: true}, nil
		}
		state := m.keyByEntity(commitID, refs)
		rewrites := make(map[string]string, len(state))
		for _, rec := range state {
			rewrites[rec.ID] = rec.ID
		}
		m.logger.Debug("commit already processed, propagating state read-only", "commit_id", commitID)
		return &Result{State: state, Rewrites: rewrites, Reused: true}, nil
	}

	recorded, err := m.gateway.CESRecordedAt(ctx, commitID)
	if err != nil {
		if cerrors.TypeOf(err) == cerrors.ErrorTypeNotFound {
			m.logger.Warn("commit has no recorded entity states", "commit_id", commitID, "error", err)
			return &Result{State: State{}, Rewrites: map[string]string{}}, nil
		}
		return nil, err
	}

	sOut := make(State, len(recorded))
	rewrites := make(map[string]string, len(recorded))
	toDelete := make(map[string]models.CES)
	changed := make(map[string]bool) // ids of this commit's records kept as new or changed
	var keyless []string             // kept verbatim, outside the state map

	for _, rec := range recorded {
		key, ok := models.EntityKey(rec)
		if !ok {
			// A record without long_name/file_id cannot participate in
			// deduplication; it stays referenced but never compared.
			m.logger.Warn("ces record missing entity key, keeping verbatim",
				"commit_id", commitID, "ces_id", rec.ID)
			keyless = append(keyless, rec.ID)
			rewrites[rec.ID] = rec.ID
			continue
		}

		inherited, present := sIn[key]
		if !present {
			sOut[key] = rec
			rewrites[rec.ID] = rec.ID
			changed[rec.ID] = true
			continue
		}

		eq, cmpErr := equivalence.Compare(rec, inherited)
		if cmpErr != nil {
			// Indeterminate comparisons keep the record; a deletion needs
			// a provable match.
			m.logger.Warn("equivalence indeterminate, keeping record",
				"commit_id", commitID, "ces_id", rec.ID, "error", cmpErr)
			eq = false
		}
		if eq {
			sOut[key] = inherited
			rewrites[rec.ID] = inherited.ID
			toDelete[rec.ID] = rec
		} else {
			sOut[key] = rec
			rewrites[rec.ID] = rec.ID
			changed[rec.ID] = true
		}
	}

	// Parent-change cascade: a duplicate whose lexical parent changed at this
	// commit must stay anchored here too, or its ce_parent_id would point at
	// a record the commit no longer references. Promotion can make further
	// parents "changed", so iterate to a fixed point; each round moves at
	// least one id out of toDelete, bounding the loop.
	for {
		promoted := false
		for id, rec := range toDelete {
			if rec.CEParentID == "" || !changed[rec.CEParentID] {
				continue
			}
			delete(toDelete, id)
			key, _ := models.EntityKey(rec)
			sOut[key] = rec
			rewrites[id] = id
			changed[id] = true
			promoted = true
		}
		if !promoted {
			break
		}
	}

	// Parent repair: records introduced or changed at this commit whose
	// lexical parent is being deleted get the parent link rewritten to the
	// surviving record, persisted before any deletion happens.
	for key, rec := range sOut {
		if rec.CommitID != commitID || rec.CEParentID == "" {
			continue
		}
		if _, doomed := toDelete[rec.CEParentID]; !doomed {
			continue
		}
		rec.CEParentID = rewrites[rec.CEParentID]
		sOut[key] = rec
		if err := m.gateway.SaveCES(ctx, rec); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(sOut)+len(keyless))
	ids = append(ids, keyless...)
	seen := make(map[string]struct{}, len(sOut))
	for _, rec := range sOut {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		ids = append(ids, rec.ID)
	}
	sort.Strings(ids)

	if err := m.gateway.SetCommitCES(ctx, commitID, ids); err != nil {
		return nil, err
	}
	m.invalidate(commitID)

	deleted := make([]string, 0, len(toDelete))
	for id := range toDelete {
		if err := m.gateway.DeleteCES(ctx, id); err != nil {
			if cerrors.TypeOf(err) == cerrors.ErrorTypeNotFound {
				m.logger.Warn("duplicate ces already deleted", "commit_id", commitID, "ces_id", id)
				continue
			}
			return nil, err
		}
		deleted = append(deleted, id)
	}
	sort.Strings(deleted)

	return &Result{
		State:    sOut,
		Rewrites: rewrites,
		Deleted:  deleted,
		Seen:     len(recorded),
	}, nil
}

func (m *Merger) isProcessed(ctx context.Context, commitID string) (bool, error) {
	refs, err := m.commitReferences(ctx, commitID)
	if err != nil {
		return false, err
	}
	return len(refs) > 0, nil
}

func (m *Merger) commitReferences(ctx context.Context, commitID string) ([]models.CES, error) {
	if m.cache != nil {
		if refs, ok := m.cache.GetCES(commitID); ok {
			return refs, nil
		}
	}
	refs, err := m.gateway.CommitReferences(ctx, commitID)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.SetCES(commitID, refs)
	}
	return refs, nil
}

func (m *Merger) invalidate(commitID string) {
	if m.cache != nil {
		m.cache.Invalidate(commitID)
	}
}

func (m *Merger) keyByEntity(commitID string, records []models.CES) State {
	state := make(State, len(records))
	for _, rec := range records {
		key, ok := models.EntityKey(rec)
		if !ok {
			m.logger.Warn("referenced ces record missing entity key",
				"commit_id", commitID, "ces_id", rec.ID)
			continue
		}
		state[key] = rec
	}
	return state
}
