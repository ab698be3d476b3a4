// Package memstore is an in-memory Gateway and Registry used by unit and
// property tests so the merge and scheduling logic can be exercised
// without a live Neo4j or Postgres instance.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/models"
)

// Store implements both store.Gateway and store.Registry over plain maps
// guarded by a mutex. Good enough for single-process tests; not meant to
// model real concurrent-store semantics beyond mutual exclusion.
type Store struct {
	mu sync.Mutex

	projects   map[string]*models.Project
	vcsSystems map[int64][]models.VCSSystem // by project ID
	commits    map[int64][]models.Commit    // by vcs system ID
	known      map[string]struct{}          // commit ids that exist
	recordedAt map[string][]string          // commit id -> ces ids originally recorded there (immutable)
	refs       map[string][]string          // commit id -> ordered ces ids currently referenced (HAS_CES edges)
	byID       map[string]*models.CES        // ces id -> canonical record
}

// New creates an empty store.
func New() *Store {
	return &Store{
		projects:   make(map[string]*models.Project),
		vcsSystems: make(map[int64][]models.VCSSystem),
		commits:    make(map[int64][]models.Commit),
		known:      make(map[string]struct{}),
		recordedAt: make(map[string][]string),
		refs:       make(map[string][]string),
		byID:       make(map[string]*models.CES),
	}
}

// AddProject registers a project with one VCS system and its commits, used
// by tests to set up fixtures. ces maps a commit id to the CES records the
// upstream pipeline recorded there (CESRecordedAt); each commit's
// reference list (CommitReferences) starts empty, matching the store's
// state before the core has run.
func (s *Store) AddProject(name string, vcs models.VCSSystem, commits []models.Commit, ces map[string][]models.CES) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, ok := s.projects[name]
	if !ok {
		proj = &models.Project{ID: int64(len(s.projects) + 1), Name: name}
		s.projects[name] = proj
	}
	vcs.ProjectID = proj.ID
	s.vcsSystems[proj.ID] = append(s.vcsSystems[proj.ID], vcs)
	s.commits[vcs.ID] = append(s.commits[vcs.ID], commits...)
	for _, c := range commits {
		s.known[c.ID] = struct{}{}
	}

	for commitID, records := range ces {
		ids := make([]string, 0, len(records))
		for i := range records {
			rec := records[i]
			s.byID[rec.ID] = &rec
			ids = append(ids, rec.ID)
		}
		s.recordedAt[commitID] = ids
	}
}

// ResolveProject implements store.Registry.
func (s *Store) ResolveProject(ctx context.Context, projectName string) (*models.Project, []models.VCSSystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, ok := s.projects[projectName]
	if !ok {
		return nil, nil, cerrors.ProjectMissing(projectName)
	}
	return proj, s.vcsSystems[proj.ID], nil
}

// StreamCommits implements store.Gateway.
func (s *Store) StreamCommits(ctx context.Context, vcsSystemID int64) (<-chan models.Commit, <-chan error) {
	out := make(chan models.Commit)
	errc := make(chan error, 1)

	s.mu.Lock()
	commits := make([]models.Commit, len(s.commits[vcsSystemID]))
	copy(commits, s.commits[vcsSystemID])
	s.mu.Unlock()

	sort.Slice(commits, func(i, j int) bool { return commits[i].AuthorDate.Before(commits[j].AuthorDate) })

	go func() {
		defer close(out)
		defer close(errc)
		for _, c := range commits {
			select {
			case out <- c:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return out, errc
}

// CESRecordedAt implements store.Gateway: returns the immutable set of CES
// the upstream pipeline recorded at commitID.
func (s *Store) CESRecordedAt(ctx context.Context, commitID string) ([]models.CES, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.known[commitID]; !ok {
		return nil, cerrors.NotFound("commit", commitID)
	}
	return s.resolve(s.recordedAt[commitID]), nil
}

// CommitReferences implements store.Gateway: returns the records currently
// referenced by a commit, resolved from the canonical ces-id index so a
// reference created by SetCommitCES to another commit's CES resolves too.
func (s *Store) CommitReferences(ctx context.Context, commitID string) ([]models.CES, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.known[commitID]; !ok {
		return nil, cerrors.NotFound("commit", commitID)
	}
	return s.resolve(s.refs[commitID]), nil
}

func (s *Store) resolve(ids []string) []models.CES {
	records := make([]models.CES, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			records = append(records, *rec)
		}
	}
	return records
}

// SetCommitCES implements store.Gateway.
func (s *Store) SetCommitCES(ctx context.Context, commitID string, cesIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.known[commitID]; !ok {
		return cerrors.NotFound("commit", commitID)
	}
	ids := make([]string, len(cesIDs))
	copy(ids, cesIDs)
	s.refs[commitID] = ids
	return nil
}

// CommitLookup implements store.Gateway.
func (s *Store) CommitLookup(ctx context.Context, vcsSystemID int64, revisionHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.commits[vcsSystemID] {
		if c.RevisionHash == revisionHash {
			return c.ID, nil
		}
	}
	return "", cerrors.NotFound("commit", revisionHash)
}

// SaveCES implements store.Gateway.
func (s *Store) SaveCES(ctx context.Context, ces models.CES) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ces.ID]; !ok {
		return cerrors.NotFound("ces", ces.ID)
	}
	rec := ces
	s.byID[ces.ID] = &rec
	return nil
}

// DeleteCES implements store.Gateway. Callers are responsible for
// rewriting every referencing commit via SetCommitCES before deleting.
func (s *Store) DeleteCES(ctx context.Context, cesID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[cesID]; !ok {
		return cerrors.NotFound("ces", cesID)
	}
	delete(s.byID, cesID)
	return nil
}

// CountCES implements store.Gateway: counts distinct CES records currently
// referenced by any commit of a VCS system.
func (s *Store) CountCES(ctx context.Context, vcsSystemID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, c := range s.commits[vcsSystemID] {
		for _, id := range s.refs[c.ID] {
			seen[id] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

// Close implements store.Gateway and store.Registry; a no-op for memstore.
func (s *Store) Close(ctx context.Context) error { return nil }
