// Package store defines the document-store boundary the deduplication
// core depends on. The core never imports a concrete driver: it depends
// only on Gateway and Registry, satisfied here by a Neo4j-backed
// implementation (internal/store/neo4jstore), a Postgres-backed control
// plane (internal/store/pgregistry), and an in-memory implementation
// used by tests (internal/store/memstore).
package store

import (
	"context"

	"github.com/srknzl/ces-compact/internal/models"
)

// Gateway is the document/graph store holding Commit and CES records.
// Every method that can fail due to a missing record returns a
// *cerrors.Error of type NotFound; every method that can fail due to the
// store being unreachable returns one of type StoreUnavailable.
type Gateway interface {
	// StreamCommits delivers every commit belonging to a VCS system over
	// the returned channel, closing it when done; the error channel carries
	// at most one terminal error. Streaming (rather than loading a slice)
	// is what lets the Graph Builder avoid materializing a whole project's
	// commit history, per the no-cursor-timeout requirement.
	StreamCommits(ctx context.Context, vcsSystemID int64) (<-chan models.Commit, <-chan error)

	// CESRecordedAt returns the CES records the upstream pipeline recorded
	// at this commit (records whose CommitID equals commitID). This set
	// never changes once written and is independent of CommitReferences.
	CESRecordedAt(ctx context.Context, commitID string) ([]models.CES, error)

	// CommitReferences returns the CES records a commit currently
	// references (its rewritten "code_entity_states" list). Empty until
	// the Path Merger calls SetCommitCES for this commit; non-empty
	// afterward, which is what the idempotence probe tests. May include
	// records originally recorded at an ancestor commit once a duplicate
	// has been resolved there.
	CommitReferences(ctx context.Context, commitID string) ([]models.CES, error)

	// CommitLookup resolves a revision hash to a commit id within one VCS
	// system. Used by the failed-commit retry pass, which records hashes
	// rather than ids.
	CommitLookup(ctx context.Context, vcsSystemID int64, revisionHash string) (string, error)

	// SetCommitCES idempotently rewrites a commit's CES reference list to
	// exactly the given set of ids, adding and removing edges as needed.
	SetCommitCES(ctx context.Context, commitID string, cesIDs []string) error

	// SaveCES persists a mutated CES record, in practice always a rewrite of
	// CEParentID after the record it pointed at was deduplicated away. Called
	// before DeleteCES removes the old parent, never after.
	SaveCES(ctx context.Context, ces models.CES) error

	// DeleteCES removes a CES record. Callers rewrite every referencing
	// commit and repair dependent CEParentID links via SaveCES first.
	DeleteCES(ctx context.Context, cesID string) error

	// CountCES returns the number of distinct CES records referenced by
	// commits of a VCS system, used by tests.
	CountCES(ctx context.Context, vcsSystemID int64) (int64, error)

	Close(ctx context.Context) error
}

// Registry resolves a project name to its VCS system(s), the control-plane
// half of the store boundary (kept separate from Gateway because it is
// backed by a different database in the reference bindings).
type Registry interface {
	// ResolveProject returns the VCS systems registered under a project
	// name, or a *cerrors.Error of type ProjectMissing if none exist.
	ResolveProject(ctx context.Context, projectName string) (*models.Project, []models.VCSSystem, error)

	Close(ctx context.Context) error
}
