// Package models defines the data types the deduplication engine reads
// and writes: commits, their code entity state records, and the
// control-plane registrations that scope a run to one project.
package models

import (
	"fmt"
	"time"
)

// Project is a registered unit of work; --project-name resolves to one.
type Project struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// VCSSystem is the version-control repository backing a Project. A project
// may have more than one (e.g. a mirrored fork), matching the upstream
// pipeline's schema; the engine processes the commit graph of each.
type VCSSystem struct {
	ID        int64  `db:"id" json:"id"`
	ProjectID int64  `db:"project_id" json:"project_id"`
	URL       string `db:"url" json:"url"`
}

// Commit is one node of the commit DAG. ParentHashes preserves declaration
// order so the first parent can be distinguished from later ones where that
// matters (it currently doesn't for equivalence, only for graph construction).
type Commit struct {
	ID           string    `json:"id"`
	VCSSystemID  int64     `json:"vcs_system_id"`
	RevisionHash string    `json:"revision_hash"`
	ParentHashes []string  `json:"parent_hashes"`
	AuthorDate   time.Time `json:"author_date"`
}

// CES is one code entity state: a snapshot of a single named code entity
// (function, class, module...) as observed at a commit.
//
// CEParentID links a CES to the record of its lexical parent entity (a
// method's class, a nested function's enclosing function). It must either be
// empty or resolve to a CES referenced by the same commit, which is why the
// merger rewrites it whenever the parent record it points at is deduplicated
// away.
type CES struct {
	ID         string                 `json:"id"`
	SKey       string                 `json:"s_key"`
	CommitID   string                 `json:"commit_id"`
	CEParentID string                 `json:"ce_parent_id,omitempty"`
	CGIDs      []string               `json:"cg_ids,omitempty"`
	Attributes map[string]interface{} `json:"attributes"`
}

// ExcludedAttributes are the CES fields never compared for equivalence:
// identity and linkage fields that differ between otherwise-identical
// snapshots by construction. Carried over from the upstream implementation's
// comparison routine (see SPEC_FULL.md "Supplemented features").
var ExcludedAttributes = map[string]struct{}{
	"id":           {},
	"s_key":        {},
	"commit_id":    {},
	"ce_parent_id": {},
	"cg_ids":       {},
}

// EntityKey returns the identity-within-commit key of a CES: the pair
// (long_name, file_id), unique within a commit. Both attributes are
// opaque domain fields from the upstream pipeline; a CES missing either
// one has no valid key and EntityKey returns ok=false.
func EntityKey(ces CES) (key string, ok bool) {
	longName, ok1 := ces.Attributes["long_name"]
	fileID, ok2 := ces.Attributes["file_id"]
	if !ok1 || !ok2 {
		return "", false
	}
	return fmt.Sprintf("%v\x00%v", longName, fileID), true
}

// RunStats aggregates the counters the Task Scheduler accumulates over a run:
// total tasks completed, CES records examined, and CES records deleted.
type RunStats struct {
	TasksCompleted int64
	CESSeen        int64
	CESDeleted     int64
}

// Add merges delta into the receiver. Not safe for concurrent use; callers
// funnel deltas through a single aggregator goroutine.
func (s *RunStats) Add(delta RunStats) {
	s.TasksCompleted += delta.TasksCompleted
	s.CESSeen += delta.CESSeen
	s.CESDeleted += delta.CESDeleted
}
