package neo4jstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/models"
)

// Gateway implements store.Gateway against a Neo4j property graph:
//   (:Commit {id, vcs_system_id, revision_hash, author_date})
//   (:CES {id, s_key, commit_id, ce_parent_id})  // attributes as properties
//   (c1:Commit)-[:PARENT_OF]->(c2:Commit)
//   (c:Commit)-[:HAS_CES]->(e:CES)
//   (e1:CES)-[:CE_PARENT]->(e2:CES)
type Gateway struct {
	client  *Client
	monitor *TimeoutMonitor
}

// NewGateway wraps a connected Client as a store.Gateway.
func NewGateway(client *Client) *Gateway {
	return &Gateway{client: client, monitor: NewTimeoutMonitor()}
}

// StreamCommits runs the two Graph Builder passes' source query: every
// Commit node for a VCS system, ordered by author_date so the caller sees
// parents before (or alongside) children in the common case. Uses an
// explicit no-deadline session rather than ExecuteQuery's managed
// transaction so a large history is never cut off by a server-side cursor
// timeout.
func (g *Gateway) StreamCommits(ctx context.Context, vcsSystemID int64) (<-chan models.Commit, <-chan error) {
	out := make(chan models.Commit)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		session := g.client.noDeadlineSession(ctx)
		defer session.Close(ctx)

		streamErr := g.monitor.ObserveScan("stream_commits", func() error {
			result, err := session.Run(ctx, `
				MATCH (c:Commit {vcs_system_id: $vcsSystemID})
				OPTIONAL MATCH (c)-[:PARENT_OF]->(p:Commit)
				WITH c, collect(p.revision_hash) AS parent_hashes
				RETURN c.id AS id, c.revision_hash AS revision_hash,
				       c.author_date AS author_date, parent_hashes
				ORDER BY c.author_date ASC
			`, map[string]any{"vcsSystemID": vcsSystemID})
			if err != nil {
				return cerrors.StoreUnavailable(err, "neo4j")
			}

			for result.Next(ctx) {
				rec := result.Record()
				commit := models.Commit{VCSSystemID: vcsSystemID}
				if v, ok := rec.Get("id"); ok && v != nil {
					commit.ID = v.(string)
				}
				if v, ok := rec.Get("revision_hash"); ok && v != nil {
					commit.RevisionHash = v.(string)
				}
				if v, ok := rec.Get("parent_hashes"); ok && v != nil {
					for _, h := range v.([]interface{}) {
						if s, ok := h.(string); ok {
							commit.ParentHashes = append(commit.ParentHashes, s)
						}
					}
				}
				select {
				case out <- commit:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return result.Err()
		})
		if streamErr != nil {
			errc <- streamErr
		}
	}()

	return out, errc
}

// CESRecordedAt returns the CES nodes carrying commit_id == commitID: the
// immutable set the upstream pipeline recorded at this commit, independent
// of whatever HAS_CES edges the merger has since rewritten.
func (g *Gateway) CESRecordedAt(ctx context.Context, commitID string) ([]models.CES, error) {
	session := g.client.noDeadlineSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (e:CES {commit_id: $commitID})
		RETURN e
	`, map[string]any{"commitID": commitID})
	if err != nil {
		return nil, cerrors.StoreUnavailable(err, "neo4j")
	}
	return collectCES(ctx, result)
}

// CommitReferences returns all CES records a commit currently references
// via HAS_CES.
func (g *Gateway) CommitReferences(ctx context.Context, commitID string) ([]models.CES, error) {
	session := g.client.noDeadlineSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Commit {id: $commitID})-[:HAS_CES]->(e:CES)
		RETURN e
	`, map[string]any{"commitID": commitID})
	if err != nil {
		return nil, cerrors.StoreUnavailable(err, "neo4j")
	}
	return collectCES(ctx, result)
}

func collectCES(ctx context.Context, result neo4j.ResultWithContext) ([]models.CES, error) {
	var records []models.CES
	for result.Next(ctx) {
		node, ok := result.Record().Get("e")
		if !ok {
			continue
		}
		records = append(records, cesFromNode(node.(neo4j.Node)))
	}
	if err := result.Err(); err != nil {
		return nil, cerrors.StoreUnavailable(err, "neo4j")
	}
	return records, nil
}

// SetCommitCES idempotently rewrites a commit's HAS_CES edges to reference
// exactly cesIDs: edges to ids no longer in the set are dropped, edges to
// new ids (possibly CES nodes recorded at an ancestor commit, once a
// duplicate has been resolved there) are added.
func (g *Gateway) SetCommitCES(ctx context.Context, commitID string, cesIDs []string) error {
	session := g.client.noDeadlineSession(ctx)
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MATCH (c:Commit {id: $commitID})-[r:HAS_CES]->(e:CES)
		WHERE NOT e.id IN $cesIDs
		DELETE r
	`, map[string]any{"commitID": commitID, "cesIDs": cesIDs})
	if err != nil {
		return cerrors.StoreUnavailable(err, "neo4j")
	}

	_, err = session.Run(ctx, `
		MATCH (c:Commit {id: $commitID})
		UNWIND $cesIDs AS cesID
		MATCH (e:CES {id: cesID})
		MERGE (c)-[:HAS_CES]->(e)
	`, map[string]any{"commitID": commitID, "cesIDs": cesIDs})
	if err != nil {
		return cerrors.StoreUnavailable(err, "neo4j")
	}
	return nil
}

// CommitLookup resolves a revision hash within one VCS system.
func (g *Gateway) CommitLookup(ctx context.Context, vcsSystemID int64, revisionHash string) (string, error) {
	session := g.client.noDeadlineSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Commit {vcs_system_id: $vcsSystemID, revision_hash: $revisionHash})
		RETURN c.id AS id
	`, map[string]any{"vcsSystemID": vcsSystemID, "revisionHash": revisionHash})
	if err != nil {
		return "", cerrors.StoreUnavailable(err, "neo4j")
	}
	if !result.Next(ctx) {
		return "", cerrors.NotFound("commit", revisionHash)
	}
	v, _ := result.Record().Get("id")
	id, _ := v.(string)
	return id, nil
}

// SaveCES writes a full CES record back to its node. The property SET
// clauses are assembled by CypherBuilder because the attribute map is
// open-ended: its keys come from the upstream pipeline's schema, not from
// this package, so every key is validated and every value parameterized.
func (g *Gateway) SaveCES(ctx context.Context, ces models.CES) error {
	props := map[string]any{
		"s_key":        ces.SKey,
		"commit_id":    ces.CommitID,
		"ce_parent_id": ces.CEParentID,
	}
	for k, v := range ces.Attributes {
		props[k] = v
	}

	b := NewCypherBuilder()
	query, err := b.BuildMergeNode("CES", "id", ces.ID, props)
	if err != nil {
		return cerrors.DatabaseError(err, "failed to build ces update query")
	}

	session := g.client.noDeadlineSession(ctx)
	defer session.Close(ctx)

	if _, err := session.Run(ctx, query, b.Params()); err != nil {
		return cerrors.StoreUnavailable(err, "neo4j")
	}

	// The CE_PARENT edge mirrors ce_parent_id; drop the stale edge before
	// merging the new one so a repaired record never carries both.
	_, err = session.Run(ctx, `
		MATCH (e:CES {id: $cesID})-[r:CE_PARENT]->()
		DELETE r
	`, map[string]any{"cesID": ces.ID})
	if err != nil {
		return cerrors.StoreUnavailable(err, "neo4j")
	}
	if ces.CEParentID == "" {
		return nil
	}

	eb := NewCypherBuilder()
	edgeQuery, err := eb.BuildMergeEdge("CES", "id", ces.ID, "CES", "id", ces.CEParentID, "CE_PARENT", nil)
	if err != nil {
		return cerrors.DatabaseError(err, "failed to build ce_parent edge query")
	}
	if _, err := session.Run(ctx, edgeQuery, eb.Params()); err != nil {
		return cerrors.StoreUnavailable(err, "neo4j")
	}
	return nil
}

// DeleteCES removes a CES node and its incident edges.
func (g *Gateway) DeleteCES(ctx context.Context, cesID string) error {
	session := g.client.noDeadlineSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (e:CES {id: $cesID})
		DETACH DELETE e
		RETURN count(e) AS deleted
	`, map[string]any{"cesID": cesID})
	if err != nil {
		return cerrors.StoreUnavailable(err, "neo4j")
	}
	if !result.Next(ctx) {
		return cerrors.NotFound("ces", cesID)
	}
	// count(e) yields a row even when nothing matched.
	if deleted, _ := result.Record().Get("deleted"); deleted == int64(0) {
		return cerrors.NotFound("ces", cesID)
	}
	return nil
}

// CountCES counts CES nodes reachable from a VCS system's commits.
func (g *Gateway) CountCES(ctx context.Context, vcsSystemID int64) (int64, error) {
	session := g.client.noDeadlineSession(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:Commit {vcs_system_id: $vcsSystemID})-[:HAS_CES]->(e:CES)
		RETURN count(DISTINCT e) AS total
	`, map[string]any{"vcsSystemID": vcsSystemID})
	if err != nil {
		return 0, cerrors.StoreUnavailable(err, "neo4j")
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	v, _ := result.Record().Get("total")
	total, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type for total: %T", v)
	}
	return total, nil
}

// Close logs the scan summary and closes the underlying Neo4j client.
func (g *Gateway) Close(ctx context.Context) error {
	g.monitor.LogSummary()
	return g.client.Close(ctx)
}

func cesFromNode(node neo4j.Node) models.CES {
	props := node.Props
	rec := models.CES{
		Attributes: make(map[string]interface{}),
	}
	for k, v := range props {
		switch k {
		case "id":
			rec.ID, _ = v.(string)
		case "s_key":
			rec.SKey, _ = v.(string)
		case "commit_id":
			rec.CommitID, _ = v.(string)
		case "ce_parent_id":
			rec.CEParentID, _ = v.(string)
		default:
			rec.Attributes[k] = v
		}
	}
	return rec
}
