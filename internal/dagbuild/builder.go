package dagbuild

import (
	"context"
	"log/slog"

	"github.com/srknzl/ces-compact/internal/store"
)

// Builder constructs the commit graph from the store.
type Builder struct {
	gateway store.Gateway
	logger  *slog.Logger
}

// NewBuilder creates a graph builder over a store gateway.
func NewBuilder(gateway store.Gateway) *Builder {
	return &Builder{
		gateway: gateway,
		logger:  slog.Default().With("component", "dagbuild"),
	}
}

// Build streams the VCS system's commits twice: the first pass adds every
// commit as a vertex and indexes its revision hash, the second resolves each
// parent hash and adds the edge. A parent hash that resolves to no known
// commit is logged and dropped; the child vertex stays.
func (b *Builder) Build(ctx context.Context, vcsSystemID int64) (*Graph, error) {
	graph := NewGraph(1024)
	byHash := make(map[string]string)

	commits, errc := b.gateway.StreamCommits(ctx, vcsSystemID)
	for c := range commits {
		graph.AddNode(c.ID, c.RevisionHash)
		if c.RevisionHash != "" {
			byHash[c.RevisionHash] = c.ID
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}

	dropped := 0
	commits, errc = b.gateway.StreamCommits(ctx, vcsSystemID)
	for c := range commits {
		for _, parentHash := range c.ParentHashes {
			parentID, ok := byHash[parentHash]
			if !ok {
				dropped++
				b.logger.Warn("parent hash does not resolve, dropping edge",
					"commit_id", c.ID,
					"parent_hash", parentHash)
				continue
			}
			graph.AddEdge(parentID, c.ID)
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}

	b.logger.Info("commit graph built",
		"vcs_system_id", vcsSystemID,
		"nodes", graph.NumNodes(),
		"edges", graph.NumEdges(),
		"dropped_edges", dropped)
	return graph, nil
}
