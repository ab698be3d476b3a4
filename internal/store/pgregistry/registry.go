package pgregistry

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/models"
)

// Registry implements store.Registry against the control-plane tables:
//
//	projects(id, name)
//	vcs_systems(id, project_id, url)
type Registry struct {
	client *Client
}

// NewRegistry wraps a connected Client as a store.Registry.
func NewRegistry(client *Client) *Registry {
	return &Registry{client: client}
}

// ResolveProject looks up a project by name and every VCS system registered
// under it. A missing project is reported as cerrors.ProjectMissing so
// callers can treat it as a fatal, non-retryable condition.
func (r *Registry) ResolveProject(ctx context.Context, projectName string) (*models.Project, []models.VCSSystem, error) {
	var project models.Project
	err := r.client.pool.QueryRow(ctx,
		`SELECT id, name FROM projects WHERE name = $1`, projectName,
	).Scan(&project.ID, &project.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, cerrors.ProjectMissing(projectName)
	}
	if err != nil {
		return nil, nil, cerrors.StoreUnavailable(err, "postgres")
	}

	rows, err := r.client.pool.Query(ctx,
		`SELECT id, project_id, url FROM vcs_systems WHERE project_id = $1 ORDER BY id`, project.ID)
	if err != nil {
		return nil, nil, cerrors.StoreUnavailable(err, "postgres")
	}
	defer rows.Close()

	var systems []models.VCSSystem
	for rows.Next() {
		var vcs models.VCSSystem
		if err := rows.Scan(&vcs.ID, &vcs.ProjectID, &vcs.URL); err != nil {
			return nil, nil, cerrors.StoreUnavailable(err, "postgres")
		}
		systems = append(systems, vcs)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, cerrors.StoreUnavailable(err, "postgres")
	}

	return &project, systems, nil
}

// Close closes the underlying client.
func (r *Registry) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}
