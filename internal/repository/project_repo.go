package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwatch/backend/internal/models"
)

type ProjectRepo struct {
	pool *pgxpool.Pool
}

func NewProjectRepo(pool *pgxpool.Pool) *ProjectRepo {
	return &ProjectRepo{pool: pool}
}

func (r *ProjectRepo) Create(ctx context.Context, p *models.Project) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO projects (id, owner_id, name, root_domain, subdomain)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING created_at
	`, p.ID, p.OwnerID, p.Name, p.RootDomain, p.Subdomain).Scan(&p.CreatedAt)
}

func (r *ProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, root_domain, COALESCE(subdomain, ''), created_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.OwnerID, &p.Name, &p.RootDomain, &p.Subdomain, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// AddMember grants userID access to the project. Adding an existing member is
// a no-op.
func (r *ProjectRepo) AddMember(ctx context.Context, projectID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO project_members (project_id, user_id) VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID)
	return err
}

func (r *ProjectRepo) IsMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)
	`, projectID, userID).Scan(&ok)
	return ok, err
}
