package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwatch/backend/internal/models"
)

// Catalog is the read side of the keyword/project catalog used by the
// tracking orchestrator and the HTTP handlers.
type Catalog struct {
	Keywords *KeywordRepo
	Projects *ProjectRepo
}

func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{Keywords: NewKeywordRepo(pool), Projects: NewProjectRepo(pool)}
}

func (c *Catalog) ListSchedules(ctx context.Context) ([]models.KeywordSchedule, error) {
	return c.Keywords.ListSchedules(ctx)
}

func (c *Catalog) GetKeyword(ctx context.Context, id uuid.UUID) (*models.Keyword, error) {
	return c.Keywords.GetByID(ctx, id)
}

func (c *Catalog) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return c.Projects.GetByID(ctx, id)
}

func (c *Catalog) IsProjectMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error) {
	return c.Projects.IsMember(ctx, projectID, userID)
}
