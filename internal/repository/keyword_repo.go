package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwatch/backend/internal/models"
)

type KeywordRepo struct {
	pool *pgxpool.Pool
}

func NewKeywordRepo(pool *pgxpool.Pool) *KeywordRepo {
	return &KeywordRepo{pool: pool}
}

func (r *KeywordRepo) Create(ctx context.Context, k *models.Keyword) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO keywords (id, project_id, term, country_code, language, tracking_interval_hours, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, k.ID, k.ProjectID, k.Term, k.CountryCode, k.Language, k.IntervalHours, k.IsActive).Scan(&k.CreatedAt)
}

func (r *KeywordRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Keyword, error) {
	var k models.Keyword
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, term, country_code, language,
		       COALESCE(NULLIF(tracking_interval_hours, 0), $2), is_active, created_at
		FROM keywords WHERE id = $1
	`, id, models.DefaultIntervalHours).Scan(&k.ID, &k.ProjectID, &k.Term, &k.CountryCode, &k.Language, &k.IntervalHours, &k.IsActive, &k.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// ListSchedules returns the scheduling view of every active keyword. The
// last-checked time comes from the newest rank result of each keyword.
func (r *KeywordRepo) ListSchedules(ctx context.Context) ([]models.KeywordSchedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT k.id, COALESCE(NULLIF(k.tracking_interval_hours, 0), $1), k.is_active, latest.checked_at
		FROM keywords k
		LEFT JOIN LATERAL (
			SELECT checked_at FROM rank_results
			WHERE keyword_id = k.id
			ORDER BY checked_at DESC
			LIMIT 1
		) latest ON TRUE
		WHERE k.is_active
		ORDER BY k.created_at, k.id
	`, models.DefaultIntervalHours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.KeywordSchedule
	for rows.Next() {
		var s models.KeywordSchedule
		if err := rows.Scan(&s.KeywordID, &s.IntervalHours, &s.IsActive, &s.LastCheckedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
