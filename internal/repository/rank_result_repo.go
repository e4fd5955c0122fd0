package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwatch/backend/internal/models"
)

type RankResultRepo struct {
	pool *pgxpool.Pool
}

func NewRankResultRepo(pool *pgxpool.Pool) *RankResultRepo {
	return &RankResultRepo{pool: pool}
}

func (r *RankResultRepo) Create(ctx context.Context, res *models.RankCheckResult) error {
	snapshot := res.Snapshot
	if snapshot == nil {
		snapshot = []models.SerpEntry{}
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode serp snapshot: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO rank_results (id, keyword_id, position, url, title, snippet, serp_results, credits_charged, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, res.ID, res.KeywordID, res.Position, res.URL, res.Title, res.Snippet, raw, res.CreditsCharged, res.CheckedAt)
	return err
}

// ListByKeyword returns the newest results first.
func (r *RankResultRepo) ListByKeyword(ctx context.Context, keywordID uuid.UUID, limit int) ([]*models.RankCheckResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, keyword_id, position, url, title, snippet, serp_results, credits_charged, checked_at
		FROM rank_results WHERE keyword_id = $1
		ORDER BY checked_at DESC
		LIMIT $2
	`, keywordID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.RankCheckResult
	for rows.Next() {
		var res models.RankCheckResult
		var raw []byte
		if err := rows.Scan(&res.ID, &res.KeywordID, &res.Position, &res.URL, &res.Title, &res.Snippet, &raw, &res.CreditsCharged, &res.CheckedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &res.Snapshot); err != nil {
			return nil, fmt.Errorf("decode serp snapshot %s: %w", res.ID, err)
		}
		list = append(list, &res)
	}
	return list, rows.Err()
}

// DeleteOlderThan removes results checked before cutoff and reports how many went.
func (r *RankResultRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rank_results WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
