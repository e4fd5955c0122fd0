package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwatch/backend/internal/models"
)

// Repository is the PostgreSQL Store. Balance checks happen inside the
// conditional UPDATE so concurrent debits can never overdraw.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const txColumns = `id, subject_id, amount, kind, reason, idempotency_key, balance_after, created_at`

func (r *Repository) Debit(ctx context.Context, subjectID uuid.UUID, amount int64, reason string, key *string) (*models.CreditTransaction, error) {
	if existing, err := r.replay(ctx, key, subjectID, models.CreditKindConsume); existing != nil || err != nil {
		return existing, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balanceAfter int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_balances
		SET credits = credits - $1, updated_at = now()
		WHERE subject_id = $2 AND status = 'active' AND credits >= $1
		RETURNING credits
	`, amount, subjectID).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientCredits
	}
	if err != nil {
		return nil, err
	}

	entry := newEntry(subjectID, -amount, models.CreditKindConsume, reason, key, balanceAfter)
	return r.finish(ctx, tx, entry)
}

func (r *Repository) Credit(ctx context.Context, subjectID uuid.UUID, amount int64, kind, reason string, key *string) (*models.CreditTransaction, error) {
	if existing, err := r.replay(ctx, key, subjectID, kind); existing != nil || err != nil {
		return existing, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balanceAfter int64
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_balances (subject_id, credits, status)
		VALUES ($1, $2, 'active')
		ON CONFLICT (subject_id) DO UPDATE
		SET credits = credit_balances.credits + EXCLUDED.credits, updated_at = now()
		RETURNING credits
	`, subjectID, amount).Scan(&balanceAfter)
	if err != nil {
		return nil, err
	}

	entry := newEntry(subjectID, amount, kind, reason, key, balanceAfter)
	return r.finish(ctx, tx, entry)
}

func (r *Repository) GetBalance(ctx context.Context, subjectID uuid.UUID) (*models.CreditBalance, error) {
	var b models.CreditBalance
	err := r.pool.QueryRow(ctx, `
		SELECT subject_id, credits, status, updated_at FROM credit_balances WHERE subject_id = $1
	`, subjectID).Scan(&b.SubjectID, &b.Credits, &b.Status, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) ListTransactions(ctx context.Context, subjectID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM credit_transactions WHERE subject_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.SubjectID, &t.Amount, &t.Kind, &t.Reason, &t.IdempotencyKey, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

func (r *Repository) SumTransactions(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint FROM credit_transactions WHERE subject_id = $1
	`, subjectID).Scan(&sum)
	return sum, err
}

// replay returns the stored transaction when key was already used.
func (r *Repository) replay(ctx context.Context, key *string, subjectID uuid.UUID, kind string) (*models.CreditTransaction, error) {
	if key == nil {
		return nil, nil
	}
	existing, err := findByKey(ctx, r.pool, *key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return checkReplay(existing, subjectID, kind)
}

// finish appends the ledger row and commits. A concurrent writer that won the
// race on the same idempotency key rolls this attempt back and its row is
// returned instead.
func (r *Repository) finish(ctx context.Context, tx pgx.Tx, entry *models.CreditTransaction) (*models.CreditTransaction, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, subject_id, amount, kind, reason, idempotency_key, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, entry.ID, entry.SubjectID, entry.Amount, entry.Kind, entry.Reason, entry.IdempotencyKey, entry.BalanceAfter).Scan(&entry.CreatedAt)
	if err != nil {
		if entry.IdempotencyKey != nil && isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			existing, ferr := findByKey(ctx, r.pool, *entry.IdempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			return checkReplay(existing, entry.SubjectID, entry.Kind)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func findByKey(ctx context.Context, q querier, key string) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := q.QueryRow(ctx, `
		SELECT `+txColumns+` FROM credit_transactions WHERE idempotency_key = $1
	`, key).Scan(&t.ID, &t.SubjectID, &t.Amount, &t.Kind, &t.Reason, &t.IdempotencyKey, &t.BalanceAfter, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func newEntry(subjectID uuid.UUID, amount int64, kind, reason string, key *string, balanceAfter int64) *models.CreditTransaction {
	return &models.CreditTransaction{
		ID:             uuid.New(),
		SubjectID:      subjectID,
		Amount:         amount,
		Kind:           kind,
		Reason:         reason,
		IdempotencyKey: key,
		BalanceAfter:   balanceAfter,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
