package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rankwatch/backend/internal/metrics"
	"github.com/rankwatch/backend/internal/models"
)

var (
	// ErrInsufficientCredits is returned when a debit would overdraw the
	// balance, or the balance is missing or inactive. Nothing was written.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInvalidKind is returned when a credit is neither a purchase nor a refund.
	ErrInvalidKind = errors.New("ledger: invalid credit kind")
	// ErrIdempotencyConflict is returned when a key is reused for a different operation.
	ErrIdempotencyConflict = errors.New("ledger: idempotency key reused for a different operation")
	// ErrLedgerDrift is returned by Reconcile when transactions do not sum to the balance.
	ErrLedgerDrift = errors.New("ledger: balance does not match transaction history")
)

// Store persists balances and transactions. Debit and Credit must change the
// balance and append the transaction atomically, and must return the stored
// transaction unchanged when the idempotency key was already used.
type Store interface {
	Debit(ctx context.Context, subjectID uuid.UUID, amount int64, reason string, key *string) (*models.CreditTransaction, error)
	Credit(ctx context.Context, subjectID uuid.UUID, amount int64, kind, reason string, key *string) (*models.CreditTransaction, error)
	// GetBalance returns nil without error when the subject has no balance row.
	GetBalance(ctx context.Context, subjectID uuid.UUID) (*models.CreditBalance, error)
	ListTransactions(ctx context.Context, subjectID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	SumTransactions(ctx context.Context, subjectID uuid.UUID) (int64, error)
}

type DebitRequest struct {
	SubjectID      uuid.UUID
	Amount         int64
	Reason         string
	IdempotencyKey string
}

type CreditRequest struct {
	SubjectID      uuid.UUID
	Amount         int64
	Kind           string
	Reason         string
	IdempotencyKey string
}

type Service interface {
	TryDebit(ctx context.Context, req DebitRequest) (*models.CreditTransaction, error)
	Credit(ctx context.Context, req CreditRequest) (*models.CreditTransaction, error)
	Balance(ctx context.Context, subjectID uuid.UUID) (int64, error)
	Transactions(ctx context.Context, subjectID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	Reconcile(ctx context.Context, subjectID uuid.UUID) error
}

type service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService returns a ledger service. m may be nil.
func NewService(store Store, logger *slog.Logger, m *metrics.Metrics) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{store: store, logger: logger, metrics: m}
}

var _ Service = (*service)(nil)

func (s *service) TryDebit(ctx context.Context, req DebitRequest) (*models.CreditTransaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	txn, err := s.store.Debit(ctx, req.SubjectID, req.Amount, req.Reason, keyPtr(req.IdempotencyKey))
	s.metrics.ObserveLedger("debit", resultLabel(err))
	if err != nil {
		if !errors.Is(err, ErrInsufficientCredits) {
			s.logger.Error("ledger debit failed", "subject_id", req.SubjectID, "amount", req.Amount, "error", err)
		}
		return nil, err
	}
	return txn, nil
}

func (s *service) Credit(ctx context.Context, req CreditRequest) (*models.CreditTransaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Kind != models.CreditKindPurchase && req.Kind != models.CreditKindRefund {
		return nil, ErrInvalidKind
	}
	txn, err := s.store.Credit(ctx, req.SubjectID, req.Amount, req.Kind, req.Reason, keyPtr(req.IdempotencyKey))
	s.metrics.ObserveLedger(req.Kind, resultLabel(err))
	if err != nil {
		s.logger.Error("ledger credit failed", "subject_id", req.SubjectID, "kind", req.Kind, "amount", req.Amount, "error", err)
		return nil, err
	}
	return txn, nil
}

func (s *service) Balance(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	b, err := s.store.GetBalance(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	return b.Credits, nil
}

func (s *service) Transactions(ctx context.Context, subjectID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, subjectID, limit)
}

// Reconcile checks that the subject's transactions sum to its balance.
func (s *service) Reconcile(ctx context.Context, subjectID uuid.UUID) error {
	balance, err := s.Balance(ctx, subjectID)
	if err != nil {
		return err
	}
	sum, err := s.store.SumTransactions(ctx, subjectID)
	if err != nil {
		return err
	}
	if sum != balance {
		s.logger.Error("ledger drift detected", "subject_id", subjectID, "balance", balance, "transactions_sum", sum)
		return fmt.Errorf("%w: subject %s balance %d, transactions sum %d", ErrLedgerDrift, subjectID, balance, sum)
	}
	return nil
}

func keyPtr(k string) *string {
	if k == "" {
		return nil
	}
	return &k
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	default:
		return "error"
	}
}

// checkReplay returns the stored transaction for a reused key, provided the
// key was used for the same subject and kind.
func checkReplay(existing *models.CreditTransaction, subjectID uuid.UUID, kind string) (*models.CreditTransaction, error) {
	if existing.SubjectID != subjectID || existing.Kind != kind {
		return nil, ErrIdempotencyConflict
	}
	return existing, nil
}
