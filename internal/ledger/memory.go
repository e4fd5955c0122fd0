package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rankwatch/backend/internal/models"
)

// MemoryStore is a Store backed by process memory. A single mutex makes every
// debit and credit atomic.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]*models.CreditBalance
	txns     []*models.CreditTransaction
	byKey    map[string]*models.CreditTransaction
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[uuid.UUID]*models.CreditBalance),
		byKey:    make(map[string]*models.CreditTransaction),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// SetStatus creates or updates the subject's balance status.
func (m *MemoryStore) SetStatus(subjectID uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceLocked(subjectID).Status = status
}

func (m *MemoryStore) Debit(_ context.Context, subjectID uuid.UUID, amount int64, reason string, key *string) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != nil {
		if existing, ok := m.byKey[*key]; ok {
			cp := *existing
			return checkReplay(&cp, subjectID, models.CreditKindConsume)
		}
	}
	b, ok := m.balances[subjectID]
	if !ok || b.Status != models.BalanceStatusActive || b.Credits < amount {
		return nil, ErrInsufficientCredits
	}
	b.Credits -= amount
	b.UpdatedAt = m.now()
	return m.appendLocked(subjectID, -amount, models.CreditKindConsume, reason, key, b.Credits), nil
}

func (m *MemoryStore) Credit(_ context.Context, subjectID uuid.UUID, amount int64, kind, reason string, key *string) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != nil {
		if existing, ok := m.byKey[*key]; ok {
			cp := *existing
			return checkReplay(&cp, subjectID, kind)
		}
	}
	b := m.balanceLocked(subjectID)
	b.Credits += amount
	b.UpdatedAt = m.now()
	return m.appendLocked(subjectID, amount, kind, reason, key, b.Credits), nil
}

func (m *MemoryStore) GetBalance(_ context.Context, subjectID uuid.UUID) (*models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[subjectID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, subjectID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CreditTransaction
	for i := len(m.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txns[i].SubjectID == subjectID {
			cp := *m.txns[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SumTransactions(_ context.Context, subjectID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.txns {
		if t.SubjectID == subjectID {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) balanceLocked(subjectID uuid.UUID) *models.CreditBalance {
	b, ok := m.balances[subjectID]
	if !ok {
		b = &models.CreditBalance{SubjectID: subjectID, Status: models.BalanceStatusActive, UpdatedAt: m.now()}
		m.balances[subjectID] = b
	}
	return b
}

func (m *MemoryStore) appendLocked(subjectID uuid.UUID, amount int64, kind, reason string, key *string, balanceAfter int64) *models.CreditTransaction {
	t := &models.CreditTransaction{
		ID:             uuid.New(),
		SubjectID:      subjectID,
		Amount:         amount,
		Kind:           kind,
		Reason:         reason,
		IdempotencyKey: key,
		BalanceAfter:   balanceAfter,
		CreatedAt:      m.now(),
	}
	m.txns = append(m.txns, t)
	if key != nil {
		m.byKey[*key] = t
	}
	cp := *t
	return &cp
}
