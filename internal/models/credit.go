package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction kinds.
const (
	CreditKindPurchase = "purchase"
	CreditKindConsume  = "consume"
	CreditKindRefund   = "refund"
)

// Balance status values. Inactive balances reject debits but still accept credits.
const (
	BalanceStatusActive   = "active"
	BalanceStatusInactive = "inactive"
)

type CreditBalance struct {
	SubjectID uuid.UUID `json:"subject_id"`
	Credits   int64     `json:"credits"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one append-only ledger row. Amount is signed:
// consume rows are negative, purchase and refund rows positive.
type CreditTransaction struct {
	ID             uuid.UUID `json:"id"`
	SubjectID      uuid.UUID `json:"subject_id"`
	Amount         int64     `json:"amount"`
	Kind           string    `json:"kind"`
	Reason         string    `json:"reason"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}
