package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rankwatch/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newFunded(t *testing.T, credits int64) (Service, *MemoryStore, uuid.UUID) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	subject := uuid.New()
	if credits > 0 {
		if _, err := svc.Credit(context.Background(), CreditRequest{
			SubjectID: subject, Amount: credits, Kind: models.CreditKindPurchase, Reason: "seed",
		}); err != nil {
			t.Fatalf("seed credit: %v", err)
		}
	}
	return svc, store, subject
}

func mustBalance(t *testing.T, svc Service, subject uuid.UUID) int64 {
	t.Helper()
	b, err := svc.Balance(context.Background(), subject)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

// ---------------------------------------------------------------------------
// 1. TestTryDebit
// ---------------------------------------------------------------------------

func TestTryDebit(t *testing.T) {
	svc, _, subject := newFunded(t, 5)
	ctx := context.Background()

	txn, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 2, Reason: "track: shoes"})
	if err != nil {
		t.Fatalf("TryDebit: %v", err)
	}
	if txn.Amount != -2 || txn.Kind != models.CreditKindConsume || txn.BalanceAfter != 3 {
		t.Errorf("unexpected transaction: %+v", txn)
	}
	if got := mustBalance(t, svc, subject); got != 3 {
		t.Errorf("balance: got %d, want 3", got)
	}

	// Overdraw is rejected without touching state.
	if _, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 4}); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := mustBalance(t, svc, subject); got != 3 {
		t.Errorf("balance after rejected debit: got %d, want 3", got)
	}
	txns, _ := svc.Transactions(ctx, subject, 10)
	if len(txns) != 2 {
		t.Errorf("transactions: got %d, want 2", len(txns))
	}
}

// ---------------------------------------------------------------------------
// 2. TestTryDebit_EdgeCases
// ---------------------------------------------------------------------------

func TestTryDebit_EdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("zero balance", func(t *testing.T) {
		svc, _, subject := newFunded(t, 0)
		if _, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 1}); !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("exact balance", func(t *testing.T) {
		svc, _, subject := newFunded(t, 1)
		if _, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 1}); err != nil {
			t.Fatalf("TryDebit: %v", err)
		}
		if got := mustBalance(t, svc, subject); got != 0 {
			t.Errorf("balance: got %d, want 0", got)
		}
	})

	t.Run("invalid amount", func(t *testing.T) {
		svc, _, subject := newFunded(t, 5)
		for _, amt := range []int64{0, -3} {
			if _, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: amt}); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("amount %d: got %v", amt, err)
			}
		}
	})

	t.Run("inactive balance", func(t *testing.T) {
		svc, store, subject := newFunded(t, 5)
		store.SetStatus(subject, models.BalanceStatusInactive)
		if _, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 1}); !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("got %v", err)
		}
		if got := mustBalance(t, svc, subject); got != 5 {
			t.Errorf("balance: got %d, want 5", got)
		}
	})
}

// ---------------------------------------------------------------------------
// 3. TestTryDebit_Concurrent: N debits of 1 against balance k
// ---------------------------------------------------------------------------

func TestTryDebit_Concurrent(t *testing.T) {
	cases := []struct{ n, k int }{{2, 1}, {50, 7}, {20, 20}, {10, 0}}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d,k=%d", tc.n, tc.k), func(t *testing.T) {
			svc, _, subject := newFunded(t, int64(tc.k))
			ctx := context.Background()

			var wg sync.WaitGroup
			var mu sync.Mutex
			succeeded := 0
			for i := 0; i < tc.n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 1, Reason: "track: race"})
					if err == nil {
						mu.Lock()
						succeeded++
						mu.Unlock()
					} else if !errors.Is(err, ErrInsufficientCredits) {
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			want := tc.k
			if tc.n < want {
				want = tc.n
			}
			if succeeded != want {
				t.Errorf("successful debits: got %d, want %d", succeeded, want)
			}
			if got := mustBalance(t, svc, subject); got != int64(tc.k-want) {
				t.Errorf("final balance: got %d, want %d", got, tc.k-want)
			}
			if err := svc.Reconcile(ctx, subject); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// 4. TestIdempotency
// ---------------------------------------------------------------------------

func TestIdempotency(t *testing.T) {
	svc, _, subject := newFunded(t, 5)
	ctx := context.Background()
	req := DebitRequest{SubjectID: subject, Amount: 1, Reason: "track: shoes", IdempotencyKey: "debit:attempt-1"}

	first, err := svc.TryDebit(ctx, req)
	if err != nil {
		t.Fatalf("first debit: %v", err)
	}
	second, err := svc.TryDebit(ctx, req)
	if err != nil {
		t.Fatalf("replayed debit: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replay returned a new transaction: %s vs %s", first.ID, second.ID)
	}
	if got := mustBalance(t, svc, subject); got != 4 {
		t.Errorf("balance: got %d, want 4", got)
	}

	// Concurrent replays of a refund key credit exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Credit(ctx, CreditRequest{
				SubjectID: subject, Amount: 1, Kind: models.CreditKindRefund,
				Reason: "refund: failed check", IdempotencyKey: "refund:attempt-1",
			})
		}()
	}
	wg.Wait()
	if got := mustBalance(t, svc, subject); got != 5 {
		t.Errorf("balance after refunds: got %d, want 5", got)
	}

	// Reusing a key for another operation is a conflict.
	_, err = svc.Credit(ctx, CreditRequest{SubjectID: subject, Amount: 1, Kind: models.CreditKindRefund, IdempotencyKey: "debit:attempt-1"})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("expected ErrIdempotencyConflict, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 5. TestCredit
// ---------------------------------------------------------------------------

func TestCredit(t *testing.T) {
	svc, _, _ := newFunded(t, 0)
	ctx := context.Background()
	subject := uuid.New()

	if got := mustBalance(t, svc, subject); got != 0 {
		t.Fatalf("unknown subject balance: got %d, want 0", got)
	}
	txn, err := svc.Credit(ctx, CreditRequest{SubjectID: subject, Amount: 10, Kind: models.CreditKindPurchase, Reason: "pack"})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if txn.Amount != 10 || txn.BalanceAfter != 10 {
		t.Errorf("unexpected transaction: %+v", txn)
	}

	if _, err := svc.Credit(ctx, CreditRequest{SubjectID: subject, Amount: 1, Kind: models.CreditKindConsume}); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("consume credit: got %v", err)
	}
	if _, err := svc.Credit(ctx, CreditRequest{SubjectID: subject, Amount: 0, Kind: models.CreditKindPurchase}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero credit: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 6. TestReconcile
// ---------------------------------------------------------------------------

// driftStore reports a transaction sum that disagrees with the balance.
type driftStore struct {
	*MemoryStore
	offset int64
}

func (d *driftStore) SumTransactions(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	sum, err := d.MemoryStore.SumTransactions(ctx, subjectID)
	return sum + d.offset, err
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	svc, _, subject := newFunded(t, 10)

	ops := []func() error{
		func() error { _, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 3}); return err },
		func() error {
			_, err := svc.Credit(ctx, CreditRequest{SubjectID: subject, Amount: 1, Kind: models.CreditKindRefund})
			return err
		},
		func() error { _, err := svc.TryDebit(ctx, DebitRequest{SubjectID: subject, Amount: 8}); return err },
	}
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		if err := svc.Reconcile(ctx, subject); err != nil {
			t.Fatalf("Reconcile after op %d: %v", i, err)
		}
	}

	txns, err := svc.Transactions(ctx, subject, 10)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txns) != 4 || txns[0].Amount != -8 || txns[0].BalanceAfter != 0 {
		t.Errorf("newest-first order broken: %+v", txns[0])
	}

	drifting := NewService(&driftStore{MemoryStore: NewMemoryStore(), offset: 1}, nil, nil)
	if err := drifting.Reconcile(ctx, subject); !errors.Is(err, ErrLedgerDrift) {
		t.Errorf("expected ErrLedgerDrift, got %v", err)
	}
}
