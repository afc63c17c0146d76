package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockTransactionRepo struct {
	items []*Transaction
}

func (m *mockTransactionRepo) Totals(_ context.Context, branchID uuid.UUID, from, to time.Time) (Totals, error) {
	var t Totals
	for _, tx := range m.items {
		if tx.BranchID == branchID && !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
			t.Add(tx)
		}
	}
	return t, nil
}

func TestService_Totals(t *testing.T) {
	branch := uuid.New()
	now := time.Now()
	repo := &mockTransactionRepo{items: []*Transaction{
		{BranchID: branch, AmountCents: 1000, Status: TransactionSettled, CreatedAt: now},
		{BranchID: branch, AmountCents: 2000, Status: TransactionSettled, CreatedAt: now.Add(-48 * time.Hour)},
		{BranchID: uuid.New(), AmountCents: 4000, Status: TransactionSettled, CreatedAt: now},
	}}
	svc := NewService(repo)

	got, err := svc.Totals(context.Background(), branch, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Count != 1 || got.AmountCents != 1000 {
		t.Errorf("unexpected totals: %+v", got)
	}
}

func TestService_Totals_Validation(t *testing.T) {
	svc := NewService(&mockTransactionRepo{})
	now := time.Now()

	if _, err := svc.Totals(context.Background(), uuid.Nil, now, now.Add(time.Hour)); err == nil {
		t.Error("expected error for missing branch")
	}
	if _, err := svc.Totals(context.Background(), uuid.New(), now, now); err == nil {
		t.Error("expected error for empty period")
	}
}
