package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	transactions TransactionRepository
}

func NewService(tx TransactionRepository) *Service {
	return &Service{transactions: tx}
}

func (s *Service) Totals(ctx context.Context, branchID uuid.UUID, from, to time.Time) (Totals, error) {
	if branchID == uuid.Nil {
		return Totals{}, fmt.Errorf("branch_id is required")
	}
	if !from.Before(to) {
		return Totals{}, fmt.Errorf("invalid period: %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return s.transactions.Totals(ctx, branchID, from, to)
}
