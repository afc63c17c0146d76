package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

func (r *transactionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *transactionRepoPG) Totals(ctx context.Context, branchID uuid.UUID, from, to time.Time) (Totals, error) {
	var t Totals
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_cents), 0)
		FROM payment_transaction
		WHERE branch_id = $1 AND status = $2 AND created_at >= $3 AND created_at < $4`,
		branchID, string(TransactionSettled), from, to).Scan(&t.Count, &t.AmountCents)
	if err != nil {
		return Totals{}, fmt.Errorf("sum transactions: %w", err)
	}
	return t, nil
}
