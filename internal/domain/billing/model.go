package billing

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "pending"
	TransactionSettled  TransactionStatus = "settled"
	TransactionRefunded TransactionStatus = "refunded"
	TransactionVoided   TransactionStatus = "voided"
)

// Transaction maps to the payment_transaction table. Rows are written by the
// cashier system; the workflow only reads them for dashboard totals.
type Transaction struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	BranchID    uuid.UUID         `db:"branch_id" json:"branchId"`
	VisitID     *uuid.UUID        `db:"visit_id" json:"visitId,omitempty"`
	PatientID   uuid.UUID         `db:"patient_id" json:"patientId"`
	AmountCents int64             `db:"amount_cents" json:"amountCents"`
	Currency    string            `db:"currency" json:"currency"`
	Status      TransactionStatus `db:"status" json:"status"`
	CreatedAt   time.Time         `db:"created_at" json:"createdAt"`
}

// Counts reports whether the transaction contributes to revenue totals.
func (t *Transaction) Counts() bool {
	return t.Status == TransactionSettled
}

// Totals aggregates settled transactions over a period.
type Totals struct {
	Count       int   `json:"count"`
	AmountCents int64 `json:"amountCents"`
}

func (t *Totals) Add(tx *Transaction) {
	if !tx.Counts() {
		return
	}
	t.Count++
	t.AmountCents += tx.AmountCents
}

// Amount returns the total in major currency units.
func (t Totals) Amount() float64 {
	return float64(t.AmountCents) / 100
}
