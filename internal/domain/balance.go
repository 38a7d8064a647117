package domain

import "time"

// Transaction kinds.
const (
	TransactionCredit = "credit"
	TransactionDebit  = "debit"
)

// Balance is a user's current account balance. It is mutated only through
// ledger credit/debit operations.
type Balance struct {
	UserID    string
	Amount    Cents
	UpdatedAt time.Time
}

// Transaction is one immutable entry in the append-only balance log.
type Transaction struct {
	ID          string
	UserID      string
	Kind        string
	Amount      Cents
	Description string
	Reference   *string
	CreatedAt   time.Time
}

// Signed returns the amount with debit entries negated, so that summing
// Signed over a user's transactions reproduces the balance.
func (t Transaction) Signed() Cents {
	if t.Kind == TransactionDebit {
		return -t.Amount
	}
	return t.Amount
}
