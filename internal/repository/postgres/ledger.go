package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

// GetBalance fetches a user's current balance.
func (r *Repository) GetBalance(ctx context.Context, userID string) (*domain.Balance, error) {
	const query = `SELECT user_id, amount_cents, updated_at FROM user_balances WHERE user_id = $1`
	row := r.pool.QueryRow(ctx, query, userID)
	var b domain.Balance
	if err := row.Scan(&b.UserID, &b.Amount, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Credit atomically increases a balance and appends the credit entry. The
// balance row is created on first credit.
func (r *Repository) Credit(ctx context.Context, tx *domain.Transaction) (domain.Cents, error) {
	if tx == nil {
		return 0, fmt.Errorf("transaction required")
	}
	dbTx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback(ctx)

	const upsert = `INSERT INTO user_balances (user_id, amount_cents, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			amount_cents = user_balances.amount_cents + EXCLUDED.amount_cents,
			updated_at = NOW()
		RETURNING amount_cents`
	var balance domain.Cents
	if err := dbTx.QueryRow(ctx, upsert, tx.UserID, tx.Amount).Scan(&balance); err != nil {
		return 0, err
	}
	if err := appendTransaction(ctx, dbTx, tx); err != nil {
		return 0, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// Debit atomically decreases a balance and appends the debit entry. The
// conditional update leaves both the balance and the log untouched when the
// balance cannot cover the amount.
func (r *Repository) Debit(ctx context.Context, tx *domain.Transaction) (domain.Cents, error) {
	if tx == nil {
		return 0, fmt.Errorf("transaction required")
	}
	dbTx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback(ctx)

	const update = `UPDATE user_balances
		SET amount_cents = amount_cents - $2, updated_at = NOW()
		WHERE user_id = $1 AND amount_cents >= $2
		RETURNING amount_cents`
	var balance domain.Cents
	if err := dbTx.QueryRow(ctx, update, tx.UserID, tx.Amount).Scan(&balance); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, err
		}
		var exists bool
		if err := dbTx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_balances WHERE user_id = $1)`, tx.UserID).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, repository.ErrNotFound
		}
		return 0, repository.ErrInsufficientFunds
	}
	if err := appendTransaction(ctx, dbTx, tx); err != nil {
		return 0, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

func appendTransaction(ctx context.Context, dbTx pgx.Tx, tx *domain.Transaction) error {
	const insert = `INSERT INTO balance_transactions (id, user_id, kind, amount_cents, description, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at`
	return dbTx.QueryRow(ctx, insert,
		tx.ID,
		tx.UserID,
		tx.Kind,
		tx.Amount,
		tx.Description,
		stringPtrToNil(tx.Reference),
	).Scan(&tx.CreatedAt)
}

// ListTransactions returns a user's transaction log, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, user_id, kind, amount_cents, description, reference, created_at
		FROM balance_transactions WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0)
	for rows.Next() {
		var (
			t         domain.Transaction
			reference sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Description, &reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		if reference.Valid {
			value := reference.String
			t.Reference = &value
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}
