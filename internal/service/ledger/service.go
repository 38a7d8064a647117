package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

// Errors surfaced to callers.
var (
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAmountOutOfBounds = errors.New("ledger: amount outside permitted bounds")
)

// TransactionPublisher receives every committed ledger entry together with
// the balance it produced. Implementations must not block.
type TransactionPublisher interface {
	PublishTransaction(tx domain.Transaction, balance domain.Cents)
}

// Service owns balance mutation. No other component writes balances or
// transaction rows.
type Service struct {
	balances repository.BalanceRepository
	events   TransactionPublisher
	logger   *slog.Logger

	topUpMin domain.Cents
	topUpMax domain.Cents
}

// New returns a ledger service. Top-up bounds default to $1–$1000 when unset;
// events may be nil.
func New(balances repository.BalanceRepository, events TransactionPublisher, logger *slog.Logger, topUpMin, topUpMax domain.Cents) Service {
	if topUpMin <= 0 {
		topUpMin = 100
	}
	if topUpMax <= 0 {
		topUpMax = 100_000
	}
	return Service{
		balances: balances,
		events:   events,
		logger:   logger.With("component", "ledger"),
		topUpMin: topUpMin,
		topUpMax: topUpMax,
	}
}

// GetBalance returns the user's current balance.
func (s Service) GetBalance(ctx context.Context, userID string) (domain.Cents, error) {
	balance, err := s.balances.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return balance.Amount, nil
}

// CanAfford reports whether the user's balance covers the amount. A user with
// no balance row affords nothing.
func (s Service) CanAfford(ctx context.Context, userID string, amount domain.Cents) (bool, error) {
	balance, err := s.balances.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return amount <= 0, nil
		}
		return false, err
	}
	return balance.Amount >= amount, nil
}

// Credit atomically increases the user's balance and appends a credit entry.
func (s Service) Credit(ctx context.Context, userID string, amount domain.Cents, description string, reference *string) (domain.Cents, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	tx := &domain.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        domain.TransactionCredit,
		Amount:      amount,
		Description: description,
		Reference:   reference,
	}
	balance, err := s.balances.Credit(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", userID, err)
	}
	s.logger.Info("balance credited", "user_id", userID, "amount", amount.String(), "balance", balance.String())
	if s.events != nil {
		s.events.PublishTransaction(*tx, balance)
	}
	return balance, nil
}

// Debit atomically decreases the user's balance and appends a debit entry.
// An insufficient balance leaves both the balance and the log unchanged.
func (s Service) Debit(ctx context.Context, userID string, amount domain.Cents, description string, reference *string) (domain.Cents, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	tx := &domain.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        domain.TransactionDebit,
		Amount:      amount,
		Description: description,
		Reference:   reference,
	}
	balance, err := s.balances.Debit(ctx, tx)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) || errors.Is(err, repository.ErrNotFound) {
			return 0, ErrInsufficientFunds
		}
		return 0, fmt.Errorf("debit %s: %w", userID, err)
	}
	if s.events != nil {
		s.events.PublishTransaction(*tx, balance)
	}
	return balance, nil
}

// TopUp credits a user-initiated payment, enforcing the boundary amount
// bounds.
func (s Service) TopUp(ctx context.Context, userID string, amount domain.Cents) (domain.Cents, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if amount < s.topUpMin || amount > s.topUpMax {
		return 0, ErrAmountOutOfBounds
	}
	return s.Credit(ctx, userID, amount, "balance top-up", nil)
}

// ListTransactions returns a page of the user's transaction log.
func (s Service) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	return s.balances.ListTransactions(ctx, userID, limit, offset)
}
