package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates a value the storage layer rejected.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a uniqueness violation.
var ErrConflict = errors.New("repository: conflict")

// ErrInsufficientFunds indicates a debit would take a balance negative.
// The conditional update guarantees the balance and the transaction log are
// both left untouched.
var ErrInsufficientFunds = errors.New("repository: insufficient funds")

// ErrCapacityExceeded indicates a reservation would oversubscribe a server.
var ErrCapacityExceeded = errors.New("repository: capacity exceeded")
