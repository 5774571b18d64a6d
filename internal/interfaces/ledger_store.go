package interfaces

import (
	"context"
	"errors"

	"github.com/settleq/settleq/internal/models"
	"github.com/shopspring/decimal"
)

// ErrAccountNotFound is returned by account lookups, locked or not, when the
// id does not resolve to an account.
var ErrAccountNotFound = errors.New("account not found")

// LedgerStore is the storage boundary for accounts and transactions. Account
// balances are only mutated through a SettlementTx; everything else is
// read-only or append-only.
type LedgerStore interface {
	Account(ctx context.Context, id string) (models.Account, error)
	CreateAccount(ctx context.Context, account models.Account) error
	TransactionsByAccount(ctx context.Context, accountID string) ([]models.Transaction, error)

	// Begin opens a settlement transaction. The caller must finish it with
	// Commit or Rollback; Rollback after Commit is a no-op.
	Begin(ctx context.Context) (SettlementTx, error)
}

// SettlementTx is a single atomic settlement: row locks are held from the
// first AccountForUpdate until Commit or Rollback, and the balance updates
// plus the transaction insert become visible together or not at all.
//
// Callers must acquire locks in ascending account-id order; the store does
// not reorder acquisitions.
type SettlementTx interface {
	// AccountForUpdate reads an account under an exclusive row lock.
	AccountForUpdate(ctx context.Context, id string) (models.Account, error)
	UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, tx models.Transaction) error

	// AlreadySettled reports whether a committed transaction exists for the
	// idempotency key. Only meaningful once the account locks are held.
	AlreadySettled(ctx context.Context, idempotencyKey string) (bool, error)

	Commit() error
	Rollback() error
}
