package models

import "github.com/shopspring/decimal"

// Account holds the authoritative balance for a single ledger account.
// The balance is only ever mutated inside a settlement transaction that
// holds an exclusive lock on the row.
type Account struct {
	ID      string
	Owner   string
	Balance decimal.Decimal
}
