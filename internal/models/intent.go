package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferIntent is the queue payload for a requested-but-not-yet-settled
// transfer. It is transient: created by intake, consumed by the settlement
// worker, then discarded. Delivery is at-least-once, so the idempotency key
// bounds duplicate effects on redelivery.
type TransferIntent struct {
	TransactionID  string          `json:"transactionId"`
	FromAccountID  string          `json:"fromAccountId"`
	ToAccountID    string          `json:"toAccountId"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
}
