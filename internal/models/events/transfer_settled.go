package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferSettled is published after a settlement commits. It is the only
// downstream notification of a settlement outcome; the accepting caller is
// never notified synchronously.
type TransferSettled struct {
	TransactionID string          `json:"transaction_id"`
	FromAccount   string          `json:"from_account"`
	ToAccount     string          `json:"to_account"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
