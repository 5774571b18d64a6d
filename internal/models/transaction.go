package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusCompleted is the only status a committed settlement produces.
// Failed settlements never write a record.
const StatusCompleted = "COMPLETED"

// Transaction is the immutable record of a committed settlement. It is
// written in the same transaction as both balance mutations and never
// updated or deleted afterwards.
type Transaction struct {
	ID             string
	FromAccount    string
	ToAccount      string
	Amount         decimal.Decimal
	Status         string
	IdempotencyKey string
	CreatedAt      time.Time
}
