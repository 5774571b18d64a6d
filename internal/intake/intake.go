package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/settleq/settleq/internal/interfaces"
	"github.com/settleq/settleq/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount rejects zero and negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrUnauthorized rejects transfers out of an account the principal does not own.
	ErrUnauthorized = errors.New("account does not belong to authenticated principal")
	// ErrSameAccount rejects transfers where source and destination are the same account.
	ErrSameAccount = errors.New("source and destination accounts are the same")
	// ErrInsufficientFunds rejects transfers the currently observed balance cannot cover.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrQueueUnavailable means the transfer was NOT queued; distinct from all
	// validation errors so callers can retry.
	ErrQueueUnavailable = errors.New("unable to queue transfer")
)

// Service accepts transfer requests: cheap validation, an advisory balance
// check, then a durable enqueue. It never touches a balance and never holds
// a lock; the authoritative check happens in the settlement worker.
type Service struct {
	store interfaces.LedgerStore
	queue interfaces.TransferQueue
	log   *slog.Logger
}

func NewService(store interfaces.LedgerStore, queue interfaces.TransferQueue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: store,
		queue: queue,
		log:   logger,
	}
}

// Submit validates the request and enqueues a transfer intent. The returned
// transaction id only means "accepted": the caller observes QUEUED, never the
// settlement outcome.
//
// The balance check here is advisory. It cuts wasted queue traffic, but the
// balance can change before settlement runs, so the worker re-checks under
// lock and that check wins.
func (s *Service) Submit(ctx context.Context, principal, fromAccountID, toAccountID string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	if amount.Cmp(decimal.Zero) <= 0 {
		return "", ErrInvalidAmount
	}

	from, err := s.store.Account(ctx, fromAccountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			return "", fmt.Errorf("source account %s: %w", fromAccountID, err)
		}
		return "", fmt.Errorf("look up source account: %w", err)
	}

	if _, err := s.store.Account(ctx, toAccountID); err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			return "", fmt.Errorf("destination account %s: %w", toAccountID, err)
		}
		return "", fmt.Errorf("look up destination account: %w", err)
	}

	if from.Owner != principal {
		return "", ErrUnauthorized
	}

	if fromAccountID == toAccountID {
		return "", ErrSameAccount
	}

	if from.Balance.LessThan(amount) {
		s.log.Warn("transfer rejected on advisory balance check",
			"fromAccountId", fromAccountID,
			"balance", from.Balance,
			"attempted", amount,
		)
		return "", ErrInsufficientFunds
	}

	intent := models.TransferIntent{
		TransactionID:  uuid.New().String(),
		FromAccountID:  fromAccountID,
		ToAccountID:    toAccountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		EnqueuedAt:     time.Now().UTC(),
	}

	if err := s.queue.Enqueue(ctx, intent); err != nil {
		s.log.Error("queue push failed",
			"transactionId", intent.TransactionID,
			"error", err,
		)
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.log.Info("transfer request queued",
		"transactionId", intent.TransactionID,
		"fromAccountId", fromAccountID,
		"toAccountId", toAccountID,
		"amount", amount,
	)

	return intent.TransactionID, nil
}
