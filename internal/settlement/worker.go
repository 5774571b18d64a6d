package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	interfaces "github.com/settleq/settleq/internal/interfaces"
	"github.com/settleq/settleq/internal/models"
	"github.com/settleq/settleq/internal/models/events"
)

var (
	// ErrAccountMissing means an account vanished between intake and settlement.
	ErrAccountMissing = errors.New("account missing at settlement")
	// ErrInsufficientFunds is the authoritative rejection: the source balance,
	// re-read under lock, no longer covers the amount.
	ErrInsufficientFunds = errors.New("insufficient funds at settlement")
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
)

// Worker is the authoritative state-transition engine. It pulls intents off
// the queue and settles them one at a time: lock both account rows in
// ascending id order, re-check the balance, mutate both balances and insert
// the transaction record as one atomic commit.
//
// Business-rule failures are terminal: the intent is discarded with a log,
// no record is written. Infrastructure failures retry up to MaxAttempts and
// then dead-letter. An intent is only acked once it is committed, rejected,
// or dead-lettered.
type Worker struct {
	store  interfaces.LedgerStore
	queue  interfaces.TransferQueue
	events interfaces.EventPublisher // optional
	log    *slog.Logger

	MaxAttempts int
	RetryDelay  time.Duration
}

func NewWorker(store interfaces.LedgerStore, queue interfaces.TransferQueue, publisher interfaces.EventPublisher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:       store,
		queue:       queue,
		events:      publisher,
		log:         logger,
		MaxAttempts: defaultMaxAttempts,
		RetryDelay:  defaultRetryDelay,
	}
}

// Run processes intents until ctx is cancelled. Cancellation is honored
// between iterations only: an in-flight settlement always reaches commit or
// rollback before the loop exits.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("settlement worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("settlement worker stopped")
			return
		}

		intent, err := w.queue.Dequeue(ctx)
		if errors.Is(err, interfaces.ErrNoIntent) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("settlement worker stopped")
				return
			}
			w.log.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.RetryDelay):
			}
			continue
		}

		w.process(ctx, intent)
	}
}

// process drives one intent to a terminal state: committed, rejected, or
// dead-lettered. Only shutdown mid-retry leaves it reserved, and then the
// queue redelivers it.
func (w *Worker) process(ctx context.Context, intent models.TransferIntent) {
	// Shutdown must not abort a settlement mid-transaction.
	settleCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		err := w.settle(settleCtx, intent)
		if err == nil {
			if ackErr := w.queue.Ack(settleCtx, intent); ackErr != nil {
				w.log.Error("ack failed after commit", "transactionId", intent.TransactionID, "error", ackErr)
			}
			w.publishSettled(settleCtx, intent)
			return
		}

		if errors.Is(err, ErrAccountMissing) || errors.Is(err, ErrInsufficientFunds) {
			// Terminal business-rule rejection: no record, no retry. Log with
			// enough context for manual reconciliation.
			w.log.Warn("settlement rejected",
				"transactionId", intent.TransactionID,
				"fromAccountId", intent.FromAccountID,
				"toAccountId", intent.ToAccountID,
				"amount", intent.Amount,
				"reason", err,
			)
			if ackErr := w.queue.Ack(settleCtx, intent); ackErr != nil {
				w.log.Error("ack failed after rejection", "transactionId", intent.TransactionID, "error", ackErr)
			}
			return
		}

		w.log.Error("settlement failed",
			"transactionId", intent.TransactionID,
			"fromAccountId", intent.FromAccountID,
			"toAccountId", intent.ToAccountID,
			"amount", intent.Amount,
			"attempt", attempt,
			"error", err,
		)

		if attempt >= w.MaxAttempts {
			if dlErr := w.queue.DeadLetter(settleCtx, intent); dlErr != nil {
				w.log.Error("dead letter failed, intent stays reserved for redelivery",
					"transactionId", intent.TransactionID, "error", dlErr)
				return
			}
			w.log.Error("settlement dead-lettered, manual intervention required",
				"transactionId", intent.TransactionID,
				"fromAccountId", intent.FromAccountID,
				"toAccountId", intent.ToAccountID,
				"amount", intent.Amount,
			)
			return
		}

		select {
		case <-ctx.Done():
			// Leave the intent reserved; it is redelivered on restart.
			return
		case <-time.After(w.RetryDelay):
		}
	}
}

// settle runs the authoritative settlement transaction for one intent.
// Returns nil on commit or idempotent skip, ErrAccountMissing or
// ErrInsufficientFunds on terminal rejection, anything else is retryable.
func (w *Worker) settle(ctx context.Context, intent models.TransferIntent) error {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	// Canonical lock order: lowest account id first, so a concurrent A->B
	// and B->A cannot deadlock.
	first, second := intent.FromAccountID, intent.ToAccountID
	if second < first {
		first, second = second, first
	}

	accounts := make(map[string]models.Account, 2)

	account, err := tx.AccountForUpdate(ctx, first)
	if err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			return fmt.Errorf("%w: %s", ErrAccountMissing, first)
		}
		return fmt.Errorf("lock account %s: %w", first, err)
	}
	accounts[first] = account

	if second != first {
		account, err = tx.AccountForUpdate(ctx, second)
		if err != nil {
			if errors.Is(err, interfaces.ErrAccountNotFound) {
				return fmt.Errorf("%w: %s", ErrAccountMissing, second)
			}
			return fmt.Errorf("lock account %s: %w", second, err)
		}
		accounts[second] = account
	}

	// Dedup check under lock: a redelivered intent whose key already
	// committed must not apply twice.
	if intent.IdempotencyKey != "" {
		settled, err := tx.AlreadySettled(ctx, intent.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency check: %w", err)
		}
		if settled {
			w.log.Info("intent already settled, skipping",
				"transactionId", intent.TransactionID,
				"idempotencyKey", intent.IdempotencyKey,
			)
			return nil
		}
	}

	// Same-account intents settle as a no-op; intake rejects them, so this
	// only covers legacy intents already on the queue.
	if intent.FromAccountID == intent.ToAccountID {
		return nil
	}

	from := accounts[intent.FromAccountID]
	to := accounts[intent.ToAccountID]

	if from.Balance.LessThan(intent.Amount) {
		return fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientFunds, from.ID, from.Balance, intent.Amount)
	}

	if err := tx.UpdateBalance(ctx, from.ID, from.Balance.Sub(intent.Amount)); err != nil {
		return fmt.Errorf("debit account %s: %w", from.ID, err)
	}
	if err := tx.UpdateBalance(ctx, to.ID, to.Balance.Add(intent.Amount)); err != nil {
		return fmt.Errorf("credit account %s: %w", to.ID, err)
	}

	record := models.Transaction{
		ID:             intent.TransactionID,
		FromAccount:    intent.FromAccountID,
		ToAccount:      intent.ToAccountID,
		Amount:         intent.Amount,
		Status:         models.StatusCompleted,
		IdempotencyKey: intent.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.InsertTransaction(ctx, record); err != nil {
		return fmt.Errorf("insert transaction record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}

	w.log.Info("settlement committed",
		"transactionId", intent.TransactionID,
		"fromAccountId", intent.FromAccountID,
		"toAccountId", intent.ToAccountID,
		"amount", intent.Amount,
	)
	return nil
}

// publishSettled emits the settled event. The commit already happened, so a
// publish failure is logged and swallowed.
func (w *Worker) publishSettled(ctx context.Context, intent models.TransferIntent) {
	if w.events == nil {
		return
	}

	event := events.TransferSettled{
		TransactionID: intent.TransactionID,
		FromAccount:   intent.FromAccountID,
		ToAccount:     intent.ToAccountID,
		Amount:        intent.Amount,
		OccurredAt:    time.Now().UTC(),
	}
	if err := w.events.Publish(ctx, event); err != nil {
		w.log.Error("publish settled event failed",
			"transactionId", intent.TransactionID,
			"error", err,
		)
	}
}
