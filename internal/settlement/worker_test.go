package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/settleq/settleq/internal/models"
	memqueue "github.com/settleq/settleq/internal/queue/memory"
	memstore "github.com/settleq/settleq/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*Worker, *memstore.MemoryLedgerStore, *memqueue.Queue) {
	t.Helper()

	store := memstore.NewMemoryLedgerStore()
	queue := memqueue.NewQueue()
	worker := NewWorker(store, queue, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	worker.RetryDelay = time.Millisecond
	return worker, store, queue
}

func seedAccount(t *testing.T, store *memstore.MemoryLedgerStore, id, owner, balance string) {
	t.Helper()
	err := store.CreateAccount(context.Background(), models.Account{
		ID:      id,
		Owner:   owner,
		Balance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
}

func balance(t *testing.T, store *memstore.MemoryLedgerStore, id string) decimal.Decimal {
	t.Helper()
	account, err := store.Account(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func intent(txID, from, to, amount string) models.TransferIntent {
	return models.TransferIntent{
		TransactionID: txID,
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        decimal.RequireFromString(amount),
		EnqueuedAt:    time.Now().UTC(),
	}
}

func TestSettleCommitsBothSides(t *testing.T) {
	worker, store, _ := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "1000.00")
	seedAccount(t, store, "acc-b", "bob", "500.00")

	err := worker.settle(context.Background(), intent("txn-1", "acc-a", "acc-b", "100.00"))
	require.NoError(t, err)

	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("900.00")))
	assert.True(t, balance(t, store, "acc-b").Equal(decimal.RequireFromString("600.00")))

	transactions, err := store.TransactionsByAccount(context.Background(), "acc-a")
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, "txn-1", transactions[0].ID)
	assert.Equal(t, "acc-a", transactions[0].FromAccount)
	assert.Equal(t, "acc-b", transactions[0].ToAccount)
	assert.Equal(t, models.StatusCompleted, transactions[0].Status)
	assert.True(t, transactions[0].Amount.Equal(decimal.RequireFromString("100.00")))
}

func TestSettleConservesTotal(t *testing.T) {
	worker, store, _ := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "1000.00")
	seedAccount(t, store, "acc-b", "bob", "500.00")
	before := balance(t, store, "acc-a").Add(balance(t, store, "acc-b"))

	require.NoError(t, worker.settle(context.Background(), intent("txn-1", "acc-a", "acc-b", "123.45")))

	after := balance(t, store, "acc-a").Add(balance(t, store, "acc-b"))
	assert.True(t, before.Equal(after), "total balance changed: %s -> %s", before, after)
}

func TestConcurrentOverdrawCommitsAtMostOne(t *testing.T) {
	worker, store, _ := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "100.00")
	seedAccount(t, store, "acc-b", "bob", "0.00")

	// Both passed the advisory check against a stale 100.00 balance; the
	// authoritative re-check under lock must fail exactly one of them.
	intents := []models.TransferIntent{
		intent("txn-1", "acc-a", "acc-b", "60.00"),
		intent("txn-2", "acc-a", "acc-b", "60.00"),
	}

	errs := make([]error, len(intents))
	var wg sync.WaitGroup
	for i := range intents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = worker.settle(context.Background(), intents[i])
		}(i)
	}
	wg.Wait()

	committed, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, rejected)
	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("40.00")))
	assert.True(t, balance(t, store, "acc-b").Equal(decimal.RequireFromString("60.00")))
}

func TestOpposingTransfersDoNotDeadlock(t *testing.T) {
	worker, store, _ := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "1000.00")
	seedAccount(t, store, "acc-b", "bob", "1000.00")

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = worker.settle(context.Background(), intent("txn-ab", "acc-a", "acc-b", "1.00"))
			}()
			go func() {
				defer wg.Done()
				_ = worker.settle(context.Background(), intent("txn-ba", "acc-b", "acc-a", "1.00"))
			}()
			wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing settlements deadlocked")
	}

	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("1000.00")))
	assert.True(t, balance(t, store, "acc-b").Equal(decimal.RequireFromString("1000.00")))
}

func TestRedeliveryWithIdempotencyKeySettlesOnce(t *testing.T) {
	worker, store, _ := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "1000.00")
	seedAccount(t, store, "acc-b", "bob", "500.00")

	redelivered := intent("txn-1", "acc-a", "acc-b", "100.00")
	redelivered.IdempotencyKey = "key-1"

	require.NoError(t, worker.settle(context.Background(), redelivered))
	require.NoError(t, worker.settle(context.Background(), redelivered))

	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("900.00")))
	assert.True(t, balance(t, store, "acc-b").Equal(decimal.RequireFromString("600.00")))

	transactions, err := store.TransactionsByAccount(context.Background(), "acc-a")
	require.NoError(t, err)
	assert.Len(t, transactions, 1)
}

func TestSettleMissingAccount(t *testing.T) {
	worker, store, _ := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "1000.00")

	err := worker.settle(context.Background(), intent("txn-1", "acc-a", "acc-gone", "100.00"))
	require.ErrorIs(t, err, ErrAccountMissing)

	// Rejection writes nothing.
	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("1000.00")))
	transactions, err := store.TransactionsByAccount(context.Background(), "acc-a")
	require.NoError(t, err)
	assert.Empty(t, transactions)
}

func TestSameAccountIntentIsNoOp(t *testing.T) {
	worker, store, _ := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "1000.00")

	err := worker.settle(context.Background(), intent("txn-1", "acc-a", "acc-a", "100.00"))
	require.NoError(t, err)

	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("1000.00")))
	transactions, err := store.TransactionsByAccount(context.Background(), "acc-a")
	require.NoError(t, err)
	assert.Empty(t, transactions)
}

func TestProcessRejectionDiscardsIntent(t *testing.T) {
	worker, store, queue := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "10.00")
	seedAccount(t, store, "acc-b", "bob", "0.00")

	worker.process(context.Background(), intent("txn-1", "acc-a", "acc-b", "100.00"))

	// Business-rule failure is terminal: acked, never dead-lettered.
	assert.Equal(t, 0, queue.Reserved())
	assert.Empty(t, queue.DeadLetters())
	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("10.00")))
}

func TestProcessInfrastructureFailureDeadLetters(t *testing.T) {
	worker, store, queue := newTestWorker(t)
	worker.MaxAttempts = 2
	seedAccount(t, store, "acc-a", "alice", "1000.00")
	seedAccount(t, store, "acc-b", "bob", "500.00")
	store.SetCommitErr(errors.New("store unreachable"))

	worker.process(context.Background(), intent("txn-1", "acc-a", "acc-b", "100.00"))

	dead := queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "txn-1", dead[0].TransactionID)

	// Failed commits leave no partial writes.
	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("1000.00")))
	assert.True(t, balance(t, store, "acc-b").Equal(decimal.RequireFromString("500.00")))
	transactions, err := store.TransactionsByAccount(context.Background(), "acc-a")
	require.NoError(t, err)
	assert.Empty(t, transactions)
}

func TestProcessRecoversAfterTransientFailure(t *testing.T) {
	worker, store, queue := newTestWorker(t)
	worker.MaxAttempts = 3
	worker.RetryDelay = 50 * time.Millisecond
	seedAccount(t, store, "acc-a", "alice", "1000.00")
	seedAccount(t, store, "acc-b", "bob", "500.00")
	store.SetCommitErr(errors.New("store unreachable"))

	// Clear the failure well inside the first retry window.
	go func() {
		time.Sleep(5 * time.Millisecond)
		store.SetCommitErr(nil)
	}()

	worker.process(context.Background(), intent("txn-1", "acc-a", "acc-b", "100.00"))

	assert.Empty(t, queue.DeadLetters())
	assert.True(t, balance(t, store, "acc-a").Equal(decimal.RequireFromString("900.00")))
}

func TestRunSettlesQueuedIntentAndStops(t *testing.T) {
	worker, store, queue := newTestWorker(t)
	seedAccount(t, store, "acc-a", "alice", "1000.00")
	seedAccount(t, store, "acc-b", "bob", "500.00")

	require.NoError(t, queue.Enqueue(context.Background(), intent("txn-1", "acc-a", "acc-b", "100.00")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return balance(t, store, "acc-a").Equal(decimal.RequireFromString("900.00"))
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	assert.Equal(t, 0, queue.Reserved())
}
